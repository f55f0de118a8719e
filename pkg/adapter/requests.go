package adapter

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/pkg/errors"
	"strings"
	"time"
)

// Target addresses a host or, if Service is set, one of its services.
type Target struct {
	Host    string `json:"host"`
	Service string `json:"service,omitempty"`
}

// IsService reports whether t addresses a service.
func (t Target) IsService() bool {
	return t.Service != ""
}

// AcknowledgeRequest carries the fields of an acknowledgement.
type AcknowledgeRequest struct {
	Host                   string   `json:"host"`
	Service                string   `json:"service,omitempty"`
	Author                 string   `json:"author"`
	Comment                string   `json:"comment"`
	Sticky                 bool     `json:"sticky"`
	Notify                 bool     `json:"notify"`
	Persistent             bool     `json:"persistent"`
	AcknowledgeAllServices bool     `json:"acknowledge_all_services"`
	AllServices            []string `json:"all_services,omitempty"`
	// ExpireTime is a Unix timestamp; 0 means no expiry.
	ExpireTime int64 `json:"expire_time,omitempty"`
}

// Target returns the addressed host or service.
func (r AcknowledgeRequest) Target() Target {
	return Target{Host: r.Host, Service: r.Service}
}

// Targets returns the target itself followed by every captured service if all services are to be acknowledged.
func (r AcknowledgeRequest) Targets() []Target {
	targets := []Target{r.Target()}
	if r.AcknowledgeAllServices {
		for _, s := range r.AllServices {
			if s != r.Service {
				targets = append(targets, Target{Host: r.Host, Service: s})
			}
		}
	}

	return targets
}

// DowntimeRequest carries the fields of a scheduled downtime.
type DowntimeRequest struct {
	Host    string `json:"host"`
	Service string `json:"service,omitempty"`
	Author  string `json:"author"`
	Comment string `json:"comment"`
	Fixed   bool   `json:"fixed"`
	// StartTime and EndTime are formatted "YYYY-MM-DD HH:MM[:SS]".
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Hours     int    `json:"hours"`
	Minutes   int    `json:"minutes"`
}

// Target returns the addressed host or service.
func (r DowntimeRequest) Target() Target {
	return Target{Host: r.Host, Service: r.Service}
}

// Window parses start and end time. Missing values default to now and now plus the flexible duration.
func (r DowntimeRequest) Window(now time.Time) (time.Time, time.Time, error) {
	start, end := now, now.Add(r.Duration())

	if s := strings.TrimSpace(r.StartTime); s != "" && s != "n/a" {
		t, err := ParseTime(s)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "bad start time")
		}

		start = t
	}

	if s := strings.TrimSpace(r.EndTime); s != "" && s != "n/a" {
		t, err := ParseTime(s)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "bad end time")
		}

		end = t
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.Errorf("downtime ends %s before it starts %s", end, start)
	}

	return start, end, nil
}

// Duration returns the flexible downtime duration.
func (r DowntimeRequest) Duration() time.Duration {
	return time.Duration(r.Hours)*time.Hour + time.Duration(r.Minutes)*time.Minute
}

// CheckResultRequest carries a passive check result to submit.
type CheckResultRequest struct {
	Host            string        `json:"host"`
	Service         string        `json:"service,omitempty"`
	State           monitor.State `json:"state"`
	Comment         string        `json:"comment"`
	CheckOutput     string        `json:"check_output"`
	PerformanceData string        `json:"performance_data"`
}

// Target returns the addressed host or service.
func (r CheckResultRequest) Target() Target {
	return Target{Host: r.Host, Service: r.Service}
}

// Output returns the plugin output with performance data appended.
func (r CheckResultRequest) Output() string {
	if r.PerformanceData == "" {
		return r.CheckOutput
	}

	return r.CheckOutput + "|" + r.PerformanceData
}

// TimeLayout is the display format of downtime windows.
const TimeLayout = "2006-01-02 15:04"

// ParseTime parses "YYYY-MM-DD HH:MM" with optional seconds in local time.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", TimeLayout} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, errors.Errorf("can't parse time %q", s)
}

// NagiosStateCode returns the plugin return code of s.
// Hosts use 0 UP, 1 DOWN, 2 UNREACHABLE; services 0 OK, 1 WARNING, 2 CRITICAL, 3 UNKNOWN.
func NagiosStateCode(s monitor.State) int {
	switch s {
	case monitor.StateDown, monitor.StateWarning:
		return 1
	case monitor.StateUnreachable, monitor.StateCritical:
		return 2
	case monitor.StateUnknown:
		return 3
	default:
		return 0
	}
}
