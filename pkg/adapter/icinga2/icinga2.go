// Package icinga2 talks to the Icinga 2 REST API.
package icinga2

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Type is the registry name of this backend.
const Type = "Icinga2API"

// Capabilities of the Icinga 2 API.
var Capabilities = adapter.Capabilities{
	Actions: []adapter.Action{
		adapter.ActionRecheck, adapter.ActionAcknowledge, adapter.ActionSubmitCheckResult, adapter.ActionDowntime,
	},
	DisabledControls: []string{"monitor_cgi_url"},
}

var hostStates = map[int]monitor.State{0: monitor.StateUp, 1: monitor.StateDown, 2: monitor.StateUnreachable}

var serviceStates = map[int]monitor.State{
	0: monitor.StateOk, 1: monitor.StateWarning, 2: monitor.StateCritical, 3: monitor.StateUnknown,
}

// attrs are the object attributes hosts and services share.
type attrs struct {
	Name                string  `json:"name"`
	DisplayName         string  `json:"display_name"`
	HostName            string  `json:"host_name"`
	Address             string  `json:"address"`
	State               float64 `json:"state"`
	StateType           float64 `json:"state_type"`
	CheckAttempt        float64 `json:"check_attempt"`
	MaxCheckAttempts    float64 `json:"max_check_attempts"`
	LastCheck           float64 `json:"last_check"`
	PreviousStateChange float64 `json:"previous_state_change"`
	LastCheckResult     *struct {
		Output string `json:"output"`
	} `json:"last_check_result"`
	EnableActiveChecks  bool    `json:"enable_active_checks"`
	EnableNotifications bool    `json:"enable_notifications"`
	Flapping            bool    `json:"flapping"`
	Acknowledgement     float64 `json:"acknowledgement"`
	DowntimeDepth       float64 `json:"downtime_depth"`
}

type objects struct {
	Results []struct {
		Attrs attrs `json:"attrs"`
	} `json:"results"`
}

func (a attrs) apply(e *monitor.Entity, now time.Time) {
	// Icinga 2 stops counting attempts once the state is hard.
	if a.StateType > 0 {
		e.StatusType = monitor.Hard
		e.Attempt = monitor.FormatAttempt(int(a.MaxCheckAttempts), int(a.MaxCheckAttempts))
	} else {
		e.StatusType = monitor.Soft
		e.Attempt = monitor.FormatAttempt(int(a.CheckAttempt), int(a.MaxCheckAttempts))
	}

	e.LastCheck = monitor.FormatTime(int64(a.LastCheck))
	e.Duration = monitor.Since(int64(a.PreviousStateChange), now)
	e.StatusInformation = "UNKNOWN"
	if a.LastCheckResult != nil {
		e.StatusInformation = strings.TrimSpace(strings.ReplaceAll(a.LastCheckResult.Output, "\n", " "))
	}
	e.Passiveonly = !a.EnableActiveChecks
	e.NotificationsDisabled = !a.EnableNotifications
	e.Flapping = a.Flapping
	e.Acknowledged = a.Acknowledgement > 0
	e.ScheduledDowntime = a.DowntimeDepth > 0
}

// Adapter implements adapter.Adapter for the Icinga 2 API.
type Adapter struct {
	*adapter.Base
}

// New creates an Icinga 2 API adapter. The monitor URL points to the API root, e.g. https://icinga:5665/v1.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	base.Session().SetHeader("Accept", "application/json")

	return &Adapter{Base: base}, nil
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	hostObjects, err := a.list(ctx, "hosts", "host.state!=0")
	if err != nil {
		return nil, errors.Wrap(err, "can't list hosts")
	}

	serviceObjects, err := a.list(ctx, "services", "service.state!=ServiceOK")
	if err != nil {
		return nil, errors.Wrap(err, "can't list services")
	}

	now := a.Now()
	hosts := monitor.Hosts{}

	for _, o := range hostObjects.Results {
		h := monitor.NewHost(o.Attrs.Name, a.Name())
		h.Site = a.Name()
		h.Address = o.Attrs.Address

		var ok bool
		if h.Status, ok = hostStates[int(o.Attrs.State)]; !ok {
			h.Status = monitor.StateUnknown
		}

		o.Attrs.apply(&h.Entity, now)
		hosts.AddHost(h)
	}

	for _, o := range serviceObjects.Results {
		s := monitor.NewService(o.Attrs.HostName, o.Attrs.Name, a.Name())
		s.Site = a.Name()

		var ok bool
		if s.Status, ok = serviceStates[int(o.Attrs.State)]; !ok {
			s.Status = monitor.StateUnknown
		}

		o.Attrs.apply(&s.Entity, now)

		if _, ok := hosts[s.Host]; !ok {
			hosts.Ensure(s.Host, a.Name()).Site = a.Name()
		}
		hosts.AddService(s)
	}

	return hosts, nil
}

func (a *Adapter) list(ctx context.Context, objectType, filter string) (*objects, error) {
	var o objects
	r := a.Fetch(ctx, session.Request{
		URL:      a.Settings().BaseURL() + "/objects/" + objectType + "?" + url.Values{"filter": {filter}}.Encode(),
		Giveback: session.JSON,
		Into:     &o,
	})
	if err := a.CheckAuth(r); err != nil {
		return nil, err
	}

	return &o, nil
}

// action posts an Icinga 2 API action for target.
func (a *Adapter) action(ctx context.Context, name string, t adapter.Target, params map[string]interface{}) error {
	body := map[string]interface{}{}
	for k, v := range params {
		body[k] = v
	}

	if t.IsService() {
		body["type"] = "Service"
		body["service"] = t.Host + "!" + t.Service
	} else {
		body["type"] = "Host"
		body["host"] = t.Host
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "can't encode action")
	}

	var response struct {
		Results []struct {
			Code   float64 `json:"code"`
			Status string  `json:"status"`
		} `json:"results"`
	}

	r := a.Fetch(ctx, session.Request{
		Method:   http.MethodPost,
		URL:      a.Settings().BaseURL() + "/actions/" + name,
		Body:     payload,
		Giveback: session.JSON,
		Into:     &response,
	})
	if err := a.CheckAuth(r); err != nil {
		return errors.Wrapf(err, "can't %s", name)
	}

	for _, res := range response.Results {
		if res.Code >= 300 {
			return errors.Errorf("can't %s: %s", name, res.Status)
		}
	}

	return nil
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	return a.action(ctx, "reschedule-check", t, map[string]interface{}{
		"force":      true,
		"next_check": a.Now().Unix(),
	})
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	params := map[string]interface{}{
		"author":     req.Author,
		"comment":    req.Comment,
		"sticky":     req.Sticky,
		"notify":     req.Notify,
		"persistent": req.Persistent,
	}
	if req.ExpireTime > 0 {
		params["expiry"] = req.ExpireTime
	}

	for _, t := range req.Targets() {
		if err := a.action(ctx, "acknowledge-problem", t, params); err != nil {
			return err
		}
	}

	return nil
}

// SetDowntime implements the adapter.Adapter interface.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	start, end, err := req.Window(a.Now())
	if err != nil {
		return err
	}

	return a.action(ctx, "schedule-downtime", req.Target(), map[string]interface{}{
		"author":     req.Author,
		"comment":    req.Comment,
		"start_time": start.Unix(),
		"end_time":   end.Unix(),
		"fixed":      req.Fixed,
		"duration":   int64(req.Duration() / time.Second),
	})
}

// SetSubmitCheckResult implements the adapter.Adapter interface.
func (a *Adapter) SetSubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	params := map[string]interface{}{
		"exit_status":   adapter.NagiosStateCode(req.State),
		"plugin_output": req.CheckOutput,
	}
	if perf := strings.Fields(req.PerformanceData); len(perf) > 0 {
		params["performance_data"] = perf
	}

	return a.action(ctx, "process-check-result", req.Target(), params)
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
