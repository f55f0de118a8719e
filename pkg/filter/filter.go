// Package filter decides which hosts and services of a refresh are displayed and counts them per state.
package filter

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"regexp"
)

// Options selects the filters to apply. All filters are off by default.
type Options struct {
	FilterAcknowledgedHostsServices          bool `yaml:"filter_acknowledged_hosts_services"`
	FilterHostsServicesDisabledNotifications bool `yaml:"filter_hosts_services_disabled_notifications"`
	FilterHostsServicesDisabledChecks        bool `yaml:"filter_hosts_services_disabled_checks"`
	FilterHostsServicesMaintenance           bool `yaml:"filter_hosts_services_maintenance"`
	FilterServicesOnAcknowledgedHosts        bool `yaml:"filter_services_on_acknowledged_hosts"`
	FilterServicesOnHostsInMaintenance       bool `yaml:"filter_services_on_hosts_in_maintenance"`
	FilterServicesOnDownHosts                bool `yaml:"filter_services_on_down_hosts"`
	FilterServicesOnUnreachableHosts         bool `yaml:"filter_services_on_unreachable_hosts"`
	FilterServicesInSoftState                bool `yaml:"filter_services_in_soft_state"`
	FilterHostsInSoftState                   bool `yaml:"filter_hosts_in_soft_state"`
	FilterAllFlappingHosts                   bool `yaml:"filter_all_flapping_hosts"`
	FilterAllFlappingServices                bool `yaml:"filter_all_flapping_services"`

	FilterAllDownHosts           bool `yaml:"filter_all_down_hosts"`
	FilterAllUnreachableHosts    bool `yaml:"filter_all_unreachable_hosts"`
	FilterAllDisasterServices    bool `yaml:"filter_all_disaster_services"`
	FilterAllCriticalServices    bool `yaml:"filter_all_critical_services"`
	FilterAllHighServices        bool `yaml:"filter_all_high_services"`
	FilterAllAverageServices     bool `yaml:"filter_all_average_services"`
	FilterAllWarningServices     bool `yaml:"filter_all_warning_services"`
	FilterAllInformationServices bool `yaml:"filter_all_information_services"`
	FilterAllUnknownServices     bool `yaml:"filter_all_unknown_services"`

	ReHostEnabled bool   `yaml:"re_host_enabled"`
	ReHostPattern string `yaml:"re_host_pattern"`
	ReHostReverse bool   `yaml:"re_host_reverse"`

	ReServiceEnabled bool   `yaml:"re_service_enabled"`
	ReServicePattern string `yaml:"re_service_pattern"`
	ReServiceReverse bool   `yaml:"re_service_reverse"`

	ReStatusInformationEnabled bool   `yaml:"re_status_information_enabled"`
	ReStatusInformationPattern string `yaml:"re_status_information_pattern"`
	ReStatusInformationReverse bool   `yaml:"re_status_information_reverse"`

	ReDurationEnabled bool   `yaml:"re_duration_enabled"`
	ReDurationPattern string `yaml:"re_duration_pattern"`
	ReDurationReverse bool   `yaml:"re_duration_reverse"`

	ReAttemptEnabled bool   `yaml:"re_attempt_enabled"`
	ReAttemptPattern string `yaml:"re_attempt_pattern"`
	ReAttemptReverse bool   `yaml:"re_attempt_reverse"`
}

// Validate checks that all enabled patterns compile.
func (o *Options) Validate() error {
	_, err := New(*o, nil)

	return err
}

// pattern filters out matching strings or, if reverse, strings not matching.
// A nil pattern filters nothing.
type pattern struct {
	re      *regexp.Regexp
	reverse bool
}

func compile(name string, enabled bool, expr string, reverse bool) (*pattern, error) {
	if !enabled {
		return nil, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad %s pattern", name)
	}

	return &pattern{re: re, reverse: reverse}, nil
}

func (p *pattern) filtersOut(s string) bool {
	if p == nil {
		return false
	}

	return p.re.MatchString(s) != p.reverse
}

// Counts holds the number of displayed entities per state.
type Counts struct {
	Down        int `json:"down"`
	Unreachable int `json:"unreachable"`
	Disaster    int `json:"disaster"`
	Critical    int `json:"critical"`
	High        int `json:"high"`
	Average     int `json:"average"`
	Warning     int `json:"warning"`
	Information int `json:"information"`
	Unknown     int `json:"unknown"`
}

// Add returns the sum of c and other.
func (c Counts) Add(other Counts) Counts {
	return Counts{
		Down:        c.Down + other.Down,
		Unreachable: c.Unreachable + other.Unreachable,
		Disaster:    c.Disaster + other.Disaster,
		Critical:    c.Critical + other.Critical,
		High:        c.High + other.High,
		Average:     c.Average + other.Average,
		Warning:     c.Warning + other.Warning,
		Information: c.Information + other.Information,
		Unknown:     c.Unknown + other.Unknown,
	}
}

// Total returns the number of all displayed entities.
func (c Counts) Total() int {
	return c.Down + c.Unreachable + c.Disaster + c.Critical + c.High + c.Average + c.Warning + c.Information + c.Unknown
}

// inc counts one entity in state s.
func (c *Counts) inc(s monitor.State) {
	switch s {
	case monitor.StateDown:
		c.Down++
	case monitor.StateUnreachable:
		c.Unreachable++
	case monitor.StateDisaster:
		c.Disaster++
	case monitor.StateCritical:
		c.Critical++
	case monitor.StateHigh:
		c.High++
	case monitor.StateAverage:
		c.Average++
	case monitor.StateWarning:
		c.Warning++
	case monitor.StateInformation:
		c.Information++
	case monitor.StateUnknown:
		c.Unknown++
	}
}

// Displayed is the filtered set of one refresh, bucketed by state.
// Hosts only ever land in the DOWN and UNREACHABLE buckets, services in the others.
type Displayed struct {
	Hosts    map[monitor.State][]*monitor.Host    `json:"hosts"`
	Services map[monitor.State][]*monitor.Service `json:"services"`
	Counts   Counts                               `json:"counts"`
}

// HostStates are the buckets of displayed hosts.
var HostStates = []monitor.State{monitor.StateDown, monitor.StateUnreachable}

// ServiceStates are the buckets of displayed services.
var ServiceStates = []monitor.State{
	monitor.StateDisaster, monitor.StateCritical, monitor.StateHigh, monitor.StateAverage,
	monitor.StateWarning, monitor.StateInformation, monitor.StateUnknown,
}

func newDisplayed() Displayed {
	d := Displayed{
		Hosts:    make(map[monitor.State][]*monitor.Host, len(HostStates)),
		Services: make(map[monitor.State][]*monitor.Service, len(ServiceStates)),
	}

	for _, s := range HostStates {
		d.Hosts[s] = []*monitor.Host{}
	}

	for _, s := range ServiceStates {
		d.Services[s] = []*monitor.Service{}
	}

	return d
}

// Filter applies Options to the hosts of a refresh.
type Filter struct {
	opts   Options
	logger *zap.SugaredLogger

	host, service, statusInformation, duration, attempt *pattern
}

// New compiles the patterns of opts. logger receives one debug line per filtered entity and may be nil.
func New(opts Options, logger *zap.SugaredLogger) (*Filter, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	f := &Filter{opts: opts, logger: logger}

	var err error
	if f.host, err = compile("host", opts.ReHostEnabled, opts.ReHostPattern, opts.ReHostReverse); err != nil {
		return nil, err
	}

	if f.service, err = compile("service", opts.ReServiceEnabled, opts.ReServicePattern, opts.ReServiceReverse); err != nil {
		return nil, err
	}

	f.statusInformation, err = compile("status information",
		opts.ReStatusInformationEnabled, opts.ReStatusInformationPattern, opts.ReStatusInformationReverse)
	if err != nil {
		return nil, err
	}

	if f.duration, err = compile("duration", opts.ReDurationEnabled, opts.ReDurationPattern, opts.ReDurationReverse); err != nil {
		return nil, err
	}

	if f.attempt, err = compile("attempt", opts.ReAttemptEnabled, opts.ReAttemptPattern, opts.ReAttemptReverse); err != nil {
		return nil, err
	}

	return f, nil
}

// Options returns the options f was created with.
func (f *Filter) Options() Options {
	return f.opts
}

// hide marks e invisible if cond holds.
func (f *Filter) hide(e *monitor.Entity, cond bool, reason string, host string) {
	if cond && e.Visible {
		e.Visible = false
		f.logger.Debugw("Filter: "+reason, "host", host, "name", e.Name)
	}
}

// isSoft reports a soft state either from the state type or from an unfinished attempt count.
func isSoft(e *monitor.Entity) bool {
	return e.IsSoft() || monitor.IsSoftAttempt(e.Attempt)
}

// killed reports whether the per-state switch of s is on.
func (f *Filter) killed(s monitor.State) bool {
	switch s {
	case monitor.StateDown:
		return f.opts.FilterAllDownHosts
	case monitor.StateUnreachable:
		return f.opts.FilterAllUnreachableHosts
	case monitor.StateDisaster:
		return f.opts.FilterAllDisasterServices
	case monitor.StateCritical:
		return f.opts.FilterAllCriticalServices
	case monitor.StateHigh:
		return f.opts.FilterAllHighServices
	case monitor.StateAverage:
		return f.opts.FilterAllAverageServices
	case monitor.StateWarning:
		return f.opts.FilterAllWarningServices
	case monitor.StateInformation:
		return f.opts.FilterAllInformationServices
	case monitor.StateUnknown:
		return f.opts.FilterAllUnknownServices
	default:
		return false
	}
}

// Apply sets the Visible flag of every host and service and returns the displayed set.
// It resets Visible first, so applying it twice yields the same result.
func (f *Filter) Apply(hosts monitor.Hosts) Displayed {
	d := newDisplayed()
	o := f.opts

	for _, name := range hosts.Names() {
		h := hosts[name]
		h.Visible = true

		if h.Status.IsProblem() {
			f.hide(&h.Entity, h.Acknowledged && o.FilterAcknowledgedHostsServices, "ACKNOWLEDGED", h.Name)
			f.hide(&h.Entity, h.NotificationsDisabled && o.FilterHostsServicesDisabledNotifications, "NOTIFICATIONS", h.Name)
			f.hide(&h.Entity, h.Passiveonly && o.FilterHostsServicesDisabledChecks, "PASSIVEONLY", h.Name)
			f.hide(&h.Entity, h.ScheduledDowntime && o.FilterHostsServicesMaintenance, "DOWNTIME", h.Name)
			f.hide(&h.Entity, h.Flapping && o.FilterAllFlappingHosts, "FLAPPING", h.Name)
			f.hide(&h.Entity, h.IsSoft() && o.FilterHostsInSoftState, "SOFT STATE", h.Name)
			f.hide(&h.Entity, f.host.filtersOut(h.Name), "REGEXP", h.Name)
			f.hide(&h.Entity, f.statusInformation.filtersOut(h.StatusInformation), "REGEXP", h.Name)
			f.hide(&h.Entity, f.killed(h.Status), h.Status.String(), h.Name)

			if _, ok := d.Hosts[h.Status]; ok && h.Visible {
				d.Hosts[h.Status] = append(d.Hosts[h.Status], h)
				d.Counts.inc(h.Status)
			}
		}

		for _, s := range h.SortedServices() {
			s.Visible = true

			f.hide(&s.Entity, s.Acknowledged && o.FilterAcknowledgedHostsServices, "ACKNOWLEDGED", h.Name)
			f.hide(&s.Entity, s.NotificationsDisabled && o.FilterHostsServicesDisabledNotifications, "NOTIFICATIONS", h.Name)
			f.hide(&s.Entity, s.Passiveonly && o.FilterHostsServicesDisabledChecks, "PASSIVEONLY", h.Name)
			f.hide(&s.Entity, s.ScheduledDowntime && o.FilterHostsServicesMaintenance, "DOWNTIME", h.Name)
			f.hide(&s.Entity, s.Flapping && o.FilterAllFlappingServices, "FLAPPING", h.Name)
			f.hide(&s.Entity, h.Acknowledged && o.FilterServicesOnAcknowledgedHosts, "ACKNOWLEDGED HOST", h.Name)
			f.hide(&s.Entity, h.ScheduledDowntime && o.FilterServicesOnHostsInMaintenance, "HOST DOWNTIME", h.Name)
			f.hide(&s.Entity, h.Status == monitor.StateDown && o.FilterServicesOnDownHosts, "HOST DOWN", h.Name)
			f.hide(&s.Entity, h.Status == monitor.StateUnreachable && o.FilterServicesOnUnreachableHosts, "HOST UNREACHABLE", h.Name)
			f.hide(&s.Entity, isSoft(&s.Entity) && o.FilterServicesInSoftState, "SOFT STATE", h.Name)
			f.hide(&s.Entity, f.host.filtersOut(h.Name), "REGEXP", h.Name)
			f.hide(&s.Entity, f.service.filtersOut(s.Name), "REGEXP", h.Name)
			f.hide(&s.Entity, f.statusInformation.filtersOut(s.StatusInformation), "REGEXP", h.Name)
			f.hide(&s.Entity, f.duration.filtersOut(s.Duration), "REGEXP", h.Name)
			f.hide(&s.Entity, f.attempt.filtersOut(s.Attempt), "REGEXP", h.Name)
			f.hide(&s.Entity, f.killed(s.Status), s.Status.String(), h.Name)

			if _, ok := d.Services[s.Status]; ok && s.Visible {
				d.Services[s.Status] = append(d.Services[s.Status], s)
				d.Counts.inc(s.Status)
			}
		}
	}

	return d
}

// Worst returns the most severe state of all displayed entities or UP if there are none.
func (d Displayed) Worst() monitor.State {
	worst := monitor.StateUp
	for s, hosts := range d.Hosts {
		if len(hosts) > 0 && s.Worse(worst) {
			worst = s
		}
	}

	for s, services := range d.Services {
		if len(services) > 0 && s.Worse(worst) {
			worst = s
		}
	}

	return worst
}
