// Package snagview reads the private REST API of SNAG-View 3.
package snagview

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/scrape"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Type is the registry name of this backend.
const Type = "SNAG-View 3"

// LDAPPrefix in the user name selects the LDAP login module.
const LDAPPrefix = "ldap:"

// Capabilities of SNAG-View 3.
var Capabilities = adapter.Capabilities{
	Actions: adapter.AllActions,
}

// pending is the state code of hosts and services not checked yet.
const pending = 4

var hostStates = map[int]monitor.State{
	0: monitor.StateUp, 1: monitor.StateDown, 2: monitor.StateUnreachable, pending: monitor.StatePending,
}

var serviceStates = map[int]monitor.State{
	0: monitor.StateOk, 1: monitor.StateWarning, 2: monitor.StateCritical, 3: monitor.StateUnknown,
	pending: monitor.StatePending,
}

// ServiceStateCode returns the service state code of s, mapping host states to their service equivalents.
func ServiceStateCode(s monitor.State) int {
	switch s {
	case monitor.StateUp:
		return 0
	case monitor.StateDown, monitor.StateUnreachable:
		return 2
	default:
		return adapter.NagiosStateCode(s)
	}
}

// HostStateCode returns the host state code of s. Service states other than
// CRITICAL count as UP.
func HostStateCode(s monitor.State) int {
	switch s {
	case monitor.StateDown, monitor.StateCritical:
		return 1
	case monitor.StateUnreachable:
		return 2
	default:
		return 0
	}
}

// FormLogin logs in through the login form shared by SNAG-View and monitos.
// A user name prefixed with "ldap:" authenticates against LDAP.
func FormLogin(ctx context.Context, b *adapter.Base) error {
	s := b.Settings()
	base := s.BaseURL()

	module, username := "sv", s.Username
	if strings.HasPrefix(username, LDAPPrefix) {
		module, username = "ldap", strings.TrimPrefix(username, LDAPPrefix)
	}

	// The form sets the session cookie login_check expects.
	if r := b.Fetch(ctx, session.Request{URL: base + "/security/login"}); r.Failed() {
		return b.CheckAuth(r)
	}

	r := b.Fetch(ctx, session.Request{
		URL: base + "/security/login_check",
		Form: url.Values{
			"module":           {module},
			"_username":        {username},
			"_password":        {s.Password},
			"urm:login:client": {""},
		},
		Multipart: true,
	})

	return b.CheckAuth(r)
}

// Adapter implements adapter.Adapter for SNAG-View 3.
type Adapter struct {
	*adapter.Base

	mu       sync.Mutex // Protects the fields below.
	loggedIn bool
	// svids maps hosts and services of the last refresh to their SNAG-View object ids.
	svids map[adapter.Target]string
}

// New creates a SNAG-View 3 adapter. It authenticates with its login form only.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	settings.Authentication = session.AuthNone

	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	return &Adapter{Base: base, svids: map[adapter.Target]string{}}, nil
}

// InitializeTransport implements the adapter.Adapter interface.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	a.mu.Lock()
	loggedIn := a.loggedIn
	a.mu.Unlock()

	if loggedIn && !a.NeedsAuthentication() {
		return nil
	}

	err := a.Login(ctx, func(ctx context.Context) error {
		return FormLogin(ctx, a.Base)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.loggedIn = true
	a.mu.Unlock()

	return nil
}

// ResetTransport implements the adapter.Adapter interface.
func (a *Adapter) ResetTransport() {
	a.mu.Lock()
	a.loggedIn = false
	a.mu.Unlock()

	a.Base.ResetTransport()
}

type hostRow struct {
	SVID                   string          `json:"sv_host__svobjects____SVID"`
	HostName               string          `json:"sv_host__nagios__host_name"`
	MaxCheckAttempts       adapter.Number  `json:"sv_host__nagios__max_check_attempts"`
	CurrentState           *adapter.Number `json:"sv_host__nagios_status__current_state"`
	LastCheck              adapter.Number  `json:"sv_host__nagios_status__last_check"`
	LastStateChange        adapter.Number  `json:"sv_host__nagios_status__last_state_change"`
	PluginOutput           string          `json:"sv_host__nagios_status__plugin_output"`
	ChecksEnabled          adapter.Number  `json:"sv_host__nagios_status__checks_enabled"`
	NotificationsEnabled   adapter.Number  `json:"sv_host__nagios_status__notifications_enabled"`
	IsFlapping             adapter.Number  `json:"sv_host__nagios_status__is_flapping"`
	Acknowledged           adapter.Number  `json:"sv_host__nagios_status__problem_has_been_acknowledged"`
	ScheduledDowntimeDepth adapter.Number  `json:"sv_host__nagios_status__scheduled_downtime_depth"`
	StateType              adapter.Number  `json:"sv_host__nagios_status__state_type"`
}

type serviceRow struct {
	SVID                   string          `json:"sv_service_status__svobjects____SVID"`
	HostName               string          `json:"sv_host__nagios__host_name"`
	HostState              *adapter.Number `json:"sv_host__nagios_status__current_state"`
	Label                  string          `json:"sv_service_status__svobjects__rendered_label"`
	Description            string          `json:"sv_service_status__nagios__service_description"`
	MaxCheckAttempts       adapter.Number  `json:"sv_service_status__nagios__max_check_attempts"`
	CurrentState           *adapter.Number `json:"sv_service_status__nagios_status__current_state"`
	LastCheck              adapter.Number  `json:"sv_service_status__nagios_status__last_check"`
	LastStateChange        adapter.Number  `json:"sv_service_status__nagios_status__last_state_change"`
	PluginOutput           string          `json:"sv_service_status__nagios_status__plugin_output"`
	ChecksEnabled          adapter.Number  `json:"sv_service_status__nagios_status__checks_enabled"`
	NotificationsEnabled   adapter.Number  `json:"sv_service_status__nagios_status__notifications_enabled"`
	IsFlapping             adapter.Number  `json:"sv_service_status__nagios_status__is_flapping"`
	Acknowledged           adapter.Number  `json:"sv_service_status__nagios_status__problem_has_been_acknowledged"`
	ScheduledDowntimeDepth adapter.Number  `json:"sv_service_status__nagios_status__scheduled_downtime_depth"`
	StateType              adapter.Number  `json:"sv_service_status__nagios_status__state_type"`
}

// stateOf returns the state code or pending if there is none.
func stateOf(code *adapter.Number) int {
	if code == nil {
		return pending
	}

	return code.Int()
}

// statusType maps state_type 0 to soft and everything else to hard.
func statusType(n adapter.Number) monitor.StateType {
	if n == 0 {
		return monitor.Soft
	}

	return monitor.Hard
}

// list posts the browser filter form and decodes the data rows. A login page as
// answer resets the session and retries once.
func (a *Adapter) list(ctx context.Context, path string, form url.Values, into interface{}) error {
	rawURL := a.Settings().CGIURL() + path

	r := a.Fetch(ctx, session.Request{URL: rawURL, Form: form})
	if err := a.CheckAuth(r); err != nil {
		return err
	}

	if strings.HasPrefix(strings.TrimSpace(r.Body()), "<") {
		a.ResetTransport()
		if err := a.InitializeTransport(ctx); err != nil {
			return err
		}

		r = a.Fetch(ctx, session.Request{URL: rawURL, Form: form})
		if err := a.CheckAuth(r); err != nil {
			return err
		}

		if strings.HasPrefix(strings.TrimSpace(r.Body()), "<") {
			return a.AuthFailed("Authentication error")
		}
	}

	var page struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(r.Body()), &page); err != nil {
		return errors.Wrapf(err, "can't parse %s", path)
	}

	return errors.Wrapf(json.Unmarshal(page.Data, into), "can't decode %s", path)
}

func filterForm(softstate bool) url.Values {
	form := url.Values{
		"acknowledged":         {"1"},
		"downtime":             {"1"},
		"inactiveHosts":        {"0"},
		"disabledNotification": {"1"},
		"limit_start":          {"0"},
		"limit_length":         {"99999"},
	}
	if softstate {
		form.Set("softstate", "1")
	}

	return form
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	if err := a.InitializeTransport(ctx); err != nil {
		return nil, err
	}

	var hostRows []hostRow
	if err := a.list(ctx, "/rest/private/nagios/host", filterForm(false), &hostRows); err != nil {
		return nil, errors.Wrap(err, "can't fetch hosts")
	}

	var serviceRows []serviceRow
	if err := a.list(ctx, "/rest/private/nagios/service_status/browser", filterForm(true), &serviceRows); err != nil {
		return nil, errors.Wrap(err, "can't fetch services")
	}

	now := a.Now()
	hosts := monitor.Hosts{}
	svids := map[adapter.Target]string{}

	for _, row := range hostRows {
		code := stateOf(row.CurrentState)
		if code == pending {
			continue
		}

		state, ok := hostStates[code]
		if !ok {
			a.Logger().Debugw("Skipping host", "host", row.HostName, "error", monitor.BadState{State: code})
			continue
		}

		if _, ok := hosts[row.HostName]; ok {
			continue
		}

		h := monitor.NewHost(row.HostName, a.Name())
		h.ID = row.SVID
		h.Status = state
		h.StatusType = statusType(row.StateType)
		h.LastCheck = monitor.FormatTime(int64(row.LastCheck))
		h.Duration = monitor.Since(int64(row.LastStateChange), now)
		h.Attempt = monitor.FormatAttempt(row.MaxCheckAttempts.Int(), row.MaxCheckAttempts.Int())
		h.StatusInformation = scrape.PlainText(row.PluginOutput)
		h.Passiveonly = row.ChecksEnabled == 0
		h.NotificationsDisabled = row.NotificationsEnabled == 0
		h.Flapping = row.IsFlapping != 0
		h.Acknowledged = row.Acknowledged != 0
		h.ScheduledDowntime = row.ScheduledDowntimeDepth != 0

		hosts.AddHost(h)
		svids[adapter.Target{Host: h.Name}] = row.SVID
	}

	for _, row := range serviceRows {
		code := stateOf(row.CurrentState)
		if code == pending || stateOf(row.HostState) == pending {
			continue
		}

		state, ok := serviceStates[code]
		if !ok {
			a.Logger().Debugw("Skipping service",
				"host", row.HostName, "service", row.Label, "error", monitor.BadState{State: code})
			continue
		}

		name := row.Label
		if name == "" {
			name = row.Description
		}

		h := hosts.Ensure(row.HostName, a.Name())
		if _, ok := h.Services[name]; ok {
			continue
		}

		s := monitor.NewService(h.Name, name, a.Name())
		s.RealName = row.Description
		s.ID = row.SVID
		s.Status = state
		s.StatusType = statusType(row.StateType)
		s.LastCheck = monitor.FormatTime(int64(row.LastCheck))
		s.Duration = monitor.Since(int64(row.LastStateChange), now)
		s.Attempt = monitor.FormatAttempt(row.MaxCheckAttempts.Int(), row.MaxCheckAttempts.Int())
		s.StatusInformation = scrape.PlainText(row.PluginOutput)
		s.Passiveonly = row.ChecksEnabled == 0
		s.NotificationsDisabled = row.NotificationsEnabled == 0
		s.Flapping = row.IsFlapping != 0
		s.Acknowledged = row.Acknowledged != 0
		s.ScheduledDowntime = row.ScheduledDowntimeDepth != 0

		hosts.AddService(s)
		svids[adapter.Target{Host: h.Name, Service: name}] = row.SVID
		if row.Description != "" && row.Description != name {
			svids[adapter.Target{Host: h.Name, Service: row.Description}] = row.SVID
		}
	}

	a.mu.Lock()
	a.svids = svids
	a.mu.Unlock()

	return hosts, nil
}

// SVID returns the object id of t as of the last refresh.
func (a *Adapter) SVID(t adapter.Target) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.svids[t]; ok {
		return id, nil
	}

	return "", errors.Wrapf(adapter.ErrNotFound, "no object id of %s %s", t.Host, t.Service)
}

// execute runs a Nagios command on the object t.
func (a *Adapter) execute(ctx context.Context, t adapter.Target, command string, params map[string]interface{}) error {
	svid, err := a.SVID(t)
	if err != nil {
		return err
	}

	params["__SVID"] = svid
	encoded, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "can't encode %s", command)
	}

	commandType := "sv_host"
	if t.IsService() {
		commandType = "sv_service_status"
	}

	r := a.Fetch(ctx, session.Request{
		URL: a.Settings().BaseURL() + "/rest/private/nagios/command/execute",
		Form: url.Values{
			"commandName": {command},
			"commandType": {commandType},
			"params":      {string(encoded)},
		},
	})

	return errors.Wrapf(a.CheckAuth(r), "can't execute %s", command)
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	return a.execute(ctx, t, "check-now", map[string]interface{}{})
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	command := "acknowledge-problem"
	if req.Service == "" && req.AcknowledgeAllServices {
		command = "acknowledge-host-service-problems"
	}

	return a.execute(ctx, req.Target(), command, map[string]interface{}{
		"comment":    req.Comment,
		"notify":     req.Notify,
		"persistent": req.Persistent,
		"sticky":     req.Sticky,
	})
}

// SetSubmitCheckResult implements the adapter.Adapter interface.
func (a *Adapter) SetSubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	code := ServiceStateCode(req.State)
	if req.Service == "" {
		code = HostStateCode(req.State)
	}

	output := req.CheckOutput
	if req.PerformanceData != "" {
		output += " | " + req.PerformanceData
	}

	return a.execute(ctx, req.Target(), "process-check-result", map[string]interface{}{
		"status_code":   code,
		"plugin_output": output,
	})
}

// SetDowntime implements the adapter.Adapter interface. Downtimes are always fixed.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	svid, err := a.SVID(req.Target())
	if err != nil {
		return err
	}

	start, end, err := req.Window(a.Now())
	if err != nil {
		return err
	}

	form := url.Values{
		"type":    {"sv_host"},
		"svid":    {svid},
		"start":   {strconv.FormatInt(start.Unix(), 10)},
		"end":     {strconv.FormatInt(end.Unix(), 10)},
		"comment": {req.Comment},
	}
	if req.Service == "" {
		form.Set("host_effects", "hostOnly")
	} else {
		form.Set("type", "sv_service_status")
	}

	r := a.Fetch(ctx, session.Request{
		Method: http.MethodPut,
		URL:    a.Settings().BaseURL() + "/rest/private/nagios/downtime",
		Form:   form,
	})

	return errors.Wrap(a.CheckAuth(r), "can't schedule downtime")
}

// GetStartEnd returns now and now plus 24 hours.
func (a *Adapter) GetStartEnd(context.Context, string) (string, string) {
	now := a.Now()

	return now.Format(adapter.TimeLayout), now.Add(24 * time.Hour).Format(adapter.TimeLayout)
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	base := a.Settings().BaseURL()
	if t.Host == "" {
		return base
	}

	if svid, err := a.SVID(t); err == nil {
		return base + "/#/object/details/" + svid
	}

	return base
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
