// Package op5 reads hosts and services through the list view filter API of op5 Monitor.
package op5

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Type is the registry name of this backend.
const Type = "op5Monitor"

// Filters used if none are configured.
const (
	DefaultHostFilter    = "state !=0"
	DefaultServiceFilter = "state !=0 or host.state != 0"
)

// Capabilities of op5 Monitor.
var Capabilities = adapter.Capabilities{
	Actions: []adapter.Action{
		adapter.ActionMonitor, adapter.ActionRecheck, adapter.ActionAcknowledge, adapter.ActionDowntime,
	},
}

var hostColumns = []string{
	"acknowledged", "active_checks_enabled", "alias", "current_attempt", "is_flapping", "last_check",
	"last_state_change", "max_check_attempts", "name", "notifications_enabled", "plugin_output",
	"scheduled_downtime_depth", "state", "state_type", "groups",
}

var serviceColumns = []string{
	"acknowledged", "active_checks_enabled", "current_attempt", "description", "host.name", "host.state",
	"host.active_checks_enabled", "host.scheduled_downtime_depth", "is_flapping", "last_check",
	"last_state_change", "max_check_attempts", "notifications_enabled", "plugin_output",
	"scheduled_downtime_depth", "state", "state_type", "host.groups",
}

var hostStates = map[int]monitor.State{0: monitor.StateUp, 1: monitor.StateDown, 2: monitor.StateUnreachable}

var serviceStates = map[int]monitor.State{
	0: monitor.StateOk, 1: monitor.StateWarning, 2: monitor.StateCritical, 3: monitor.StateUnknown,
}

// object holds the columns hosts and services have in common.
type object struct {
	Acknowledged           int    `json:"acknowledged"`
	ActiveChecksEnabled    int    `json:"active_checks_enabled"`
	CurrentAttempt         int    `json:"current_attempt"`
	IsFlapping             int    `json:"is_flapping"`
	LastCheck              int64  `json:"last_check"`
	LastStateChange        int64  `json:"last_state_change"`
	MaxCheckAttempts       int    `json:"max_check_attempts"`
	NotificationsEnabled   int    `json:"notifications_enabled"`
	PluginOutput           string `json:"plugin_output"`
	ScheduledDowntimeDepth int    `json:"scheduled_downtime_depth"`
	State                  int    `json:"state"`
	StateType              *int   `json:"state_type"`
}

func (a *Adapter) apply(o object, e *monitor.Entity) {
	e.Acknowledged = o.Acknowledged != 0
	e.Passiveonly = o.ActiveChecksEnabled == 0
	e.Flapping = o.IsFlapping != 0
	e.NotificationsDisabled = o.NotificationsEnabled == 0
	e.ScheduledDowntime = o.ScheduledDowntimeDepth > 0
	e.LastCheck = monitor.FormatTime(o.LastCheck)
	e.Duration = monitor.Since(o.LastStateChange, a.Now())
	e.Attempt = monitor.FormatAttempt(o.CurrentAttempt, o.MaxCheckAttempts)
	e.StatusInformation = strings.TrimSpace(strings.ReplaceAll(o.PluginOutput, "\n", " "))

	switch {
	case o.StateType != nil && *o.StateType == 0:
		e.StatusType = monitor.Soft
	case o.StateType != nil:
		e.StatusType = monitor.Hard
	case monitor.IsSoftAttempt(e.Attempt):
		e.StatusType = monitor.Soft
	default:
		e.StatusType = monitor.Hard
	}
}

type host struct {
	object
	Name string `json:"name"`
}

type service struct {
	object
	Description string `json:"description"`
	Host        struct {
		Name                   string `json:"name"`
		State                  int    `json:"state"`
		ActiveChecksEnabled    int    `json:"active_checks_enabled"`
		ScheduledDowntimeDepth int    `json:"scheduled_downtime_depth"`
	} `json:"host"`
}

// Adapter implements adapter.Adapter for op5 Monitor.
type Adapter struct {
	*adapter.Base
}

// New creates an op5 Monitor adapter.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	return &Adapter{Base: base}, nil
}

// checkAuth treats 500 like 401, as op5 answers wrong credentials with it.
func (a *Adapter) checkAuth(r monitor.Result) error {
	if r.StatusCode == http.StatusInternalServerError {
		return a.AuthFailed("%s", r.Error)
	}

	return a.CheckAuth(r)
}

// query counts the objects matching the list view query and then fetches all of them.
func (a *Adapter) query(ctx context.Context, table, filter string, columns []string, into interface{}) error {
	q := url.Values{
		"query":   {"[" + table + "] " + filter},
		"columns": {strings.Join(columns, ",")},
		"format":  {"json"},
	}

	var count struct {
		Count int `json:"count"`
	}

	r := a.Fetch(ctx, session.Request{
		URL:      a.Settings().BaseURL() + "/api/filter/count/?" + q.Encode(),
		Giveback: session.JSON,
		Into:     &count,
	})
	if err := a.checkAuth(r); err != nil {
		return errors.Wrapf(err, "can't count %s", table)
	}

	if count.Count == 0 {
		return json.Unmarshal([]byte("[]"), into)
	}

	q.Set("limit", strconv.Itoa(count.Count))

	r = a.Fetch(ctx, session.Request{
		URL:      a.Settings().BaseURL() + "/api/filter/query/?" + q.Encode(),
		Giveback: session.JSON,
		Into:     into,
	})

	return errors.Wrapf(a.checkAuth(r), "can't query %s", table)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}

	return s
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	s := a.Settings()

	var hosts []host
	if err := a.query(ctx, "hosts", orDefault(s.HostFilter, DefaultHostFilter), hostColumns, &hosts); err != nil {
		return nil, err
	}

	var services []service
	if err := a.query(ctx, "services", orDefault(s.ServiceFilter, DefaultServiceFilter), serviceColumns, &services); err != nil {
		return nil, err
	}

	result := monitor.Hosts{}

	for _, h := range hosts {
		state, ok := hostStates[h.State]
		if !ok {
			a.Logger().Debugw("Skipping host", "host", h.Name, "error", monitor.BadState{State: h.State})
			continue
		}

		if _, ok := result[h.Name]; ok {
			continue
		}

		mh := monitor.NewHost(h.Name, a.Name())
		mh.Status = state
		a.apply(h.object, &mh.Entity)
		result.AddHost(mh)
	}

	for _, svc := range services {
		state, ok := serviceStates[svc.State]
		if !ok {
			a.Logger().Debugw("Skipping service",
				"host", svc.Host.Name, "service", svc.Description, "error", monitor.BadState{State: svc.State})
			continue
		}

		if _, ok := result[svc.Host.Name]; !ok {
			mh := monitor.NewHost(svc.Host.Name, a.Name())
			if hs, ok := hostStates[svc.Host.State]; ok {
				mh.Status = hs
			}
			mh.Passiveonly = svc.Host.ActiveChecksEnabled == 0
			result.AddHost(mh)
		}

		if _, ok := result[svc.Host.Name].Services[svc.Description]; ok {
			continue
		}

		ms := monitor.NewService(svc.Host.Name, svc.Description, a.Name())
		ms.Status = state
		a.apply(svc.object, &ms.Entity)
		ms.ScheduledDowntime = ms.ScheduledDowntime || svc.Host.ScheduledDowntimeDepth > 0
		result.AddService(ms)
	}

	return result, nil
}

// command posts one external command to the command API.
func (a *Adapter) command(ctx context.Context, name string, params url.Values) error {
	r := a.Fetch(ctx, session.Request{
		Method: http.MethodPost,
		URL:    a.Settings().BaseURL() + "/api/command/" + name,
		Form:   params,
	})

	return errors.Wrapf(a.checkAuth(r), "can't send %s", name)
}

func boolParam(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	params := url.Values{
		"host_name":  {t.Host},
		"check_time": {strconv.FormatInt(a.Now().Unix(), 10)},
	}

	if !t.IsService() {
		return a.command(ctx, "SCHEDULE_HOST_CHECK", params)
	}

	params.Set("service_description", t.Service)

	return a.command(ctx, "SCHEDULE_SVC_CHECK", params)
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	for _, t := range req.Targets() {
		params := url.Values{
			"host_name":  {t.Host},
			"sticky":     {boolParam(req.Sticky)},
			"notify":     {boolParam(req.Notify)},
			"persistent": {boolParam(req.Persistent)},
			"comment":    {req.Comment},
		}

		cmd := "ACKNOWLEDGE_HOST_PROBLEM"
		if t.IsService() {
			params.Set("service_description", t.Service)
			cmd = "ACKNOWLEDGE_SVC_PROBLEM"
		}

		if err := a.command(ctx, cmd, params); err != nil {
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

	params := url.Values{
		"host_name":  {req.Host},
		"comment":    {req.Comment},
		"fixed":      {boolParam(req.Fixed)},
		"trigger_id": {"0"},
		"start_time": {strconv.FormatInt(start.Unix(), 10)},
		"end_time":   {strconv.FormatInt(end.Unix(), 10)},
		"duration":   {strconv.FormatInt(int64(end.Sub(start).Seconds()), 10)},
	}

	cmd := "SCHEDULE_HOST_DOWNTIME"
	if req.Service != "" {
		params.Set("service_description", req.Service)
		cmd = "SCHEDULE_SVC_DOWNTIME"
	}

	return a.command(ctx, cmd, params)
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	base := a.Settings().BaseURL() + "/monitor"
	if t.Host == "" {
		return base
	}

	q := url.Values{"host": {t.Host}}
	if t.IsService() {
		q.Set("service", t.Service)
	}

	return base + "/index.php/extinfo/details?" + q.Encode()
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
