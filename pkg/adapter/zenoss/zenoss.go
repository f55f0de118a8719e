// Package zenoss reads open events through the Zenoss JSON router API.
package zenoss

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Type is the registry name of this backend.
const Type = "Zenoss"

// DefaultPort is used if the monitor URL names none.
const DefaultPort = "8080"

// Capabilities of Zenoss.
var Capabilities = adapter.Capabilities{
	Actions:          []adapter.Action{adapter.ActionMonitor, adapter.ActionAcknowledge},
	DisabledControls: []string{"monitor_cgi_url", "use_autologin"},
}

// severities maps event severities to states.
var severities = map[int]monitor.State{
	0: monitor.StateOk,
	1: monitor.StateUnknown,
	2: monitor.StateUnknown,
	3: monitor.StateWarning,
	4: monitor.StateWarning,
	5: monitor.StateCritical,
}

// timeLayout of firstTime and lastTime.
const timeLayout = "2006-01-02 15:04:05"

var eventKeys = []string{
	"eventState", "severity", "device", "component", "eventClass", "message",
	"firstTime", "lastTime", "count", "DevicePriority", "evid", "eventClassKey",
}

type text struct {
	Text string `json:"text"`
}

type event struct {
	EvID       string `json:"evid"`
	Device     text   `json:"device"`
	Component  text   `json:"component"`
	EventClass text   `json:"eventClass"`
	Severity   int    `json:"severity"`
	EventState string `json:"eventState"`
	Message    string `json:"message"`
	FirstTime  string `json:"firstTime"`
	LastTime   string `json:"lastTime"`
	Count      int    `json:"count"`
}

type routerRequest struct {
	Action string        `json:"action"`
	Method string        `json:"method"`
	Data   []interface{} `json:"data"`
	Type   string        `json:"type"`
	TID    string        `json:"tid"`
}

type routerResponse struct {
	TID    string          `json:"tid"`
	Result json.RawMessage `json:"result"`
}

// Adapter implements adapter.Adapter for Zenoss.
type Adapter struct {
	*adapter.Base

	instance string

	mu sync.Mutex // Protects the fields below.
	// events maps host and event class to the event id of the last refresh.
	events   map[adapter.Target]string
	loggedIn bool
}

// New creates a Zenoss adapter. The monitor URL may omit scheme and port,
// e.g. "zenoss:8080" or just "zenoss".
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	instance, err := instanceURL(settings.BaseURL())
	if err != nil {
		return nil, errors.Wrapf(err, "server %q", settings.Name)
	}

	return &Adapter{Base: base, instance: instance, events: map[adapter.Target]string{}}, nil
}

// instanceURL completes raw with the http scheme and the default port.
func instanceURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URL %q", raw)
	}

	if u.Port() == "" {
		u.Host += ":" + DefaultPort
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// Instance returns the base URL of the Zenoss instance.
func (a *Adapter) Instance() string {
	return a.instance
}

// InitializeTransport implements the adapter.Adapter interface.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	a.mu.Lock()
	loggedIn := a.loggedIn
	a.mu.Unlock()

	if loggedIn && !a.NeedsAuthentication() {
		return nil
	}

	return a.Login(ctx, a.login)
}

// ResetTransport implements the adapter.Adapter interface.
func (a *Adapter) ResetTransport() {
	a.mu.Lock()
	a.loggedIn = false
	a.mu.Unlock()

	a.Base.ResetTransport()
}

func (a *Adapter) login(ctx context.Context) error {
	s := a.Settings()

	r := a.Fetch(ctx, session.Request{
		URL: a.instance + "/zport/acl_users/cookieAuthHelper/login",
		Form: url.Values{
			"__ac_name":     {s.Username},
			"__ac_password": {s.Password},
			"submitted":     {"true"},
			"came_from":     {a.instance + "/zport/dmd"},
		},
	})
	if err := a.CheckAuth(r); err != nil {
		return err
	}

	a.mu.Lock()
	a.loggedIn = true
	a.mu.Unlock()

	return nil
}

// route calls method of the events router. It reports false if Zenoss answered with
// an empty or HTML body, which happens once the session cookie has expired.
func (a *Adapter) route(ctx context.Context, method string, data interface{}, into interface{}) (bool, error) {
	body, err := json.Marshal(routerRequest{
		Action: "EventsRouter",
		Method: method,
		Data:   []interface{}{data},
		Type:   "rpc",
		TID:    uuid.NewString(),
	})
	if err != nil {
		return false, errors.Wrapf(err, "can't encode %s", method)
	}

	r := a.Fetch(ctx, session.Request{
		Method:      http.MethodPost,
		URL:         a.instance + "/zport/dmd/evconsole_router",
		Body:        body,
		ContentType: "application/json; charset=utf-8",
	})
	if err := a.CheckAuth(r); err != nil {
		return false, err
	}

	raw := strings.TrimSpace(r.Body())
	if raw == "" || strings.HasPrefix(raw, "<") {
		return false, nil
	}

	var resp routerResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return false, errors.Wrapf(err, "can't parse response of %s", method)
	}

	if into != nil {
		if err := json.Unmarshal(resp.Result, into); err != nil {
			return false, errors.Wrapf(err, "can't decode result of %s", method)
		}
	}

	return true, nil
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	if err := a.InitializeTransport(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Events []event `json:"events"`
	}

	ok, err := a.route(ctx, "query", map[string]interface{}{
		"start": 0,
		"limit": 500,
		"dir":   "ASC",
		"sort":  "device",
		"uid":   "/zport/dmd",
		"keys":  eventKeys,
		"params": map[string]interface{}{
			"severity":   []int{5, 4, 3},
			"eventState": []int{0, 1},
			"tags":       []string{},
		},
	}, &result)
	if err != nil {
		return nil, errors.Wrap(err, "can't query events")
	}

	if !ok {
		a.Logger().Debug("Session expired, logging in again")

		a.ResetTransport()
		if err := a.InitializeTransport(ctx); err != nil {
			return nil, err
		}

		return monitor.Hosts{}, nil
	}

	hosts := monitor.Hosts{}
	events := map[adapter.Target]string{}

	for _, e := range result.Events {
		state, ok := severities[e.Severity]
		if !ok {
			a.Logger().Debugw("Skipping event", "evid", e.EvID, "error", monitor.BadState{State: e.Severity})
			continue
		}

		name := e.EventClass.Text
		if e.Component.Text != "" {
			name = e.Component.Text + " " + name
		}

		h := hosts.Ensure(e.Device.Text, a.Name())
		if _, ok := h.Services[name]; ok {
			name += " [" + e.EvID + "]"
		}

		count := e.Count
		if count < 1 {
			count = 1
		}

		svc := monitor.NewService(h.Name, name, a.Name())
		svc.ID = e.EvID
		svc.Status = state
		svc.StatusInformation = e.Message
		svc.LastCheck = e.LastTime
		svc.Duration = duration(e.FirstTime, e.LastTime)
		svc.Attempt = monitor.FormatAttempt(count, count)
		svc.Acknowledged = e.EventState == "Acknowledged"

		hosts.AddService(svc)
		events[adapter.Target{Host: h.Name, Service: name}] = e.EvID
	}

	a.mu.Lock()
	a.events = events
	a.mu.Unlock()

	return hosts, nil
}

// duration formats the time between the first and the last occurrence of an event.
func duration(first, last string) string {
	f, err := time.ParseInLocation(timeLayout, first, time.Local)
	if err != nil {
		return "n/a"
	}

	l, err := time.ParseInLocation(timeLayout, last, time.Local)
	if err != nil {
		return "n/a"
	}

	return monitor.HumanDuration(l.Sub(f))
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	var evids []string

	a.mu.Lock()
	for t, id := range a.events {
		if t.Host != req.Host {
			continue
		}

		if req.Service == "" || req.AcknowledgeAllServices || t.Service == req.Service {
			evids = append(evids, id)
		}
	}
	a.mu.Unlock()

	sort.Strings(evids)

	if len(evids) == 0 {
		return errors.Wrapf(adapter.ErrNotFound, "no event to acknowledge on %q", req.Host)
	}

	ok, err := a.route(ctx, "acknowledge", map[string]interface{}{"limit": 100, "evids": evids}, nil)
	if err != nil {
		return errors.Wrap(err, "can't acknowledge events")
	}

	if !ok {
		return a.AuthFailed("Session expired")
	}

	return nil
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	if t.Host == "" {
		return a.instance + "/zport/dmd/Events/evconsole"
	}

	return a.instance + "/zport/dmd/Devices/deviceSearchResults?query=" + url.QueryEscape(t.Host)
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
