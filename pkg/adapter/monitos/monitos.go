// Package monitos reads the paged JSON API of monitos 4.
package monitos

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/snagview"
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
const Type = "monitos4x"

// PageSize is the number of objects requested per page.
const PageSize = 100

// Capabilities of monitos 4.
var Capabilities = adapter.Capabilities{
	Actions: adapter.AllActions,
}

var hostStates = map[int]monitor.State{
	0: monitor.StateUp, 1: monitor.StateDown, 2: monitor.StateUnreachable, 4: monitor.StatePending,
}

var serviceStates = map[int]monitor.State{
	0: monitor.StateOk, 1: monitor.StateWarning, 2: monitor.StateCritical, 3: monitor.StateUnknown,
	4: monitor.StatePending,
}

type status struct {
	CurrentState           *adapter.Number `json:"currentState"`
	LastCheck              adapter.Number  `json:"lastCheck"`
	LastStateChange        adapter.Number  `json:"lastStateChange"`
	Output                 string          `json:"output"`
	ChecksEnabled          *adapter.Number `json:"checksEnabled"`
	NotificationsEnabled   *adapter.Number `json:"notificationsEnabled"`
	IsFlapping             adapter.Number  `json:"isFlapping"`
	Acknowledged           adapter.Number  `json:"acknowleged"`
	ScheduledDowntimeDepth adapter.Number  `json:"scheduledDowntimeDepth"`
	StateType              *adapter.Number `json:"stateType"`
}

type object struct {
	Name          string          `json:"name"`
	UUID          string          `json:"uuid"`
	SyncEnabled   *adapter.Number `json:"syncEnabled"`
	Status        status          `json:"status"`
	Configuration struct {
		MaxCheckAttempts   adapter.Number `json:"maxCheckAttempts"`
		HostName           string         `json:"hostName"`
		ServiceDescription string         `json:"serviceDescription"`
		Host               struct {
			UUID string `json:"uuid"`
		} `json:"host"`
	} `json:"configuration"`
}

// disabled reports whether synchronization of the object is switched off.
func (o object) disabled() bool {
	return o.SyncEnabled != nil && *o.SyncEnabled == 0
}

// apply copies the status fields shared by hosts and services into e.
func (a *Adapter) apply(o object, e *monitor.Entity) {
	st := o.Status
	attempts := o.Configuration.MaxCheckAttempts.Int()

	e.ID = o.UUID
	e.LastCheck = monitor.FormatTime(int64(st.LastCheck))
	e.Duration = monitor.Since(int64(st.LastStateChange), a.Now())
	e.Attempt = monitor.FormatAttempt(attempts, attempts)
	e.StatusInformation = scrape.PlainText(st.Output)
	e.Passiveonly = st.ChecksEnabled != nil && *st.ChecksEnabled == 0
	e.NotificationsDisabled = st.NotificationsEnabled != nil && *st.NotificationsEnabled == 0
	e.Flapping = st.IsFlapping != 0
	e.Acknowledged = st.Acknowledged != 0
	e.ScheduledDowntime = st.ScheduledDowntimeDepth != 0
	e.StatusType = monitor.Hard
	if st.StateType != nil && *st.StateType == 0 {
		e.StatusType = monitor.Soft
	}
}

// Adapter implements adapter.Adapter for monitos 4.
type Adapter struct {
	*adapter.Base

	mu       sync.Mutex // Protects the fields below.
	loggedIn bool
	// uuids maps hosts and services of the last refresh to their object UUIDs.
	uuids map[adapter.Target]string
}

// New creates a monitos 4 adapter.
// With autologin the key is sent as authtoken instead of logging in.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	settings.Authentication = session.AuthNone

	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	return &Adapter{Base: base, uuids: map[adapter.Target]string{}}, nil
}

// InitializeTransport implements the adapter.Adapter interface.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	if a.Settings().UseAutologin {
		return a.Base.InitializeTransport(ctx)
	}

	a.mu.Lock()
	loggedIn := a.loggedIn
	a.mu.Unlock()

	if loggedIn && !a.NeedsAuthentication() {
		return nil
	}

	err := a.Login(ctx, func(ctx context.Context) error {
		return snagview.FormLogin(ctx, a.Base)
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

// apiURL returns the URL of path below /api with q and the autologin token.
func (a *Adapter) apiURL(base, path string, q url.Values) string {
	s := a.Settings()
	if s.UseAutologin {
		if q == nil {
			q = url.Values{}
		}

		q.Set("authtoken", s.AutologinKey)
	}

	u := base + "/api/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	return u
}

// pages fetches every page of the list at path, stopping at the first empty one.
func (a *Adapter) pages(ctx context.Context, path, states string) ([]object, error) {
	var objects []object

	for page := 1; ; page++ {
		rawURL := a.apiURL(a.Settings().CGIURL(), path, url.Values{
			"include":        {"status,configuration"},
			"limit":          {strconv.Itoa(PageSize)},
			"filter[states]": {states},
			"page":           {strconv.Itoa(page)},
		})

		body, err := a.get(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		var list struct {
			Data []object `json:"data"`
		}
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, errors.Wrapf(err, "can't parse page %d of %s", page, path)
		}

		if len(list.Data) == 0 {
			return objects, nil
		}

		objects = append(objects, list.Data...)
	}
}

// get fetches rawURL. A login page as answer resets the session and retries once.
func (a *Adapter) get(ctx context.Context, rawURL string) (string, error) {
	r := a.Fetch(ctx, session.Request{URL: rawURL})
	if err := a.CheckAuth(r); err != nil {
		return "", err
	}

	if !strings.HasPrefix(r.Body(), "<") {
		return r.Body(), nil
	}

	a.ResetTransport()
	if err := a.InitializeTransport(ctx); err != nil {
		return "", err
	}

	r = a.Fetch(ctx, session.Request{URL: rawURL})
	if err := a.CheckAuth(r); err != nil {
		return "", err
	}

	if strings.HasPrefix(r.Body(), "<") {
		return "", a.AuthFailed("Authentication error")
	}

	return r.Body(), nil
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	if err := a.InitializeTransport(ctx); err != nil {
		return nil, err
	}

	hostObjects, err := a.pages(ctx, "host", "0,1,2")
	if err != nil {
		return nil, errors.Wrap(err, "can't fetch hosts")
	}

	serviceObjects, err := a.pages(ctx, "serviceinstance", "1,2,3")
	if err != nil {
		return nil, errors.Wrap(err, "can't fetch services")
	}

	hosts := monitor.Hosts{}
	uuids := map[adapter.Target]string{}

	for _, o := range hostObjects {
		if o.disabled() {
			continue
		}

		if _, ok := hosts[o.Name]; ok {
			continue
		}

		h := monitor.NewHost(o.Name, a.Name())
		if o.Status.CurrentState != nil {
			if state, ok := hostStates[o.Status.CurrentState.Int()]; ok {
				h.Status = state
			} else {
				a.Logger().Debugw("Unknown host state",
					"host", o.Name, "error", monitor.BadState{State: o.Status.CurrentState.Int()})
			}
		}

		a.apply(o, &h.Entity)
		hosts.AddHost(h)
		uuids[adapter.Target{Host: h.Name}] = o.UUID
	}

	for _, o := range serviceObjects {
		if o.disabled() {
			continue
		}

		hostName := o.Configuration.HostName
		name := o.Configuration.ServiceDescription

		if _, ok := hosts[hostName]; !ok {
			h := monitor.NewHost(hostName, a.Name())
			h.ID = o.Configuration.Host.UUID
			hosts.AddHost(h)
			uuids[adapter.Target{Host: hostName}] = h.ID
		}

		if _, ok := hosts[hostName].Services[name]; ok {
			continue
		}

		s := monitor.NewService(hostName, name, a.Name())
		if o.Status.CurrentState != nil {
			if state, ok := serviceStates[o.Status.CurrentState.Int()]; ok {
				s.Status = state
			} else {
				a.Logger().Debugw("Unknown service state",
					"host", hostName, "service", name, "error", monitor.BadState{State: o.Status.CurrentState.Int()})
			}
		}

		a.apply(o, &s.Entity)
		hosts.AddService(s)
		uuids[adapter.Target{Host: hostName, Service: name}] = o.UUID
	}

	a.mu.Lock()
	a.uuids = uuids
	a.mu.Unlock()

	return hosts, nil
}

// object returns the API collection and UUID of t as of the last refresh.
func (a *Adapter) object(t adapter.Target) (string, string, error) {
	a.mu.Lock()
	uuid, ok := a.uuids[t]
	a.mu.Unlock()

	if !ok {
		return "", "", errors.Wrapf(adapter.ErrNotFound, "no UUID of %s %s", t.Host, t.Service)
	}

	if t.IsService() {
		return "serviceinstance", uuid, nil
	}

	return "host", uuid, nil
}

// post sends body as JSON to path below /api.
func (a *Adapter) post(ctx context.Context, path string, body interface{}) error {
	req := session.Request{
		Method:      http.MethodPost,
		URL:         a.apiURL(a.Settings().BaseURL(), path, nil),
		ContentType: "application/json",
	}

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "can't encode request to %s", path)
		}

		req.Body = b
	}

	return errors.Wrapf(a.CheckAuth(a.Fetch(ctx, req)), "can't post %s", path)
}

func flag(b bool) int {
	if b {
		return 1
	}

	return 0
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	kind, uuid, err := a.object(t)
	if err != nil {
		return err
	}

	return a.post(ctx, kind+"/"+uuid+"/reschedule", nil)
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	kind, uuid, err := a.object(req.Target())
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"comment":    req.Comment,
		"notify":     flag(req.Notify),
		"persistent": flag(req.Persistent),
		"sticky":     flag(req.Sticky),
	}
	if !req.Target().IsService() {
		body["includeServices"] = flag(req.AcknowledgeAllServices)
	}

	return a.post(ctx, kind+"/"+uuid+"/acknowledge", body)
}

// SetSubmitCheckResult implements the adapter.Adapter interface.
// Host results are limited to UP, DOWN and UNREACHABLE.
func (a *Adapter) SetSubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	kind, uuid, err := a.object(req.Target())
	if err != nil {
		return err
	}

	var code int
	if req.Target().IsService() {
		code = snagview.ServiceStateCode(req.State)
	} else {
		switch req.State {
		case monitor.StateDown, monitor.StateCritical, monitor.StateWarning:
			code = 1
		case monitor.StateUnreachable:
			code = 2
		}
	}

	body := map[string]interface{}{
		"exit_status":   code,
		"plugin_output": req.CheckOutput,
	}
	if req.PerformanceData != "" {
		body["performance_data"] = req.PerformanceData
	}

	return a.post(ctx, kind+"/"+uuid+"/checkresult", body)
}

// SetDowntime implements the adapter.Adapter interface.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	_, uuid, err := a.object(req.Target())
	if err != nil {
		return err
	}

	start, end, err := req.Window(a.Now())
	if err != nil {
		return err
	}

	kind := "sv_host"
	if req.Service != "" {
		kind = "sv_service_status"
	}

	body := map[string]interface{}{
		"start":           strconv.FormatInt(start.Unix(), 10),
		"end":             strconv.FormatInt(end.Unix(), 10),
		"comment":         req.Comment,
		"is_recurring":    "FALSE",
		"includeServices": "TRUE",
		"includeChildren": "FALSE",
		"schedule_now":    "FALSE",
		"id":              uuid,
		"type":            kind,
	}
	if !req.Fixed {
		body["duration"] = int64(req.Duration().Seconds())
	}

	return a.post(ctx, "downtime", body)
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

	if _, uuid, err := a.object(t); err == nil {
		return base + "/#/object/details/" + uuid
	}

	return base
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
