// Package opsview reads the status REST API of Opsview.
package opsview

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
	"sync"
	"time"
)

// Type is the registry name of this backend.
const Type = "Opsview"

// Session token headers.
const (
	UsernameHeader = "X-Opsview-Username"
	TokenHeader    = "X-Opsview-Token"
)

// Capabilities of Opsview.
var Capabilities = adapter.Capabilities{
	Actions: adapter.AllActions,
}

// timeLayout of downtime windows.
const timeLayout = "2006-01-02 15:04:05"

type object struct {
	Name                string          `json:"name"`
	State               string          `json:"state"`
	StateType           string          `json:"state_type"`
	LastCheck           adapter.Number  `json:"last_check"`
	StateDuration       adapter.Number  `json:"state_duration"`
	CurrentCheckAttempt adapter.Number  `json:"current_check_attempt"`
	MaxCheckAttempts    adapter.Number  `json:"max_check_attempts"`
	Output              string          `json:"output"`
	Downtime            adapter.Number  `json:"downtime"`
	Acknowledged        json.RawMessage `json:"acknowledged"`
	Flapping            json.RawMessage `json:"flapping"`
}

// apply copies the fields shared by hosts and services into e.
// Acknowledgement and flapping are flagged by the mere presence of their keys.
func (o object) apply(e *monitor.Entity) error {
	state, err := monitor.ParseState(o.State)
	if err != nil {
		return err
	}

	e.Status = state
	e.StatusType = monitor.Hard
	if strings.EqualFold(o.StateType, "soft") {
		e.StatusType = monitor.Soft
	}

	e.LastCheck = monitor.FormatTime(int64(o.LastCheck))
	e.Duration = monitor.HumanDuration(time.Duration(o.StateDuration) * time.Second)
	e.Attempt = monitor.FormatAttempt(o.CurrentCheckAttempt.Int(), o.MaxCheckAttempts.Int())
	e.StatusInformation = strings.TrimSpace(strings.ReplaceAll(o.Output, "\n", " "))
	e.ScheduledDowntime = o.Downtime != 0
	e.Acknowledged = len(o.Acknowledged) > 0
	e.Flapping = len(o.Flapping) > 0

	return nil
}

type service struct {
	object
	ServiceObjectID adapter.Number `json:"service_object_id"`
}

type host struct {
	object
	Services []service `json:"services"`
}

// Adapter implements adapter.Adapter for Opsview.
type Adapter struct {
	*adapter.Base

	mu    sync.Mutex // Protects the fields below.
	token string
}

// New creates an Opsview adapter. It authenticates with a REST token only.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	settings.Authentication = session.AuthNone

	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	base.Session().SetHeader("Accept", "application/json")

	return &Adapter{Base: base}, nil
}

// InitializeTransport logs in for a token unless there is a valid one.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	if token != "" && !a.NeedsAuthentication() {
		return nil
	}

	return a.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	s := a.Settings()

	body, err := json.Marshal(map[string]string{"username": s.Username, "password": s.Password})
	if err != nil {
		return errors.Wrap(err, "can't encode login")
	}

	var resp struct {
		Token string `json:"token"`
	}

	r := a.Fetch(ctx, session.Request{
		Method:      http.MethodPost,
		URL:         s.BaseURL() + "/rest/login",
		Body:        body,
		ContentType: "application/json",
		Giveback:    session.JSON,
		Into:        &resp,
	})
	if err := a.CheckAuth(r); err != nil {
		return errors.Wrap(err, "can't log in")
	}

	if resp.Token == "" {
		return a.AuthFailed("no token in login response")
	}

	a.Session().SetHeader(UsernameHeader, s.Username)
	a.Session().SetHeader(TokenHeader, resp.Token)

	a.mu.Lock()
	a.token = resp.Token
	a.mu.Unlock()

	return nil
}

// ResetTransport implements the adapter.Adapter interface.
func (a *Adapter) ResetTransport() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()

	a.Session().DelHeader(TokenHeader)
	a.Base.ResetTransport()
}

// Hashtags splits a hashtag filter such as "#web, #db" into keywords.
func Hashtags(filter string) []string {
	var keywords []string
	for _, tag := range strings.Split(filter, ",") {
		tag = strings.Map(func(r rune) rune {
			if r == '#' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				return -1
			}

			return r
		}, tag)

		if tag != "" {
			keywords = append(keywords, tag)
		}
	}

	return keywords
}

// statusQuery returns the query of all non-OK services, narrowed by the configured filters.
func (a *Adapter) statusQuery() url.Values {
	s := a.Settings()

	q := url.Values{"state": {"1", "2", "3"}}
	if s.CanChangeOnly {
		q.Set("can_change", "true")
	}

	if keywords := Hashtags(s.HashtagFilter); len(keywords) > 0 {
		q["keyword"] = keywords
	}

	return q
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	if err := a.InitializeTransport(ctx); err != nil {
		return nil, err
	}

	var status struct {
		List []host `json:"list"`
	}

	r := a.Fetch(ctx, session.Request{
		URL:      a.Settings().BaseURL() + "/rest/status/service?" + a.statusQuery().Encode(),
		Giveback: session.JSON,
		Into:     &status,
	})
	if err := a.CheckAuth(r); err != nil {
		return nil, errors.Wrap(err, "can't fetch status")
	}

	hosts := monitor.Hosts{}

	for _, h := range status.List {
		mh := monitor.NewHost(h.Name, a.Name())
		if err := h.apply(&mh.Entity); err != nil {
			a.Logger().Debugw("Skipping host", "host", h.Name, "error", err)
			continue
		}

		hosts.AddHost(mh)

		for _, svc := range h.Services {
			ms := monitor.NewService(h.Name, svc.Name, a.Name())
			if err := svc.apply(&ms.Entity); err != nil {
				a.Logger().Debugw("Skipping service", "host", h.Name, "service", svc.Name, "error", err)
				continue
			}

			if svc.ServiceObjectID != 0 {
				ms.ID = svc.ServiceObjectID.String()
			}

			hosts.AddService(ms)
		}
	}

	return hosts, nil
}

// post sends an action with its parameters in the query string.
func (a *Adapter) post(ctx context.Context, path string, q url.Values) error {
	if err := a.InitializeTransport(ctx); err != nil {
		return err
	}

	r := a.Fetch(ctx, session.Request{
		Method:      http.MethodPost,
		URL:         a.Settings().BaseURL() + path + "?" + q.Encode(),
		Body:        []byte("{}"),
		ContentType: "application/json",
	})

	return errors.Wrapf(a.CheckAuth(r), "can't post %s", path)
}

func flag(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

// objectParams addresses t with the hst. or svc. prefixed parameters.
func objectParams(q url.Values, t adapter.Target) url.Values {
	if t.IsService() {
		q.Set("svc.hostname", t.Host)
		q.Set("svc.servicename", t.Service)
	} else {
		q.Set("hst.hostname", t.Host)
	}

	return q
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	q := url.Values{"host": {t.Host}}
	if t.IsService() {
		q.Set("servicecheck", t.Service)
	}

	return a.post(ctx, "/rest/recheck", q)
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	q := url.Values{
		"notify":  {flag(req.Notify)},
		"sticky":  {flag(req.Sticky)},
		"comment": {req.Comment},
		"host":    {req.Host},
	}
	if req.Service != "" {
		q.Set("servicecheck", req.Service)
	}

	return a.post(ctx, "/rest/acknowledge", q)
}

// SetDowntime implements the adapter.Adapter interface.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	start, end, err := req.Window(a.Now())
	if err != nil {
		return err
	}

	return a.post(ctx, "/rest/downtime", objectParams(url.Values{
		"comment":   {req.Comment},
		"starttime": {start.Format(timeLayout)},
		"endtime":   {end.Format(timeLayout)},
	}, req.Target()))
}

// SetSubmitCheckResult implements the adapter.Adapter interface.
func (a *Adapter) SetSubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	return a.post(ctx, "/rest/status", objectParams(url.Values{
		"comment":   {req.Comment},
		"new_state": {strconv.Itoa(adapter.NagiosStateCode(req.State))},
	}, req.Target()))
}

// GetStartEnd returns now and now plus 24 hours.
func (a *Adapter) GetStartEnd(context.Context, string) (string, string) {
	now := a.Now()

	return now.Format(adapter.TimeLayout), now.Add(24 * time.Hour).Format(adapter.TimeLayout)
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	base := a.Settings().BaseURL() + "/monitoring/"
	if t.Host == "" {
		return base
	}

	q := url.Values{"autoSelectHost": {t.Host}}
	if t.IsService() {
		q.Set("autoSelectService", t.Service)
	}

	return base + "#!?" + strings.ReplaceAll(q.Encode(), "+", "%20")
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
