// Package icingadbweb reads the JSON views of the Icinga DB module of Icinga Web 2
// and controls Icinga through its CSRF protected action forms.
package icingadbweb

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/scrape"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Type is the registry name of this backend.
const Type = "IcingaDBWeb"

// SessionCookie is set by Icinga Web 2 once the login page was requested.
const SessionCookie = "Icingaweb2"

// FormTimeLayout is the format of the start and end fields of the downtime form.
const FormTimeLayout = "2006-01-02T15:04:05"

var hostStates = map[int]monitor.State{0: monitor.StateUp, 1: monitor.StateDown, 2: monitor.StateUnreachable}

var serviceStates = map[int]monitor.State{
	0: monitor.StateOk, 1: monitor.StateWarning, 2: monitor.StateCritical, 3: monitor.StateUnknown,
}

// Capabilities of Icinga DB Web.
var Capabilities = adapter.Capabilities{
	Actions: adapter.AllActions,
}

// timestamp is a point in time sent either as unix seconds or in ISO 8601 format.
type timestamp int64

// UnmarshalJSON implements the json.Unmarshaler interface.
func (ts *timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*ts = 0
		return nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*ts = timestamp(f)
		return nil
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*ts = timestamp(t.Unix())
			return nil
		}
	}

	return errors.Errorf("bad timestamp %s", data)
}

// acknowledgement is null, 0, 1, "sticky" or a boolean.
type acknowledgement bool

// UnmarshalJSON implements the json.Unmarshaler interface.
func (a *acknowledgement) UnmarshalJSON(data []byte) error {
	switch s := strings.Trim(strings.TrimSpace(string(data)), `"`); s {
	case "", "null", "0", "false", "n":
		*a = false
	default:
		*a = true
	}

	return nil
}

type state struct {
	HardState       adapter.Number  `json:"hard_state"`
	SoftState       adapter.Number  `json:"soft_state"`
	LastUpdate      timestamp       `json:"last_update"`
	LastStateChange timestamp       `json:"last_state_change"`
	CheckAttempt    adapter.Number  `json:"check_attempt"`
	Output          string          `json:"output"`
	IsFlapping      adapter.Number  `json:"is_flapping"`
	IsAcknowledged  acknowledgement `json:"is_acknowledged"`
	InDowntime      adapter.Number  `json:"in_downtime"`
	IsReachable     *adapter.Number `json:"is_reachable"`
}

// object holds the columns hosts and services have in common.
type object struct {
	Name                 string         `json:"name"`
	DisplayName          string         `json:"display_name"`
	MaxCheckAttempts     adapter.Number `json:"max_check_attempts"`
	ActiveChecksEnabled  adapter.Number `json:"active_checks_enabled"`
	NotificationsEnabled adapter.Number `json:"notifications_enabled"`
	State                state          `json:"state"`
}

// displayName falls back to the object name.
func (o object) displayName() string {
	if o.DisplayName != "" {
		return o.DisplayName
	}

	return o.Name
}

// code returns the state of the queried state type.
func (o object) code(hard bool) int {
	if hard {
		return o.State.HardState.Int()
	}

	return o.State.SoftState.Int()
}

func (o object) apply(e *monitor.Entity, hard bool, now time.Time) {
	// Icinga stops counting attempts once the state is hard.
	if hard {
		e.StatusType = monitor.Hard
		e.Attempt = monitor.FormatAttempt(o.MaxCheckAttempts.Int(), o.MaxCheckAttempts.Int())
	} else {
		e.StatusType = monitor.Soft
		e.Attempt = monitor.FormatAttempt(o.State.CheckAttempt.Int(), o.MaxCheckAttempts.Int())
	}

	e.LastCheck = monitor.FormatTime(int64(o.State.LastUpdate))
	e.Duration = monitor.Since(int64(o.State.LastStateChange), now)
	e.StatusInformation = scrape.PlainText(strings.ReplaceAll(o.State.Output, "\n", " "))
	e.Passiveonly = o.ActiveChecksEnabled.Int() == 0
	e.NotificationsDisabled = o.NotificationsEnabled.Int() == 0
	e.Flapping = o.State.IsFlapping.Int() != 0
	e.Acknowledged = bool(o.State.IsAcknowledged)
	e.ScheduledDowntime = o.State.InDowntime.Int() != 0
}

type host struct {
	object
}

type service struct {
	object
	Host struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	} `json:"host"`
}

// unreachable reports whether Icinga flagged the service's host as unreachable.
func (s service) unreachable() bool {
	return s.State.IsReachable != nil && s.State.IsReachable.Int() == 0
}

// Adapter implements adapter.Adapter for Icinga DB Web.
type Adapter struct {
	*adapter.Base

	cgi string
}

// New creates an Icinga DB Web adapter. The CGI URL points to the Icinga Web 2 root, e.g. https://icinga/icingaweb2.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	cgi := settings.CGIURL()
	base.Session().SetHeader("Referer", cgi)

	return &Adapter{Base: base, cgi: cgi}, nil
}

// InitializeTransport logs in through the Icinga Web 2 login form unless cookie authentication is disabled
// or the session cookie is still present.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	if a.Settings().NoCookieAuth {
		return a.Base.InitializeTransport(ctx)
	}

	if !a.NeedsAuthentication() && a.Session().Cookie(a.Settings().BaseURL(), SessionCookie) != "" {
		return nil
	}

	return a.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	loginURL := a.Settings().BaseURL() + "/authentication/login"

	r := a.Fetch(ctx, session.Request{URL: loginURL, Giveback: session.HTML})
	if err := a.CheckAuth(r); err != nil {
		return errors.Wrap(err, "can't fetch login page")
	}

	doc, ok := r.Result.(*html.Node)
	if !ok {
		return errors.New("login page is not HTML")
	}

	form := url.Values{}
	for _, name := range []string{"redirect", "formUID", "CSRFToken", "btn_submit"} {
		form.Set(name, scrape.InputValue(doc, name))
	}
	form.Set("username", a.Settings().Username)
	form.Set("password", a.Settings().Password)

	r = a.Fetch(ctx, session.Request{URL: loginURL, Form: form, Giveback: session.HTML})
	if err := a.CheckAuth(r); err != nil {
		return err
	}

	if doc, ok := r.Result.(*html.Node); ok && scrape.Find(doc, scrape.Element(atom.Input, "name", "password")) != nil {
		return a.AuthFailed("Login failed")
	}

	return nil
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	now := a.Now()
	result := monitor.Hosts{}

	for _, hard := range []bool{true, false} {
		var hosts []host
		if err := a.fetch(ctx, a.statusURL("hosts", "host", hard, "host.state.last_update"), &hosts); err != nil {
			return nil, errors.Wrap(err, "can't fetch hosts")
		}

		for _, h := range hosts {
			name := h.displayName()
			if _, ok := result[name]; ok {
				continue
			}

			status, ok := hostStates[h.code(hard)]
			if !ok {
				a.Logger().Debugw("Skipping host with unknown state", "host", h.Name, "state", h.code(hard))
				continue
			}

			mh := monitor.NewHost(name, a.Name())
			mh.RealName = h.Name
			mh.Status = status
			h.apply(&mh.Entity, hard, now)
			result.AddHost(mh)
		}
	}

	for _, hard := range []bool{true, false} {
		var services []service
		err := a.fetch(
			ctx, a.statusURL("services", "service", hard, "service.state.last_update,service.state.is_reachable"), &services,
		)
		if err != nil {
			return nil, errors.Wrap(err, "can't fetch services")
		}

		for _, s := range services {
			status, ok := serviceStates[s.code(hard)]
			if !ok {
				a.Logger().Debugw("Skipping service with unknown state",
					"host", s.Host.Name, "service", s.Name, "state", s.code(hard))
				continue
			}

			hostName := s.Host.DisplayName
			if hostName == "" {
				hostName = s.Host.Name
			}

			mh := result.Ensure(hostName, a.Name())
			mh.RealName = s.Host.Name

			name := s.displayName()
			if _, ok := mh.Services[name]; ok {
				continue
			}

			ms := monitor.NewService(hostName, name, a.Name())
			ms.RealName = s.Name
			ms.Status = status
			s.apply(&ms.Entity, hard, now)
			if s.unreachable() {
				ms.StatusInformation += " (SERVICE UNREACHABLE)"
			}
			result.AddService(ms)
		}
	}

	return result, nil
}

// statusURL returns the JSON list of problems of the given kind and state type.
func (a *Adapter) statusURL(list, kind string, hard bool, columns string) string {
	stateType := "soft"
	if hard {
		stateType = "hard"
	}

	return a.cgi + "/icingadb/" + list + "?" + url.Values{
		kind + ".state.is_problem": {"y"},
		kind + ".state.state_type": {stateType},
		"columns":                  {columns},
		"format":                   {"json"},
	}.Encode()
}

// fetch decodes a JSON list into v. An HTML answer means the session expired,
// so the session is renewed and the request repeated once.
func (a *Adapter) fetch(ctx context.Context, rawURL string, v interface{}) error {
	for attempt := 0; ; attempt++ {
		r := a.Fetch(ctx, session.Request{URL: rawURL})
		if err := a.CheckAuth(r); err != nil {
			return err
		}

		body := strings.TrimSpace(r.Body())
		if !strings.HasPrefix(body, "<") {
			return errors.Wrap(json.Unmarshal([]byte(body), v), "can't parse JSON")
		}

		if attempt > 0 {
			return a.AuthFailed("Authentication error")
		}

		a.Logger().Debugw("Got HTML instead of JSON, logging in again", "url", rawURL)
		a.ResetTransport()
		if err := a.InitializeTransport(ctx); err != nil {
			return err
		}
	}
}

// objectQuery returns the query string addressing t.
func objectQuery(t adapter.Target) string {
	if t.IsService() {
		return url.Values{"name": {t.Service}, "host.name": {t.Host}}.Encode()
	}

	return url.Values{"name": {t.Host}}.Encode()
}

// objectURL returns the URL of the detail page or the given command page of t.
func (a *Adapter) objectURL(t adapter.Target, command string) string {
	kind := "host"
	if t.IsService() {
		kind = "service"
	}

	if command != "" {
		kind += "/" + command
	}

	return a.cgi + "/icingadb/" + kind + "?" + objectQuery(t)
}

// formTokens scrapes the CSRF token and submit button of the form posting to command.
func (a *Adapter) formTokens(ctx context.Context, pageURL, command string) (adapter.Form, error) {
	r := a.Fetch(ctx, session.Request{URL: pageURL, Giveback: session.HTML})
	if err := a.CheckAuth(r); err != nil {
		return nil, errors.Wrapf(err, "can't fetch %s form", command)
	}

	doc, ok := r.Result.(*html.Node)
	if !ok {
		return nil, errors.Errorf("%s form is not HTML", command)
	}

	form := scrape.Find(doc, func(n *html.Node) bool {
		return scrape.Element(atom.Form)(n) && strings.Contains(scrape.Attr(n, "action"), command)
	})
	if form == nil {
		return nil, errors.Errorf("%s form not found", command)
	}

	submit := scrape.Find(form, func(n *html.Node) bool {
		return scrape.Element(atom.Input, "name", "btn_submit")(n) || scrape.Element(atom.Button, "name", "btn_submit")(n)
	})
	if submit == nil {
		return nil, errors.Errorf("%s form has no submit button", command)
	}

	return adapter.Form{}.
		Add("CSRFToken", scrape.InputValue(form, "CSRFToken")).
		Add("btn_submit", scrape.Attr(submit, "value")), nil
}

// submit posts form to rawURL.
func (a *Adapter) submit(ctx context.Context, rawURL string, form adapter.Form) error {
	req := form.Post(rawURL)
	req.Header = http.Header{"X-Requested-With": {"XMLHttpRequest"}}

	return a.CheckAuth(a.Fetch(ctx, req))
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	form, err := a.formTokens(ctx, a.objectURL(t, ""), "check-now")
	if err != nil {
		return err
	}

	return errors.Wrap(a.submit(ctx, a.objectURL(t, "check-now"), form), "can't recheck")
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	for _, t := range req.Targets() {
		pageURL := a.objectURL(t, "acknowledge") + "&showCompact=1"

		form, err := a.formTokens(ctx, pageURL, "acknowledge")
		if err != nil {
			return err
		}

		form = form.
			Add("comment", req.Comment).
			Add("persistent", yesNo(req.Persistent)).
			Add("sticky", yesNo(req.Sticky)).
			Add("notify", yesNo(req.Notify))
		if req.ExpireTime > 0 {
			form = form.
				Add("expire", "y").
				Add("expire_time", time.Unix(req.ExpireTime, 0).Format(FormTimeLayout))
		} else {
			form = form.Add("expire", "n")
		}

		if err := a.submit(ctx, pageURL, form); err != nil {
			return errors.Wrap(err, "can't acknowledge")
		}
	}

	return nil
}

// SetSubmitCheckResult implements the adapter.Adapter interface.
func (a *Adapter) SetSubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	pageURL := a.objectURL(req.Target(), "process-checkresult")

	form, err := a.formTokens(ctx, pageURL, "process-checkresult")
	if err != nil {
		return err
	}

	form = form.
		Add("status", strconv.Itoa(adapter.NagiosStateCode(req.State))).
		Add("output", req.CheckOutput).
		Add("perfdata", req.PerformanceData)

	return errors.Wrap(a.submit(ctx, pageURL, form), "can't submit check result")
}

// SetDowntime implements the adapter.Adapter interface.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	start, end, err := req.Window(a.Now())
	if err != nil {
		return err
	}

	pageURL := a.objectURL(req.Target(), "schedule-downtime")

	form, err := a.formTokens(ctx, pageURL, "schedule-downtime")
	if err != nil {
		return err
	}

	form = form.Add("comment", req.Comment)
	if req.Fixed {
		form = form.Add("flexible", "n")
	} else {
		form = form.
			Add("flexible", "y").
			Add("hours", strconv.Itoa(req.Hours)).
			Add("minutes", strconv.Itoa(req.Minutes))
	}

	form = form.
		Add("start", start.Format(FormTimeLayout)).
		Add("end", end.Format(FormTimeLayout))

	return errors.Wrap(a.submit(ctx, pageURL, form), "can't schedule downtime")
}

// GetStartEnd returns the window Icinga Web 2 proposes in its host downtime form.
func (a *Adapter) GetStartEnd(ctx context.Context, host string) (string, string) {
	r := a.Fetch(ctx, session.Request{
		URL:      a.objectURL(adapter.Target{Host: host}, "schedule-downtime"),
		Giveback: session.HTML,
	})

	doc, ok := r.Result.(*html.Node)
	if r.Failed() || !ok {
		return "n/a", "n/a"
	}

	start, end := scrape.InputValue(doc, "start"), scrape.InputValue(doc, "end")
	if start == "" || end == "" {
		return "n/a", "n/a"
	}

	return start, end
}

// GetHost implements the adapter.Adapter interface.
func (a *Adapter) GetHost(ctx context.Context, host string) monitor.Result {
	if a.ConnectBy() == adapter.ConnectByHost || a.ConnectBy() == "" || host == "" {
		return monitor.Result{Result: host}
	}

	var hosts []struct {
		Address string `json:"host_address"`
	}

	rawURL := a.cgi + "/icingadb/hosts?" + url.Values{
		"name": {host}, "columns": {"host.address"}, "format": {"json"},
	}.Encode()
	if err := a.fetch(ctx, rawURL, &hosts); err != nil {
		return monitor.ErrorResult(errors.Wrapf(err, "can't fetch address of %q", host))
	}

	if len(hosts) == 0 {
		return monitor.ErrorResult(errors.Wrapf(adapter.ErrNotFound, "host %q", host))
	}

	return a.ResolveHost(ctx, host, hosts[0].Address)
}

// MonitorURL opens the problem list with the detail view of the target next to it.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	base := a.Settings().BaseURL()
	if t.Host == "" {
		return base
	}

	basePath := ""
	if u, err := url.Parse(base); err == nil {
		basePath = u.Path
	}

	detail := strings.ReplaceAll(objectQuery(t), "+", "%20")
	if t.IsService() {
		return base + "/icingadb/services?service.state.is_problem=y&sort=service.state.severity%20desc#!" +
			basePath + "/icingadb/service?" + detail
	}

	return base + "/icingadb/hosts?host.state.is_problem=y&sort=host.state.severity#!" +
		basePath + "/icingadb/host?" + detail
}

func yesNo(b bool) string {
	if b {
		return "y"
	}

	return "n"
}

// Assert interface compliance.
var (
	_ adapter.Adapter  = (*Adapter)(nil)
	_ json.Unmarshaler = (*timestamp)(nil)
	_ json.Unmarshaler = (*acknowledgement)(nil)
)
