// Package centreon supports the classic Centreon web interface.
// Status is read from the XML endpoints the monitoring pages poll,
// commands are issued through the same forms a browser would use.
package centreon

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/scrape"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Type is the registry name of this backend.
const Type = "Centreon"

// SessionCookie carries the session id Centreon expects as sid parameter.
const SessionCookie = "PHPSESSID"

// SIDRotation is the number of idle ticks after which Hook logs out and in again.
const SIDRotation = 3600

// Capabilities of Centreon.
var Capabilities = adapter.Capabilities{
	Actions: []adapter.Action{
		adapter.ActionMonitor, adapter.ActionRecheck, adapter.ActionAcknowledge, adapter.ActionDowntime,
	},
	DisabledControls: []string{"monitor_cgi_url"},
}

// badSession is the whole body of XML responses to an expired sid.
const badSession = "bad session id"

// translations of state names older French installations report.
var translations = map[string]string{
	"INDISPONIBLE": "DOWN",
	"INJOIGNABLE":  "UNREACHABLE",
	"CRITIQUE":     "CRITICAL",
	"INCONNU":      "UNKNOWN",
	"ALERTE":       "WARNING",
}

var (
	xmlPathPattern   = regexp.MustCompile(`var _addrXML.*xml/(ndo|broker)/host`)
	hostIDPattern    = regexp.MustCompile(`var host_id = '(\d+)'`)
	serviceIDPattern = regexp.MustCompile(`var svc_id = '(\d+)'`)
)

// row is one <l> element of hostXML.php or serviceXML.php.
type row struct {
	HostName      string `xml:"hn"`
	Service       string `xml:"sd"`
	Address       string `xml:"a"`
	Status        string `xml:"cs"`
	HostTries     string `xml:"tr"`
	ServiceTries  string `xml:"ca"`
	LastCheck     string `xml:"lc"`
	HostDuration  string `xml:"lsc"`
	Duration      string `xml:"d"`
	HostOutput    string `xml:"ou"`
	Output        string `xml:"po"`
	HostAck       string `xml:"ha"`
	Ack           string `xml:"pa"`
	HostDowntime  string `xml:"hdtm"`
	Downtime      string `xml:"dtm"`
	Flapping      string `xml:"is"`
	Notifications string `xml:"ne"`
	HostActive    string `xml:"ace"`
	Active        string `xml:"ac"`
}

// response is the root of the status XMLs. Centreon names it reponse, errors come as response.
type response struct {
	Text string `xml:",chardata"`
	Rows []row  `xml:"l"`
}

func (r *response) expired() bool {
	return len(r.Rows) == 0 && strings.EqualFold(strings.TrimSpace(r.Text), badSession)
}

// Adapter implements adapter.Adapter for Centreon.
type Adapter struct {
	*adapter.Base

	mu       sync.Mutex // Protects the fields below.
	sid      string
	token    string
	xmlPath  string
	sidCount int
}

// New creates a Centreon adapter. The monitor URL points to the Centreon root, e.g. https://centreon/centreon.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	return &Adapter{Base: base}, nil
}

func (a *Adapter) url(path string, params url.Values) string {
	u := a.Settings().BaseURL() + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	return u
}

func (a *Adapter) statusURL(kind, file string) string {
	a.mu.Lock()
	xmlPath := a.xmlPath
	a.mu.Unlock()

	if xmlPath == "" {
		xmlPath = "xml"
	}

	return a.url("/include/monitoring/status/"+kind+"/"+xmlPath+"/"+file, nil)
}

func (a *Adapter) hostsURL() string {
	return a.statusURL("Hosts", "hostXML.php")
}

func (a *Adapter) servicesURL() string {
	return a.statusURL("Services", "serviceXML.php")
}

// SID returns the current session id.
func (a *Adapter) SID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sid
}

// SIDCount returns the number of idle ticks since the last login.
func (a *Adapter) SIDCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sidCount
}

// InitializeTransport implements the adapter.Adapter interface.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	if a.SID() != "" && !a.NeedsAuthentication() {
		return nil
	}

	return a.Login(ctx, a.login)
}

// ResetTransport implements the adapter.Adapter interface.
func (a *Adapter) ResetTransport() {
	a.mu.Lock()
	a.sid = ""
	a.xmlPath = ""
	a.mu.Unlock()

	a.Base.ResetTransport()
}

// login obtains a fresh PHPSESSID and detects the XML layout of the new session.
func (a *Adapter) login(ctx context.Context) error {
	s := a.Settings()

	if s.UseAutologin {
		r := a.Fetch(ctx, session.Request{URL: a.url("/index.php", url.Values{
			"p":         {"101"},
			"autologin": {"1"},
			"useralias": {s.Username},
			"token":     {s.AutologinKey},
		})})
		if err := a.CheckAuth(r); err != nil {
			return errors.Wrap(err, "can't log in with autologin key")
		}
	} else {
		r := a.Fetch(ctx, session.Request{URL: a.url("/index.php", nil), Giveback: session.HTML})
		if err := a.CheckAuth(r); err != nil {
			return errors.Wrap(err, "can't fetch login form")
		}

		doc := r.Result.(*html.Node)
		token := scrape.InputValue(doc, "centreon_token")

		form := url.Values{"useralias": {s.Username}, "password": {s.Password}}
		if token != "" {
			form.Set("centreon_token", token)
			form.Set("submitLogin", scrape.InputValue(doc, "submitLogin"))
		} else {
			form.Set("submit", "Login")
		}

		r = a.Fetch(ctx, session.Request{URL: a.url("/index.php", nil), Form: form})
		if err := a.CheckAuth(r); err != nil {
			return errors.Wrap(err, "can't log in")
		}

		a.mu.Lock()
		a.token = token
		a.mu.Unlock()
	}

	sid := a.Session().Cookie(s.BaseURL(), SessionCookie)
	if sid == "" {
		return a.AuthFailed("no %s cookie after login", SessionCookie)
	}

	a.mu.Lock()
	a.sid = sid
	a.sidCount = 0
	a.mu.Unlock()

	a.detectXMLPath(ctx, sid)

	a.Logger().Debugw("Logged in", "sid", sid)

	return nil
}

// detectXMLPath finds out whether the status XMLs are published by NDO, Broker or at the flat location.
func (a *Adapter) detectXMLPath(ctx context.Context, sid string) {
	xmlPath := "xml"

	r := a.Fetch(ctx, session.Request{URL: a.url("/main.php", url.Values{"p": {"201"}, "sid": {sid}})})
	if r.Failed() {
		a.Logger().Debugw("Can't fetch main page to detect the XML layout", "error", r.Error)
	} else if m := xmlPathPattern.FindStringSubmatch(r.Body()); m != nil {
		xmlPath = "xml/" + m[1]
	}

	a.mu.Lock()
	a.xmlPath = xmlPath
	a.mu.Unlock()

	a.Logger().Debugw("Detected XML layout", "path", xmlPath)
}

// fetchXML fetches a status XML, logging in again once if the sid has expired.
func (a *Adapter) fetchXML(ctx context.Context, rawURL string, params url.Values) (*response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		params.Set("sid", a.SID())

		var resp response
		r := a.Fetch(ctx, session.Request{URL: rawURL + "?" + params.Encode(), Giveback: session.XML, Into: &resp})
		if err := a.CheckAuth(r); err != nil {
			return nil, err
		}

		if !resp.expired() {
			return &resp, nil
		}

		if attempt == 0 {
			a.Logger().Debug("Session expired. Logging in again")

			if err := a.Login(ctx, a.login); err != nil {
				return nil, err
			}
		}
	}

	return nil, a.AuthFailed("Bad session ID")
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	if a.SID() == "" {
		if err := a.Login(ctx, a.login); err != nil {
			return nil, err
		}
	}

	hostsXML, err := a.fetchXML(ctx, a.hostsURL(), url.Values{
		"num": {"0"}, "limit": {"999"}, "o": {"hpb"}, "p": {"20202"}, "criticality": {"0"},
		"statusHost": {"hpb"}, "sSetOrderInMemory": {"1"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't fetch hosts")
	}

	servicesXML, err := a.fetchXML(ctx, a.servicesURL(), url.Values{
		"num": {"0"}, "limit": {"999"}, "o": {"svcpb"}, "p": {"20201"}, "nc": {"0"}, "criticality": {"0"},
		"statusService": {"svcpb"}, "sSetOrderInMemory": {"1"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't fetch services")
	}

	hosts := monitor.Hosts{}

	for _, l := range hostsXML.Rows {
		if _, ok := hosts[l.HostName]; ok || l.HostName == "" {
			continue
		}

		h := monitor.NewHost(l.HostName, a.Name())
		if err := l.apply(&h.Entity, l.HostTries, l.HostDuration, l.HostOutput, l.HostAck, l.HostDowntime, l.HostActive); err != nil {
			a.Logger().Debugw("Skipping host", "host", l.HostName, "error", err)
			continue
		}

		hosts.AddHost(h)
	}

	for _, l := range servicesXML.Rows {
		if l.HostName == "" || l.Service == "" {
			continue
		}

		s := monitor.NewService(l.HostName, l.Service, a.Name())
		if err := l.apply(&s.Entity, l.ServiceTries, l.Duration, l.Output, l.Ack, l.Downtime, l.Active); err != nil {
			a.Logger().Debugw("Skipping service", "host", l.HostName, "service", l.Service, "error", err)
			continue
		}

		if h, ok := hosts[l.HostName]; ok {
			if _, ok := h.Services[l.Service]; ok {
				continue
			}
		} else {
			hosts.Ensure(l.HostName, a.Name())
		}

		hosts.AddService(s)
	}

	return hosts, nil
}

func (l row) apply(e *monitor.Entity, tries, duration, output, ack, downtime, active string) error {
	status := strings.ToUpper(strings.TrimSpace(l.Status))
	if t, ok := translations[status]; ok {
		status = t
	}

	state, err := monitor.ParseState(status)
	if err != nil {
		return err
	}

	e.Status = state
	e.Attempt, e.StatusType = parseTries(tries)
	e.LastCheck = l.LastCheck
	e.Duration = duration
	e.StatusInformation = strings.TrimSpace(strings.ReplaceAll(output, "\n", " "))
	e.Acknowledged = flag(ack)
	e.ScheduledDowntime = flag(downtime)
	e.Flapping = flag(l.Flapping)
	e.NotificationsDisabled = !flag(l.Notifications)
	e.Passiveonly = !flag(active)

	return nil
}

// parseTries splits "3/3 (H)" into attempt and state type.
func parseTries(tries string) (string, monitor.StateType) {
	attempt, kind, _ := strings.Cut(strings.TrimSpace(tries), " ")
	if kind == "(S)" {
		return attempt, monitor.Soft
	}

	return attempt, monitor.Hard
}

func flag(s string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))

	return err == nil && n != 0
}

// GetHost implements the adapter.Adapter interface.
// The address is searched in the hosts XML as Centreon doesn't report it for hosts which are UP otherwise.
func (a *Adapter) GetHost(ctx context.Context, host string) monitor.Result {
	if a.ConnectBy() == adapter.ConnectByHost || a.ConnectBy() == "" || host == "" {
		return monitor.Result{Result: host}
	}

	resp, err := a.fetchXML(ctx, a.hostsURL(), url.Values{
		"search": {host}, "num": {"0"}, "limit": {"1"}, "sort_type": {"hostname"}, "order": {"ASC"},
		"date_time_format_status": {"d/m/Y H:i:s"}, "o": {"h"}, "p": {"20102"}, "time": {"0"},
	})
	if err != nil {
		return monitor.ErrorResult(errors.Wrapf(err, "can't look up host %q", host))
	}

	if len(resp.Rows) == 0 || resp.Rows[0].Address == "" {
		return monitor.ErrorResult(errors.Wrapf(adapter.ErrNotFound, "host %q", host))
	}

	return a.ResolveHost(ctx, host, resp.Rows[0].Address)
}

// GetStartEnd implements the adapter.Adapter interface.
func (a *Adapter) GetStartEnd(ctx context.Context, host string) (string, string) {
	r := a.Fetch(ctx, session.Request{
		URL:      a.url("/main.php", nil),
		Form:     url.Values{"o": {"a"}, "p": {"210"}, "host_name": {host}},
		Giveback: session.HTML,
	})
	if r.Failed() {
		a.Logger().Debugw("Can't fetch downtime form", "host", host, "error", r.Error)

		return "n/a", "n/a"
	}

	doc := r.Result.(*html.Node)
	start := strings.TrimSpace(scrape.InputValue(doc, "start") + " " + scrape.InputValue(doc, "start_time"))
	end := strings.TrimSpace(scrape.InputValue(doc, "end") + " " + scrape.InputValue(doc, "end_time"))
	if start == "" || end == "" {
		return a.Base.GetStartEnd(ctx, host)
	}

	return start, end
}

// ids scrapes host_id and, for services, svc_id from the detail page of t.
func (a *Adapter) ids(ctx context.Context, t adapter.Target) (string, string, error) {
	params := url.Values{"p": {"20202"}, "o": {"hd"}, "host_name": {t.Host}, "sid": {a.SID()}}
	if t.IsService() {
		params = url.Values{"p": {"20201"}, "o": {"svcd"}, "host_name": {t.Host}, "service_description": {t.Service}}
	}

	r := a.Fetch(ctx, session.Request{URL: a.url("/main.php", params)})
	if err := a.CheckAuth(r); err != nil {
		return "", "", errors.Wrap(err, "can't fetch detail page")
	}

	body := r.Body()

	m := hostIDPattern.FindStringSubmatch(body)
	if m == nil {
		return "", "", errors.Wrapf(adapter.ErrNotFound, "host_id of %q", t.Host)
	}
	hostID := m[1]

	if !t.IsService() {
		return hostID, "", nil
	}

	m = serviceIDPattern.FindStringSubmatch(body)
	if m == nil {
		return "", "", errors.Wrapf(adapter.ErrNotFound, "svc_id of %q on %q", t.Service, t.Host)
	}

	return hostID, m[1], nil
}

func (a *Adapter) send(ctx context.Context, req session.Request) error {
	r := a.Fetch(ctx, req)
	if err := a.CheckAuth(r); err != nil {
		return errors.Wrap(err, "can't send command")
	}

	return nil
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	hostID, serviceID, err := a.ids(ctx, t)
	if err != nil {
		return err
	}

	const commands = "/include/monitoring/objectDetails/xml/"
	if !t.IsService() {
		return a.send(ctx, session.Request{URL: a.url(commands+"hostSendCommand.php", url.Values{
			"cmd": {"host_schedule_check"}, "actiontype": {"1"}, "host_id": {hostID},
		})})
	}

	return a.send(ctx, session.Request{URL: a.url(commands+"serviceSendCommand.php", url.Values{
		"cmd": {"service_schedule_check"}, "actiontype": {"1"}, "host_id": {hostID}, "service_id": {serviceID},
		"sid": {a.SID()},
	})})
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	for _, t := range req.Targets() {
		form := url.Values{
			"host_name":  {t.Host},
			"author":     {req.Author},
			"comment":    {req.Comment},
			"submit":     {"Add"},
			"notify":     {boolInt(req.Notify)},
			"persistent": {boolInt(req.Persistent)},
			"sticky":     {boolInt(req.Sticky)},
			"en":         {"1"},
		}
		if token != "" {
			form.Set("centreon_token", token)
		}

		if t.IsService() {
			form.Set("cmd", "15")
			form.Set("p", "20201")
			form.Set("o", "svcd")
			form.Set("service_description", t.Service)
			form.Set("force_check", "1")
		} else {
			form.Set("cmd", "14")
			form.Set("p", "20202")
			form.Set("o", "hpb")
			form.Set("ackhostservice", "0")
		}

		if err := a.send(ctx, session.Request{URL: a.url("/main.php", nil), Form: form}); err != nil {
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
		"duration":       {strconv.Itoa(req.Hours*60 + req.Minutes)},
		"duration_scale": {"m"},
		"start":          {start.Format(adapter.TimeLayout)},
		"end":            {end.Format(adapter.TimeLayout)},
		"comment":        {req.Comment},
		"fixed":          {strconv.FormatBool(req.Fixed)},
		"author":         {req.Author},
		"sid":            {a.SID()},
	}

	if req.Service == "" {
		params.Set("cmd", "75")
		params.Set("downtimehostservice", "true")
		params.Set("select["+req.Host+"]", "1")
	} else {
		params.Set("cmd", "74")
		params.Set("downtimehostservice", "0")
		params.Set("select["+req.Host+";"+req.Service+"]", "1")
	}

	return a.send(ctx, session.Request{
		Method: http.MethodGet,
		URL:    a.url("/include/monitoring/external_cmd/cmdPopup.php", params),
	})
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	params := url.Values{"p": {"20202"}, "o": {"hd"}, "host_name": {t.Host}}
	if t.IsService() {
		params = url.Values{"p": {"20201"}, "o": {"svcd"}, "host_name": {t.Host}, "service_description": {t.Service}}
	}

	if s := a.Settings(); s.UseAutologin {
		params.Set("autologin", "1")
		params.Set("useralias", s.Username)
		params.Set("token", s.AutologinKey)
	}

	return a.url("/main.php", params)
}

// Hook implements the adapter.Adapter interface.
// Centreon sessions expire silently, so the sid is renewed every SIDRotation ticks.
func (a *Adapter) Hook(ctx context.Context) {
	a.mu.Lock()
	a.sidCount++
	rotate := a.sidCount >= SIDRotation && a.sid != ""
	a.mu.Unlock()

	if !rotate {
		return
	}

	// Log out to keep sessions from piling up on the server.
	if r := a.Fetch(ctx, session.Request{URL: a.url("/index.php", url.Values{"disconnect": {"1"}})}); r.Failed() {
		a.Logger().Debugw("Can't log out", "error", r.Error)
	}

	if err := a.Login(ctx, a.login); err != nil {
		a.Logger().Warnw("Can't renew session", "error", err)
	}
}

func boolInt(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
