// Package thruk reads the JSON views of Thruk and controls it through its cmd.cgi.
package thruk

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/nagios"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Type is the registry name of this backend.
const Type = "Thruk"

// AuthCookie is set by Thruk after a successful login.
const AuthCookie = "thruk_auth"

const (
	hostColumns = "name,display_name,state,last_check,last_state_change,plugin_output,current_attempt," +
		"max_check_attempts,active_checks_enabled,notifications_enabled,is_flapping,acknowledged," +
		"scheduled_downtime_depth,state_type"
	serviceColumns = "host_name,host_display_name,description,display_name,state,last_check,last_state_change," +
		"plugin_output,current_attempt,max_check_attempts,active_checks_enabled,notifications_enabled," +
		"is_flapping,acknowledged,scheduled_downtime_depth,state_type"
)

var hostStates = map[int]monitor.State{0: monitor.StateUp, 1: monitor.StateDown, 2: monitor.StateUnreachable}

var serviceStates = map[int]monitor.State{
	0: monitor.StateOk, 1: monitor.StateWarning, 2: monitor.StateCritical, 3: monitor.StateUnknown,
}

// Capabilities of Thruk. It also shows disabled.gif for checks disabled entirely.
var Capabilities = adapter.Capabilities{
	Actions: adapter.AllActions,
	StatusIcons: map[string]adapter.Flag{
		"ack.gif":         adapter.FlagAcknowledged,
		"passiveonly.gif": adapter.FlagPassiveonly,
		"disabled.gif":    adapter.FlagPassiveonly,
		"ndisabled.gif":   adapter.FlagNotificationsDisabled,
		"downtime.gif":    adapter.FlagScheduledDowntime,
		"flapping.gif":    adapter.FlagFlapping,
	},
}

// object holds the columns hosts and services have in common.
type object struct {
	State                  int     `json:"state"`
	LastCheck              float64 `json:"last_check"`
	LastStateChange        float64 `json:"last_state_change"`
	PluginOutput           string  `json:"plugin_output"`
	CurrentAttempt         int     `json:"current_attempt"`
	MaxCheckAttempts       int     `json:"max_check_attempts"`
	ActiveChecksEnabled    int     `json:"active_checks_enabled"`
	NotificationsEnabled   int     `json:"notifications_enabled"`
	IsFlapping             int     `json:"is_flapping"`
	Acknowledged           int     `json:"acknowledged"`
	ScheduledDowntimeDepth int     `json:"scheduled_downtime_depth"`
	StateType              int     `json:"state_type"`
}

func (o object) apply(e *monitor.Entity, now time.Time) {
	e.LastCheck = monitor.FormatTime(int64(o.LastCheck))
	e.Duration = monitor.Since(int64(o.LastStateChange), now)
	e.Attempt = monitor.FormatAttempt(o.CurrentAttempt, o.MaxCheckAttempts)
	e.StatusInformation = strings.TrimSpace(strings.ReplaceAll(o.PluginOutput, "\n", " "))
	e.Passiveonly = o.ActiveChecksEnabled == 0
	e.NotificationsDisabled = o.NotificationsEnabled == 0
	e.Flapping = o.IsFlapping != 0
	e.Acknowledged = o.Acknowledged != 0
	e.ScheduledDowntime = o.ScheduledDowntimeDepth > 0

	e.StatusType = monitor.Soft
	if o.StateType == 1 {
		e.StatusType = monitor.Hard
	}
}

type host struct {
	object
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type service struct {
	object
	HostName        string `json:"host_name"`
	HostDisplayName string `json:"host_display_name"`
	Description     string `json:"description"`
	DisplayName     string `json:"display_name"`
}

// Adapter implements adapter.Adapter for Thruk.
type Adapter struct {
	*adapter.Base
	nagios.Commands

	hostsURL    string
	servicesURL string
}

// New creates a Thruk adapter.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	cgi := settings.CGIURL()

	return &Adapter{
		Base:     base,
		Commands: nagios.Commands{Base: base, CGIURL: cgi},
		hostsURL: cgi + "/status.cgi?" + url.Values{
			"hostgroup": {"all"}, "style": {"hostdetail"}, "dfl_s0_hoststatustypes": {"12"},
			"view_mode": {"json"}, "entries": {"all"}, "columns": {hostColumns},
		}.Encode(),
		servicesURL: cgi + "/status.cgi?" + url.Values{
			"host": {"all"}, "servicestatustypes": {"28"},
			"view_mode": {"json"}, "entries": {"all"}, "columns": {serviceColumns},
		}.Encode(),
	}, nil
}

// InitializeTransport logs in unless Thruk's session cookie is still present.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	if !a.NeedsAuthentication() && a.Session().Cookie(a.CGIURL, AuthCookie) != "" {
		return nil
	}

	return a.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	s := a.Settings()

	var req session.Request
	if s.UseAutologin {
		req = session.Request{
			Method: http.MethodPost,
			URL:    a.CGIURL + "/user.cgi",
			Header: http.Header{"X-Thruk-Auth-Key": {strings.TrimSpace(s.AutologinKey)}},
		}
	} else {
		a.Session().SetCookie(a.CGIURL, "thruk_test", "***")
		req = session.Request{
			URL:  a.CGIURL + "/login.cgi",
			Form: url.Values{"login": {s.Username}, "password": {s.Password}, "submit": {"Login"}},
		}
	}

	r := a.Fetch(ctx, req)
	if r.StatusCode != 0 && r.StatusCode != http.StatusOK {
		return a.AuthFailed("Login failed with HTTP %d", r.StatusCode)
	}

	return r.Err()
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	var hosts []host
	if err := a.fetch(ctx, a.hostsURL, &hosts); err != nil {
		return nil, errors.Wrap(err, "can't fetch hosts")
	}

	var services []service
	if err := a.fetch(ctx, a.servicesURL, &services); err != nil {
		return nil, errors.Wrap(err, "can't fetch services")
	}

	now := a.Now()
	result := monitor.Hosts{}
	useDisplayNameService := a.Settings().UseDisplayNameService

	for _, h := range hosts {
		if _, ok := result[h.Name]; ok {
			continue
		}

		status, ok := hostStates[h.State]
		if !ok {
			a.Logger().Debugw("Skipping host with unknown state", "host", h.Name, "state", h.State)
			continue
		}

		mh := monitor.NewHost(h.Name, a.Name())
		mh.Status = status
		h.apply(&mh.Entity, now)
		result.AddHost(mh)
	}

	for _, s := range services {
		status, ok := serviceStates[s.State]
		if !ok {
			a.Logger().Debugw("Skipping service with unknown state",
				"host", s.HostName, "service", s.Description, "state", s.State)
			continue
		}

		name := s.Description
		if useDisplayNameService && s.DisplayName != "" {
			name = s.DisplayName
		}

		result.Ensure(s.HostName, a.Name())
		if _, ok := result[s.HostName].Services[name]; ok {
			continue
		}

		ms := monitor.NewService(s.HostName, name, a.Name())
		ms.RealName = s.Description
		ms.Status = status
		s.apply(&ms.Entity, now)
		result.AddService(ms)
	}

	return result, nil
}

// fetch decodes a JSON view into v. An HTML answer means the session cookie expired.
func (a *Adapter) fetch(ctx context.Context, rawURL string, v interface{}) error {
	r := a.Fetch(ctx, session.Request{URL: rawURL})
	if err := a.CheckAuth(r); err != nil {
		return err
	}

	body := strings.TrimSpace(r.Body())
	if strings.HasPrefix(body, "<") {
		return a.AuthFailed("Login failed")
	}

	return errors.Wrap(json.Unmarshal([]byte(body), v), "can't parse JSON")
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	return a.Commands.Recheck(ctx, t)
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	return a.Commands.Acknowledge(ctx, req)
}

// SetDowntime implements the adapter.Adapter interface.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	return a.Commands.Downtime(ctx, req)
}

// SetSubmitCheckResult implements the adapter.Adapter interface.
func (a *Adapter) SetSubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	return a.Commands.SubmitCheckResult(ctx, req)
}

// GetStartEnd implements the adapter.Adapter interface.
func (a *Adapter) GetStartEnd(ctx context.Context, host string) (string, string) {
	return a.Commands.StartEnd(ctx, host)
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	if t.Host == "" {
		return a.Settings().BaseURL()
	}

	return a.ExtinfoURL(t)
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
