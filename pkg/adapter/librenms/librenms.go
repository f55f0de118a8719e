// Package librenms reads devices and alerts through the LibreNMS REST API.
package librenms

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
const Type = "LibreNMS"

// TokenHeader carries the API token, which is configured as password.
const TokenHeader = "X-Auth-Token"

// Capabilities of LibreNMS.
var Capabilities = adapter.Capabilities{
	Actions:          []adapter.Action{adapter.ActionMonitor, adapter.ActionAcknowledge, adapter.ActionDowntime},
	DisabledControls: []string{"username", "monitor_cgi_url", "use_autologin"},
}

// alert states
const (
	alertActive       = 1
	alertAcknowledged = 2
)

var severities = map[string]monitor.State{
	"ok":       monitor.StateOk,
	"warning":  monitor.StateWarning,
	"critical": monitor.StateCritical,
}

type device struct {
	DeviceID     adapter.Number `json:"device_id"`
	Hostname     string         `json:"hostname"`
	SysName      string         `json:"sysName"`
	Display      string         `json:"display"`
	IP           string         `json:"ip"`
	Status       adapter.Number `json:"status"`
	StatusReason string         `json:"status_reason"`
	LastPolled   string         `json:"last_polled"`
	Disabled     adapter.Number `json:"disabled"`
	Ignore       adapter.Number `json:"ignore"`
}

// name returns the display name, falling back to the host name.
func (d device) name() string {
	if d.Display != "" {
		return d.Display
	}

	return d.Hostname
}

type alert struct {
	ID        adapter.Number `json:"id"`
	DeviceID  adapter.Number `json:"device_id"`
	RuleID    adapter.Number `json:"rule_id"`
	State     adapter.Number `json:"state"`
	Severity  string         `json:"severity"`
	Timestamp string         `json:"timestamp"`
	Name      string         `json:"name"`
	Note      string         `json:"note"`
}

type rule struct {
	ID   adapter.Number `json:"id"`
	Name string         `json:"name"`
}

// timeLayout of timestamps and polling times.
const timeLayout = "2006-01-02 15:04:05"

// Adapter implements adapter.Adapter for LibreNMS.
type Adapter struct {
	*adapter.Base

	mu sync.Mutex // Protects the fields below.
	// alerts maps host and rule name to the alert id of the last refresh.
	alerts map[adapter.Target]int64
	// hostnames maps display names to the device host names of the last refresh.
	hostnames map[string]string
}

// New creates a LibreNMS adapter. The password setting holds the API token.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	settings.Authentication = session.AuthNone

	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	base.Session().SetHeader(TokenHeader, settings.Password)

	return &Adapter{Base: base, alerts: map[adapter.Target]int64{}, hostnames: map[string]string{}}, nil
}

// api performs a request against /api/v0 and decodes the answer into into.
func (a *Adapter) api(ctx context.Context, method, path string, body interface{}, into interface{}) error {
	req := session.Request{
		Method:   method,
		URL:      a.Settings().BaseURL() + "/api/v0/" + path,
		Giveback: session.Raw,
	}

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "can't encode request to %s", path)
		}

		req.Body = b
	}

	r := a.Fetch(ctx, req)
	if err := a.CheckAuth(r); err != nil {
		return errors.Wrapf(err, "can't request %s", path)
	}

	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}

	raw := []byte(r.Body())
	if err := json.Unmarshal(raw, &status); err != nil {
		return errors.Wrapf(err, "can't parse response of %s", path)
	}

	if status.Status == "error" {
		return errors.Errorf("%s: %s", path, status.Message)
	}

	if into != nil {
		return errors.Wrapf(json.Unmarshal(raw, into), "can't decode response of %s", path)
	}

	return nil
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	var devices struct {
		Devices []device `json:"devices"`
	}
	if err := a.api(ctx, http.MethodGet, "devices", nil, &devices); err != nil {
		return nil, errors.Wrap(err, "can't fetch devices")
	}

	var alerts struct {
		Alerts []alert `json:"alerts"`
	}
	if err := a.api(ctx, http.MethodGet, "alerts?state="+strconv.Itoa(alertActive), nil, &alerts); err != nil {
		return nil, errors.Wrap(err, "can't fetch alerts")
	}

	if !a.FilterAcknowledged() {
		var acked struct {
			Alerts []alert `json:"alerts"`
		}
		if err := a.api(ctx, http.MethodGet, "alerts?state="+strconv.Itoa(alertAcknowledged), nil, &acked); err != nil {
			return nil, errors.Wrap(err, "can't fetch acknowledged alerts")
		}

		alerts.Alerts = append(alerts.Alerts, acked.Alerts...)
	}

	now := a.Now()
	byID := make(map[int64]device, len(devices.Devices))
	hostnames := map[string]string{}
	hosts := monitor.Hosts{}

	for _, d := range devices.Devices {
		byID[int64(d.DeviceID)] = d
		hostnames[d.name()] = d.Hostname

		if d.Status != 0 || d.Disabled != 0 || d.Ignore != 0 {
			continue
		}

		h := monitor.NewHost(d.name(), a.Name())
		h.RealName = d.Hostname
		h.ID = d.DeviceID.String()
		h.Address = d.IP
		h.Status = monitor.StateDown
		h.StatusInformation = d.StatusReason
		h.LastCheck = d.LastPolled
		h.Attempt = "1/1"
		if t, err := time.ParseInLocation(timeLayout, d.LastPolled, time.Local); err == nil {
			h.Duration = monitor.Since(t.Unix(), now)
		}

		hosts.AddHost(h)
	}

	rules := map[int64]string{}
	ids := map[adapter.Target]int64{}

	for _, al := range alerts.Alerts {
		d, ok := byID[int64(al.DeviceID)]
		if !ok {
			// Devices added since the device list was fetched.
			var one struct {
				Devices []device `json:"devices"`
			}
			if err := a.api(ctx, http.MethodGet, "devices/"+al.DeviceID.String(), nil, &one); err != nil || len(one.Devices) == 0 {
				a.Logger().Debugw("Skipping alert of unknown device", "alert", al.ID, "device", al.DeviceID, "error", err)
				continue
			}

			d = one.Devices[0]
			byID[int64(d.DeviceID)] = d
			hostnames[d.name()] = d.Hostname
		}

		state, ok := severities[strings.ToLower(al.Severity)]
		if !ok {
			state = monitor.StateUnknown
		}

		name := al.Name
		if name == "" {
			var err error
			if name, err = a.ruleName(ctx, int64(al.RuleID), rules); err != nil {
				return nil, err
			}
		}

		h := hosts.Ensure(d.name(), a.Name())
		h.RealName = d.Hostname
		h.Address = d.IP
		if _, ok := h.Services[name]; ok {
			name += " [" + al.ID.String() + "]"
		}

		svc := monitor.NewService(h.Name, name, a.Name())
		svc.ID = al.ID.String()
		svc.Status = state
		svc.StatusInformation = al.Note
		svc.LastCheck = al.Timestamp
		svc.Attempt = "1/1"
		svc.Acknowledged = al.State == alertAcknowledged
		if t, err := time.ParseInLocation(timeLayout, al.Timestamp, time.Local); err == nil {
			svc.Duration = monitor.Since(t.Unix(), now)
		}

		hosts.AddService(svc)
		ids[adapter.Target{Host: h.Name, Service: name}] = int64(al.ID)
	}

	a.mu.Lock()
	a.alerts = ids
	a.hostnames = hostnames
	a.mu.Unlock()

	return hosts, nil
}

// ruleName looks up the name of an alert rule, caching it for the current refresh.
func (a *Adapter) ruleName(ctx context.Context, id int64, cache map[int64]string) (string, error) {
	if name, ok := cache[id]; ok {
		return name, nil
	}

	var rules struct {
		Rules []rule `json:"rules"`
	}
	if err := a.api(ctx, http.MethodGet, "rules/"+strconv.FormatInt(id, 10), nil, &rules); err != nil {
		return "", errors.Wrapf(err, "can't fetch alert rule %d", id)
	}

	name := "rule " + strconv.FormatInt(id, 10)
	if len(rules.Rules) > 0 && rules.Rules[0].Name != "" {
		name = rules.Rules[0].Name
	}

	cache[id] = name

	return name, nil
}

// SetAcknowledge implements the adapter.Adapter interface.
// Acknowledging a device acknowledges all of its alerts.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	var ids []int64

	a.mu.Lock()
	for t, id := range a.alerts {
		if t.Host == req.Host && (req.Service == "" || req.AcknowledgeAllServices || t.Service == req.Service) {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	if len(ids) == 0 {
		return errors.Wrapf(adapter.ErrNotFound, "no alert to acknowledge on %q", req.Host)
	}

	for _, id := range ids {
		err := a.api(ctx, http.MethodPut, "alerts/"+strconv.FormatInt(id, 10), map[string]interface{}{
			"note":        req.Author + ": " + req.Comment,
			"until_clear": !req.Sticky,
		}, nil)
		if err != nil {
			return errors.Wrapf(err, "can't acknowledge alert %d", id)
		}
	}

	return nil
}

// SetDowntime puts the whole device into maintenance, as LibreNMS has no per-alert downtimes.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	start, end, err := req.Window(a.Now())
	if err != nil {
		return err
	}

	d := end.Sub(start)

	return a.api(ctx, http.MethodPost, "devices/"+url.PathEscape(a.hostname(req.Host))+"/maintenance", map[string]string{
		"title":    "Nagstamon",
		"notes":    req.Author + ": " + req.Comment,
		"start":    start.Format(timeLayout),
		"duration": strconv.Itoa(int(d.Hours())) + ":" + twoDigits(int(d.Minutes())%60),
	}, nil)
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}

	return strconv.Itoa(n)
}

// hostname returns the device host name of a display name.
func (a *Adapter) hostname(name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hn, ok := a.hostnames[name]; ok {
		return hn
	}

	return name
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	base := a.Settings().BaseURL()
	if t.Host == "" {
		return base + "/alerts"
	}

	return base + "/device/" + url.PathEscape(a.hostname(t.Host))
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
