// Package multisite reads the Check_MK Multisite views in their JSON output format.
package multisite

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/scrape"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Type is the registry name of this backend.
const Type = "Check_MK Multisite"

// Capabilities of Multisite.
var Capabilities = adapter.Capabilities{
	Actions: []adapter.Action{
		adapter.ActionMonitor, adapter.ActionRecheck, adapter.ActionAcknowledge, adapter.ActionDowntime,
	},
}

// viewFilters make the problem views include acknowledged, disabled and downtimed objects.
const viewFilters = "&is_host_acknowledged=-1&is_service_acknowledged=-1" +
	"&is_host_notifications_enabled=-1&is_service_notifications_enabled=-1" +
	"&is_host_active_checks_enabled=-1&is_service_active_checks_enabled=-1" +
	"&host_scheduled_downtime_depth=-1&is_in_downtime=-1"

// table is a view in JSON output format: a header row followed by data rows.
type table [][]string

// Records zips every data row with the header.
func (t table) Records() []map[string]string {
	if len(t) < 1 {
		return nil
	}

	header := t[0]
	records := make([]map[string]string, 0, len(t)-1)
	for _, row := range t[1:] {
		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			}
		}

		records = append(records, record)
	}

	return records
}

type hostInfo struct {
	site    string
	address string
}

// Adapter implements adapter.Adapter for Check_MK Multisite.
type Adapter struct {
	*adapter.Base

	mu    sync.Mutex // Protects hosts.
	hosts map[string]hostInfo
}

// New creates a Multisite adapter. "/check_mk" is appended to the monitor URL if missing.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	return &Adapter{Base: base, hosts: map[string]hostInfo{}}, nil
}

func (a *Adapter) baseURL() string {
	u := a.Settings().BaseURL()
	if !strings.HasSuffix(u, "/check_mk") {
		u += "/check_mk"
	}

	return u
}

func (a *Adapter) viewURL(view string) string {
	u := a.baseURL() + "/view.py?view_name=" + url.QueryEscape(view) + "&output_format=json&lang=&limit=hard"
	if a.Settings().ForceAuthuser {
		u += "&force_authuser=1"
	}

	return u + viewFilters
}

// login posts the credentials to the login form which sets the auth_<site> cookie.
func (a *Adapter) login(ctx context.Context) error {
	s := a.Settings()
	r := a.Fetch(ctx, session.Request{
		URL: a.baseURL() + "/login.py",
		Form: url.Values{
			"_username":   {s.Username},
			"_password":   {s.Password},
			"_login":      {"1"},
			"_origtarget": {""},
			"filled_in":   {"login"},
		},
		Multipart: true,
	})

	return a.CheckAuth(r)
}

func isHTML(body string) bool {
	return strings.HasPrefix(body, "<") || strings.Contains(body, "<!DOCTYPE html>")
}

// view fetches and decodes a view. A leading "WARNING:" line is returned as *adapter.PartialError along with the table.
func (a *Adapter) view(ctx context.Context, view string) (table, error) {
	u := a.viewURL(view)

	r := a.Fetch(ctx, session.Request{URL: u})
	if err := a.CheckAuth(r); err != nil {
		return nil, err
	}

	body := r.Body()
	if isHTML(body) {
		// Cookie authentication: the view redirected to the login page.
		if err := a.Login(ctx, a.login); err != nil {
			return nil, err
		}

		r = a.Fetch(ctx, session.Request{URL: u})
		if err := a.CheckAuth(r); err != nil {
			return nil, err
		}

		if body = r.Body(); isHTML(body) {
			return nil, a.AuthFailed("Login failed")
		}
	}

	var partial error
	switch {
	case strings.HasPrefix(body, "ERROR:"):
		return nil, errors.New(strings.TrimSpace(body))
	case strings.HasPrefix(body, "WARNING:"):
		line, rest, _ := strings.Cut(body, "\n")
		partial = &adapter.PartialError{Message: strings.TrimSpace(line)}
		body = rest
	}

	var t table
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, errors.Wrapf(err, "can't parse view %s", view)
	}

	return t, partial
}

func statusInformation(s string) string {
	return strings.TrimSpace(html.UnescapeString(strings.ReplaceAll(s, "\n", " ")))
}

func stateType(attempt string) monitor.StateType {
	if monitor.IsSoftAttempt(attempt) {
		return monitor.Soft
	}

	return monitor.Hard
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	s := a.Settings()

	var partial error

	hostTable, err := a.view(ctx, s.CheckMKViewHosts)
	if adapter.IsPartial(err) {
		partial = err
	} else if err != nil {
		return nil, errors.Wrap(err, "can't fetch hosts")
	}

	serviceTable, err := a.view(ctx, s.CheckMKViewServices)
	if adapter.IsPartial(err) {
		partial = err
	} else if err != nil {
		return nil, errors.Wrap(err, "can't fetch services")
	}

	hosts := monitor.Hosts{}
	info := map[string]hostInfo{}

	for _, rec := range hostTable.Records() {
		name := rec["host"]
		if _, ok := hosts[name]; ok || name == "" {
			continue
		}

		st, err := monitor.ParseState(rec["host_state"])
		if err != nil {
			a.Logger().Debugw("Skipping host", "host", name, "error", err)
			continue
		}

		h := monitor.NewHost(name, a.Name())
		h.Status = st
		h.LastCheck = rec["host_check_age"]
		h.Duration = rec["host_state_age"]
		h.StatusInformation = statusInformation(rec["host_plugin_output"])
		h.Attempt = rec["host_attempt"]
		h.StatusType = stateType(h.Attempt)
		h.Site = rec["sitename_plain"]
		h.Address = rec["host_address"]
		h.ScheduledDowntime = rec["host_in_downtime"] == "yes"
		h.Acknowledged = rec["host_acknowledged"] == "yes"
		h.NotificationsDisabled = rec["host_notifications_enabled"] == "no"

		hosts.AddHost(h)
		info[name] = hostInfo{site: h.Site, address: h.Address}
	}

	for _, rec := range serviceTable.Records() {
		hostName, name := rec["host"], rec["service_description"]
		if hostName == "" || name == "" {
			continue
		}

		st, err := monitor.ParseState(rec["service_state"])
		if err != nil {
			a.Logger().Debugw("Skipping service", "host", hostName, "service", name, "error", err)
			continue
		}

		h, ok := hosts[hostName]
		if !ok {
			h = hosts.Ensure(hostName, a.Name())
			h.Site = rec["sitename_plain"]
			h.Address = rec["host_address"]
			info[hostName] = hostInfo{site: h.Site, address: h.Address}
		}
		if rec["host_in_downtime"] == "yes" {
			h.ScheduledDowntime = true
		}

		if _, ok := h.Services[name]; ok {
			continue
		}

		svc := monitor.NewService(hostName, name, a.Name())
		svc.Status = st
		svc.LastCheck = rec["svc_check_age"]
		svc.Duration = rec["svc_state_age"]
		svc.Attempt = rec["svc_attempt"]
		svc.StatusType = stateType(svc.Attempt)
		svc.StatusInformation = statusInformation(rec["svc_plugin_output"])
		// Check_MK services are fed by the active check_mk service, they are not passive-only.
		svc.Passiveonly = rec["svc_is_active"] == "no" && !strings.HasPrefix(rec["svc_check_command"], "check_mk")
		svc.Flapping = rec["svc_flapping"] == "yes"
		svc.Site = rec["sitename_plain"]
		svc.ScheduledDowntime = rec["svc_in_downtime"] == "yes"
		svc.Acknowledged = rec["svc_acknowledged"] == "yes"
		svc.NotificationsDisabled = rec["svc_notifications_enabled"] == "no"

		hosts.AddService(svc)
	}

	a.mu.Lock()
	a.hosts = info
	a.mu.Unlock()

	return hosts, partial
}

func (a *Adapter) hostInfo(host string) hostInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.hosts[host]
}

// GetHost implements the adapter.Adapter interface.
func (a *Adapter) GetHost(ctx context.Context, host string) monitor.Result {
	return a.ResolveHost(ctx, host, a.hostInfo(host).address)
}

// transid scrapes the transaction id the action forms are protected with.
func (a *Adapter) transid(ctx context.Context, t adapter.Target) (string, error) {
	service := t.Service
	if service == "" {
		service = "PING"
	}

	r := a.Fetch(ctx, session.Request{
		URL: a.baseURL() + "/view.py?" + url.Values{
			"actions":   {"yes"},
			"filled_in": {"actions"},
			"host":      {t.Host},
			"service":   {service},
			"view_name": {"service"},
		}.Encode(),
		Giveback: session.HTML,
	})
	if err := a.CheckAuth(r); err != nil {
		return "", errors.Wrap(err, "can't fetch transaction id")
	}

	transid := scrape.InputValue(r.Result.(*html.Node), "_transid")
	if transid == "" {
		return "", errors.New("can't find transaction id")
	}

	return transid, nil
}

// action submits the action form of the host or service view.
func (a *Adapter) action(ctx context.Context, t adapter.Target, params url.Values) error {
	transid, err := a.transid(ctx, t)
	if err != nil {
		return err
	}

	view := "hoststatus"
	if t.IsService() {
		view = "service"
	}

	params.Set("_transid", transid)
	params.Set("_do_actions", "yes")
	params.Set("_do_confirm", "Yes!")
	params.Set("view_name", view)
	params.Set("filled_in", "actions")
	params.Set("lang", "")
	params.Set("site", a.hostInfo(t.Host).site)
	params.Set("host", t.Host)
	params.Set("service", t.Service)

	r := a.Fetch(ctx, session.Request{URL: a.baseURL() + "/view.py?" + params.Encode()})
	if err := a.CheckAuth(r); err != nil {
		return errors.Wrap(err, "can't submit action")
	}

	return nil
}

// comment prefixes c with the author unless it is the configured user.
func (a *Adapter) comment(author, c string) string {
	if author == a.Settings().Username {
		return c
	}

	return author + ": " + c
}

func on(b bool) string {
	if b {
		return "on"
	}

	return ""
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	return a.action(ctx, t, url.Values{
		"_resched_checks": {"Reschedule active checks"},
		"_resched_pread":  {"0"},
	})
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	for _, t := range req.Targets() {
		err := a.action(ctx, t, url.Values{
			"_acknowledge":    {"Acknowledge"},
			"_ack_sticky":     {on(req.Sticky)},
			"_ack_notify":     {on(req.Notify)},
			"_ack_persistent": {on(req.Persistent)},
			"_ack_comment":    {a.comment(req.Author, req.Comment)},
		})
		if err != nil {
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
		"_down_comment":    {a.comment(req.Author, req.Comment)},
		"_down_flexible":   {on(!req.Fixed)},
		"_down_custom":     {"Custom time range"},
		"_down_from_date":  {start.Format("2006-01-02")},
		"_down_from_time":  {start.Format("15:04")},
		"_down_to_date":    {end.Format("2006-01-02")},
		"_down_to_time":    {end.Format("15:04")},
		"_down_duration":   {strconv.Itoa(req.Hours) + ":" + strconv.Itoa(req.Minutes)},
		"_down_from_year":  {start.Format("2006")},
		"_down_from_month": {start.Format("01")},
		"_down_from_day":   {start.Format("02")},
		"_down_from_hour":  {start.Format("15")},
		"_down_from_min":   {start.Format("04")},
		"_down_from_sec":   {"00"},
		"_down_to_year":    {end.Format("2006")},
		"_down_to_month":   {end.Format("01")},
		"_down_to_day":     {end.Format("02")},
		"_down_to_hour":    {end.Format("15")},
		"_down_to_min":     {end.Format("04")},
		"_down_to_sec":     {"00"},
		"actions":          {"yes"},
	}
	if req.Service != "" {
		params.Set("_do_confirm_service_downtime", "Schedule downtime for 1 service")
	}

	return a.action(ctx, req.Target(), params)
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	params := url.Values{"site": {a.hostInfo(t.Host).site}, "host": {t.Host}}
	view := "hoststatus"
	if t.IsService() {
		params.Set("service", t.Service)
		view = "service"
	}

	return a.baseURL() + "/index.py?" + url.Values{
		"start_url": {"view.py?view_name=" + view + "&" + params.Encode()},
	}.Encode()
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
