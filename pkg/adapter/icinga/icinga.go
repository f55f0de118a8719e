// Package icinga supports Icinga 1.x through its classic CGIs,
// preferring their JSON output where available.
package icinga

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/nagios"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/scrape"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"strings"
	"sync"
)

// Type is the registry name of this backend.
const Type = "Icinga"

// legacyVersion is the last release which needs the nested status URLs.
const legacyVersion = "1.6"

var (
	legacyURLs = nagios.StatusURLs{
		Hosts: map[monitor.StateType]string{
			monitor.Hard: "/status.cgi?hostgroup=all&style=hostdetail&hoststatustypes=12&hostprops=262144",
			monitor.Soft: "/status.cgi?hostgroup=all&style=hostdetail&hoststatustypes=12&hostprops=524288",
		},
		Services: map[monitor.StateType]string{
			monitor.Hard: "/status.cgi?host=all&servicestatustypes=253&serviceprops=262144",
			monitor.Soft: "/status.cgi?host=all&servicestatustypes=253&serviceprops=524288",
		},
	}
	currentURLs = nagios.StatusURLs{
		Hosts: map[monitor.StateType]string{
			monitor.Hard: "/status.cgi?style=hostdetail&hoststatustypes=12&hostprops=262144",
			monitor.Soft: "/status.cgi?style=hostdetail&hoststatustypes=12&hostprops=524288",
		},
		Services: map[monitor.StateType]string{
			monitor.Hard: "/status.cgi?style=servicedetail&servicestatustypes=253&serviceprops=262144",
			monitor.Soft: "/status.cgi?style=servicedetail&servicestatustypes=253&serviceprops=524288",
		},
	}
)

// Adapter implements adapter.Adapter for Icinga 1.x.
type Adapter struct {
	*nagios.Adapter

	mu       sync.Mutex
	detected bool
	json     bool
	version  string
}

// New creates an Icinga adapter.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	n, err := nagios.NewAdapter(settings, deps, nagios.Capabilities)
	if err != nil {
		return nil, err
	}

	// Icinga 1.11 rejects commands without it.
	n.Session().SetHeader("Referer", n.CGIURL+"/cmd.cgi")

	return &Adapter{Adapter: n}, nil
}

// ResetTransport implements the adapter.Adapter interface.
// The server is examined again as it might have been upgraded.
func (a *Adapter) ResetTransport() {
	a.mu.Lock()
	a.detected = false
	a.mu.Unlock()

	a.Adapter.ResetTransport()
}

// Version returns the Icinga version found by the last detection.
func (a *Adapter) Version() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.version
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	useJSON, err := a.detect(ctx)
	if err != nil {
		return nil, err
	}

	if !useJSON {
		return a.Adapter.GetStatus(ctx)
	}

	return a.getStatusJSON(ctx)
}

// detect determines version and JSON support from tac.cgi once per session.
func (a *Adapter) detect(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detected {
		return a.json, nil
	}

	r := a.Fetch(ctx, session.Request{URL: a.CGIURL + "/tac.cgi?jsonoutput"})
	if err := a.CheckAuth(r); err != nil {
		return false, errors.Wrap(err, "can't determine Icinga version")
	}

	body := strings.TrimSpace(r.Body())
	switch {
	case strings.HasPrefix(body, "{"):
		var tac struct {
			Version string `json:"cgi_json_version"`
		}
		if err := json.Unmarshal([]byte(body), &tac); err != nil || tac.Version == "" {
			a.version, a.json = legacyVersion, false
		} else {
			a.version, a.json = tac.Version, true
		}
	case strings.HasPrefix(body, "<"):
		a.version, a.json = htmlVersion(body), false
	default:
		return false, errors.New("can't determine Icinga version: unexpected tac.cgi response")
	}

	urls := currentURLs
	if adapter.VersionLess(a.version, "1.7") {
		urls = legacyURLs
	}
	if a.json {
		urls = withJSONOutput(urls)
	}

	a.URLs = urls
	a.detected = true
	a.Logger().Infow("Detected Icinga", "version", a.version, "json", a.json)

	return a.json, nil
}

// htmlVersion reads the version from the homepage link, e.g. "Icinga 1.5.1".
func htmlVersion(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return legacyVersion
	}

	link := scrape.Find(doc, scrape.WithClass(atom.A, "homepageURL"))
	if _, v, ok := strings.Cut(scrape.Text(link), "Icinga "); ok && v != "" {
		return strings.Fields(v)[0]
	}

	return legacyVersion
}

func withJSONOutput(urls nagios.StatusURLs) nagios.StatusURLs {
	out := nagios.StatusURLs{Hosts: map[monitor.StateType]string{}, Services: map[monitor.StateType]string{}}
	for st, u := range urls.Hosts {
		out.Hosts[st] = u + "&jsonoutput"
	}
	for st, u := range urls.Services {
		out.Services[st] = u + "&jsonoutput"
	}

	return out
}

type jsonObject struct {
	HostName             string `json:"host_name"`
	Host                 string `json:"host"`
	HostDisplayName      string `json:"host_display_name"`
	Status               string `json:"status"`
	LastCheck            string `json:"last_check"`
	Duration             string `json:"duration"`
	Attempts             string `json:"attempts"`
	StatusInformation    string `json:"status_information"`
	ActiveChecksEnabled  bool   `json:"active_checks_enabled"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	IsFlapping           bool   `json:"is_flapping"`
	HasBeenAcknowledged  bool   `json:"has_been_acknowledged"`
	InScheduledDowntime  bool   `json:"in_scheduled_downtime"`
	ServiceDescription   string `json:"service_description"`
	Description          string `json:"description"`
	Service              string `json:"service"`
	ServiceDisplayName   string `json:"service_display_name"`
}

func (o jsonObject) hostName() string {
	if o.HostName != "" {
		return o.HostName
	}

	return o.Host
}

func (o jsonObject) serviceName() string {
	for _, n := range []string{o.ServiceDescription, o.Description, o.Service} {
		if n != "" {
			return n
		}
	}

	return ""
}

func (o jsonObject) apply(e *monitor.Entity, st monitor.StateType) {
	e.StatusType = st
	e.LastCheck = o.LastCheck
	e.Duration = o.Duration
	e.Attempt = strings.TrimSpace(o.Attempts)
	e.StatusInformation = strings.TrimSpace(strings.ReplaceAll(o.StatusInformation, "\n", " "))
	e.Passiveonly = !o.ActiveChecksEnabled
	e.NotificationsDisabled = !o.NotificationsEnabled
	e.Flapping = o.IsFlapping
	e.Acknowledged = o.HasBeenAcknowledged
	e.ScheduledDowntime = o.InScheduledDowntime
}

type jsonStatus struct {
	Status struct {
		HostStatus    []jsonObject `json:"host_status"`
		ServiceStatus []jsonObject `json:"service_status"`
	} `json:"status"`
}

func (a *Adapter) getStatusJSON(ctx context.Context) (monitor.Hosts, error) {
	s := a.Settings()
	hosts := monitor.Hosts{}

	for _, st := range []monitor.StateType{monitor.Hard, monitor.Soft} {
		var status jsonStatus
		if err := a.fetchJSON(ctx, a.URLs.Hosts[st], &status); err != nil {
			return nil, errors.Wrap(err, "can't fetch hosts")
		}

		for _, o := range status.Status.HostStatus {
			name := o.hostName()
			if s.UseDisplayNameHost && o.HostDisplayName != "" {
				name = o.HostDisplayName
			}

			if _, ok := hosts[name]; ok || name == "" {
				continue
			}

			state, err := monitor.ParseState(o.Status)
			if err != nil {
				a.Logger().Debugw("Skipping host", "host", name, "error", err)
				continue
			}

			h := monitor.NewHost(name, a.Name())
			h.RealName = o.hostName()
			h.Status = state
			o.apply(&h.Entity, st)
			hosts.AddHost(h)
		}
	}

	for _, st := range []monitor.StateType{monitor.Hard, monitor.Soft} {
		var status jsonStatus
		if err := a.fetchJSON(ctx, a.URLs.Services[st], &status); err != nil {
			return nil, errors.Wrap(err, "can't fetch services")
		}

		for _, o := range status.Status.ServiceStatus {
			hostName := o.hostName()
			if s.UseDisplayNameHost && o.HostDisplayName != "" {
				hostName = o.HostDisplayName
			}

			name := o.serviceName()
			if s.UseDisplayNameService && o.ServiceDisplayName != "" {
				name = o.ServiceDisplayName
			}

			if hostName == "" || name == "" {
				continue
			}

			state, err := monitor.ParseState(o.Status)
			if err != nil {
				a.Logger().Debugw("Skipping service", "host", hostName, "service", name, "error", err)
				continue
			}

			if _, ok := hosts[hostName]; !ok {
				hosts.Ensure(hostName, a.Name()).RealName = o.hostName()
			}

			if _, ok := hosts[hostName].Services[name]; ok {
				continue
			}

			svc := monitor.NewService(hostName, name, a.Name())
			svc.RealName = o.serviceName()
			svc.Status = state
			o.apply(&svc.Entity, st)
			hosts.AddService(svc)
		}
	}

	return hosts, nil
}

func (a *Adapter) fetchJSON(ctx context.Context, path string, into interface{}) error {
	r := a.Fetch(ctx, session.Request{URL: a.CGIURL + path})
	if err := a.CheckAuth(r); err != nil {
		return err
	}

	body := strings.ReplaceAll(r.Body(), "\n", "")
	if strings.HasPrefix(strings.TrimSpace(body), "<") {
		return a.AuthFailed("got HTML instead of JSON from %s", path)
	}

	return errors.Wrap(json.Unmarshal([]byte(body), into), "can't parse JSON")
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
