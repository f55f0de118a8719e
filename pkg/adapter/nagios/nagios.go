// Package nagios scrapes the status.cgi pages of classic Nagios
// and controls it through cmd.cgi.
package nagios

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/scrape"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Type is the registry name of this backend.
const Type = "Nagios"

// Capabilities of classic CGI backends.
var Capabilities = adapter.Capabilities{
	Actions:     adapter.AllActions,
	StatusIcons: adapter.NagiosStatusIcons,
}

// StatusURLs are the status.cgi queries relative to the CGI URL, by state type.
type StatusURLs struct {
	Hosts    map[monitor.StateType]string
	Services map[monitor.StateType]string
}

// DefaultStatusURLs query classic Nagios for problems split into hard and soft states.
var DefaultStatusURLs = StatusURLs{
	Hosts: map[monitor.StateType]string{
		monitor.Hard: "/status.cgi?hostgroup=all&style=hostdetail&hoststatustypes=12&hostprops=262144&limit=0",
		monitor.Soft: "/status.cgi?hostgroup=all&style=hostdetail&hoststatustypes=12&hostprops=524288&limit=0",
	},
	Services: map[monitor.StateType]string{
		monitor.Hard: "/status.cgi?host=all&servicestatustypes=253&serviceprops=262144&limit=0",
		monitor.Soft: "/status.cgi?host=all&servicestatustypes=253&serviceprops=524288&limit=0",
	},
}

var stateTypes = []monitor.StateType{monitor.Hard, monitor.Soft}

// Adapter implements adapter.Adapter for Nagios.
type Adapter struct {
	*adapter.Base
	Commands

	URLs StatusURLs
}

// New creates a Nagios adapter.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	return NewAdapter(settings, deps, Capabilities)
}

// NewAdapter creates a Nagios adapter with the given capabilities
// for backends which build on the classic CGIs.
func NewAdapter(settings adapter.Settings, deps adapter.Deps, capabilities adapter.Capabilities) (*Adapter, error) {
	base, err := adapter.NewBase(settings, capabilities, deps)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		Base:     base,
		Commands: Commands{Base: base, CGIURL: settings.CGIURL()},
		URLs:     DefaultStatusURLs,
	}, nil
}

// GetStatus implements the adapter.Adapter interface.
// The state type of a row is the one of the URL it came from.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	hosts := monitor.Hosts{}

	for _, st := range stateTypes {
		doc, err := a.fetch(ctx, a.URLs.Hosts[st])
		if err != nil {
			return nil, errors.Wrap(err, "can't fetch hosts")
		}

		if err := a.parseHosts(doc, st, hosts); err != nil {
			return nil, errors.Wrap(err, "can't parse hosts")
		}
	}

	for _, st := range stateTypes {
		doc, err := a.fetch(ctx, a.URLs.Services[st])
		if err != nil {
			return nil, errors.Wrap(err, "can't fetch services")
		}

		if err := a.parseServices(doc, st, hosts); err != nil {
			return nil, errors.Wrap(err, "can't parse services")
		}
	}

	return hosts, nil
}

func (a *Adapter) fetch(ctx context.Context, path string) (*html.Node, error) {
	r := a.Fetch(ctx, session.Request{URL: a.CGIURL + path, Giveback: session.HTML})
	if err := a.CheckAuth(r); err != nil {
		return nil, err
	}

	return r.Result.(*html.Node), nil
}

// StatusRows returns the data rows of the status table, without its header.
func StatusRows(doc *html.Node) ([][]*html.Node, error) {
	table := scrape.Find(doc, scrape.WithClass(atom.Table, "status"))
	if table == nil {
		return nil, errors.New("status table not found")
	}

	trs := scrape.Children(table, atom.Tr)
	for _, tbody := range scrape.Children(table, atom.Tbody) {
		trs = append(trs, scrape.Children(tbody, atom.Tr)...)
	}

	var rows [][]*html.Node
	for i, tr := range trs {
		if i == 0 {
			continue
		}

		if tds := scrape.Children(tr, atom.Td); len(tds) > 1 {
			rows = append(rows, tds)
		}
	}

	return rows, nil
}

// parseHosts fails if the page has no status table, e.g. a login page served with 200 OK.
func (a *Adapter) parseHosts(doc *html.Node, st monitor.StateType, hosts monitor.Hosts) error {
	rows, err := StatusRows(doc)
	if err != nil {
		return err
	}

	for _, tds := range rows {
		if len(tds) < 5 {
			a.Logger().Debugw("Skipping short host row", "columns", len(tds))
			continue
		}

		name := hostName(tds[0])
		if name == "" {
			continue
		}

		if _, ok := hosts[name]; ok {
			continue
		}

		status, err := stateOrSkip(scrape.Text(tds[1]))
		if err != nil {
			a.Logger().Debugw("Can't parse host row", "host", name, "error", err)
			continue
		}

		h := monitor.NewHost(name, a.Name())
		h.Status = status
		h.StatusType = st
		h.LastCheck = scrape.Text(tds[2])
		h.Duration = scrape.Text(tds[3])

		// Nagios shows 5 columns, Icinga 7 including the attempt.
		if len(tds) < 7 {
			h.Attempt = "N/A"
			h.StatusInformation = scrape.Text(tds[4])
		} else {
			h.Attempt = scrape.Text(tds[4])
			h.StatusInformation = scrape.Text(tds[5])
		}

		a.Capabilities().ApplyIcons(&h.Entity, scrape.ImageNames(tds[0]))
		hosts.AddHost(h)
	}

	return nil
}

func (a *Adapter) parseServices(doc *html.Node, st monitor.StateType, hosts monitor.Hosts) error {
	rows, err := StatusRows(doc)
	if err != nil {
		return err
	}

	var lastHost string
	for _, tds := range rows {
		if len(tds) < 7 {
			a.Logger().Debugw("Skipping short service row", "columns", len(tds))
			continue
		}

		// The host column is left empty for consecutive services of the same host.
		hostname := scrape.FirstText(tds[0])
		if hostname == "" {
			hostname = lastHost
		}
		if hostname == "" {
			continue
		}
		lastHost = hostname

		name := scrape.FirstText(tds[1])
		if name == "" {
			continue
		}

		status, err := stateOrSkip(scrape.FirstText(tds[2]))
		if err != nil {
			a.Logger().Debugw("Can't parse service row", "host", hostname, "service", name, "error", err)
			continue
		}

		if _, ok := hosts[hostname]; !ok {
			h := hosts.Ensure(hostname, a.Name())
			a.Capabilities().ApplyIcons(&h.Entity, scrape.ImageNames(tds[0]))
		}

		if _, ok := hosts[hostname].Services[name]; ok {
			continue
		}

		s := monitor.NewService(hostname, name, a.Name())
		s.Status = status
		s.StatusType = st
		s.LastCheck = scrape.FirstText(tds[3])
		s.Duration = scrape.FirstText(tds[4])
		s.Attempt = scrape.FirstText(tds[5])
		s.StatusInformation = scrape.Text(tds[6])
		a.Capabilities().ApplyIcons(&s.Entity, scrape.ImageNames(tds[1]))

		hosts.AddService(s)
	}

	return nil
}

// hostName extracts the host name from the nested host cell.
func hostName(td *html.Node) string {
	if link := scrape.Find(td, scrape.Element(atom.A)); link != nil {
		if name := scrape.Text(link); name != "" {
			return name
		}
	}

	return scrape.FirstText(td)
}

// GetStartEnd implements the adapter.Adapter interface.
func (a *Adapter) GetStartEnd(ctx context.Context, host string) (string, string) {
	return a.Commands.StartEnd(ctx, host)
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
