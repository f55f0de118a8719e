// Package zabbix reads active problems through the Zabbix JSON-RPC API.
package zabbix

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// Type is the registry name of this backend.
const Type = "ZabbixProblemBased"

// Capabilities of Zabbix.
var Capabilities = adapter.Capabilities{
	Actions: []adapter.Action{adapter.ActionMonitor, adapter.ActionAcknowledge},
}

// severities maps trigger severities to states.
var severities = map[string]monitor.State{
	"0": monitor.StateOk,
	"1": monitor.StateInformation,
	"2": monitor.StateWarning,
	"3": monitor.StateAverage,
	"4": monitor.StateHigh,
	"5": monitor.StateDisaster,
}

// unavailable is the availability value of an interface which can't be reached.
const unavailable = "2"

// API versions which changed the interface.
const (
	versionInterfaces = "5.4.0"
	versionSuppressed = "6.2.0"
	versionUsername   = "6.4.0"
)

// RPCError is an error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("%s %s (%d)", e.Message, e.Data, e.Code)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
	Auth    string      `json:"auth,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type problem struct {
	EventID      string `json:"eventid"`
	ObjectID     string `json:"objectid"`
	Name         string `json:"name"`
	OpData       string `json:"opdata"`
	Severity     string `json:"severity"`
	Clock        string `json:"clock"`
	Acknowledged string `json:"acknowledged"`
}

// availability is reported per host up to 5.2 and per interface since 5.4.
type availability struct {
	Available  string `json:"available"`
	Error      string `json:"error"`
	ErrorsFrom string `json:"errors_from"`
}

type triggerHost struct {
	HostID            string `json:"hostid"`
	Name              string `json:"name"`
	MaintenanceStatus string `json:"maintenance_status"`

	availability
	IPMIAvailable  string `json:"ipmi_available"`
	IPMIError      string `json:"ipmi_error"`
	IPMIErrorsFrom string `json:"ipmi_errors_from"`
	JMXAvailable   string `json:"jmx_available"`
	JMXError       string `json:"jmx_error"`
	JMXErrorsFrom  string `json:"jmx_errors_from"`
	SNMPAvailable  string `json:"snmp_available"`
	SNMPError      string `json:"snmp_error"`
	SNMPErrorsFrom string `json:"snmp_errors_from"`
}

// interfaces returns the availability of the agent, IPMI, JMX and SNMP interfaces.
func (h triggerHost) interfaces() []availability {
	return []availability{
		h.availability,
		{Available: h.IPMIAvailable, Error: h.IPMIError, ErrorsFrom: h.IPMIErrorsFrom},
		{Available: h.JMXAvailable, Error: h.JMXError, ErrorsFrom: h.JMXErrorsFrom},
		{Available: h.SNMPAvailable, Error: h.SNMPError, ErrorsFrom: h.SNMPErrorsFrom},
	}
}

type trigger struct {
	Hosts []triggerHost `json:"hosts"`
	Items []struct {
		Key       string `json:"key_"`
		LastClock string `json:"lastclock"`
	} `json:"items"`
}

var hostFields = []string{
	"hostid", "name", "maintenance_status",
	"available", "error", "errors_from",
	"ipmi_available", "ipmi_error", "ipmi_errors_from",
	"jmx_available", "jmx_error", "jmx_errors_from",
	"snmp_available", "snmp_error", "snmp_errors_from",
}

// Adapter implements adapter.Adapter for Zabbix.
type Adapter struct {
	*adapter.Base

	mu      sync.Mutex // Protects the fields below.
	token   string
	version string
	nextID  uint64
	// events maps host and service name to the event id of the last refresh.
	events map[adapter.Target]string
}

// New creates a Zabbix adapter. The monitor URL points to the frontend, e.g. https://zabbix/zabbix.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	return &Adapter{Base: base, events: map[adapter.Target]string{}}, nil
}

// Version returns the API version found by the last refresh.
func (a *Adapter) Version() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.version
}

// ResetTransport implements the adapter.Adapter interface.
func (a *Adapter) ResetTransport() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()

	a.Base.ResetTransport()
}

// call invokes method and decodes its result into into.
// Unless anonymous, the session token is sent as auth field or, since 6.4, as bearer token.
func (a *Adapter) call(ctx context.Context, method string, params interface{}, into interface{}, anonymous bool) error {
	a.mu.Lock()
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: a.nextID}
	a.nextID++
	token, ver := a.token, a.version
	a.mu.Unlock()

	var header http.Header
	if !anonymous && token != "" {
		if adapter.VersionLess(ver, versionUsername) {
			req.Auth = token
		} else {
			header = http.Header{"Authorization": {"Bearer " + token}}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "can't encode %s", method)
	}

	var resp rpcResponse
	r := a.Fetch(ctx, session.Request{
		Method:      http.MethodPost,
		URL:         a.Settings().BaseURL() + "/api_jsonrpc.php",
		Body:        body,
		ContentType: "application/json-rpc",
		Header:      header,
		Giveback:    session.JSON,
		Into:        &resp,
	})
	if err := a.CheckAuth(r); err != nil {
		return errors.Wrapf(err, "can't call %s", method)
	}

	if resp.Error != nil {
		return errors.Wrapf(resp.Error, "%s failed", method)
	}

	if into != nil {
		if err := json.Unmarshal(resp.Result, into); err != nil {
			return errors.Wrapf(err, "can't decode result of %s", method)
		}
	}

	return nil
}

// login obtains a session token. The user parameter was renamed in 6.4.
func (a *Adapter) login(ctx context.Context) error {
	s := a.Settings()

	userParam := "username"
	if adapter.VersionLess(a.Version(), versionUsername) {
		userParam = "user"
	}

	var token string
	err := a.call(ctx, "user.login", map[string]string{userParam: s.Username, "password": s.Password}, &token, true)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return a.AuthFailed("%s", err)
		}

		return err
	}

	a.mu.Lock()
	a.token = token
	a.mu.Unlock()

	return nil
}

// loggedIn checks the session token, dropping it if it has expired.
func (a *Adapter) loggedIn(ctx context.Context) bool {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	if token == "" {
		return false
	}

	var info json.RawMessage
	if err := a.call(ctx, "user.checkAuthentication", map[string]string{"sessionid": token}, &info, true); err != nil {
		a.Logger().Debugw("Session expired", "error", err)

		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()

		return false
	}

	return true
}

// InitializeTransport implements the adapter.Adapter interface.
func (a *Adapter) InitializeTransport(ctx context.Context) error {
	if err := a.readVersion(ctx); err != nil {
		return err
	}

	if a.loggedIn(ctx) {
		a.SetNeedsAuthentication(false)

		return nil
	}

	return a.Login(ctx, a.login)
}

// readVersion reads the API version, which may change with an upgrade at any time.
func (a *Adapter) readVersion(ctx context.Context) error {
	var ver string
	if err := a.call(ctx, "apiinfo.version", map[string]string{}, &ver, true); err != nil {
		return errors.Wrap(err, "can't determine Zabbix version")
	}

	a.mu.Lock()
	a.version = ver
	a.mu.Unlock()

	return nil
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	if err := a.InitializeTransport(ctx); err != nil {
		return nil, err
	}

	ver := a.Version()

	params := map[string]interface{}{"recent": false}
	if a.FilterAcknowledged() {
		params["acknowledged"] = false
		if !adapter.VersionLess(ver, versionSuppressed) {
			params["suppressed"] = false
		}
	}

	var problems []problem
	if err := a.call(ctx, "problem.get", params, &problems, false); err != nil {
		return nil, errors.Wrap(err, "can't fetch problems")
	}

	now := a.Now()
	hosts := monitor.Hosts{}
	events := map[adapter.Target]string{}

	for _, p := range problems {
		var triggers []trigger
		err := a.call(ctx, "trigger.get", map[string]interface{}{
			"triggerids":    p.ObjectID,
			"monitored":     true,
			"active":        true,
			"skipDependent": true,
			"selectHosts":   hostFields,
			"selectItems":   []string{"key_", "lastclock"},
		}, &triggers, false)
		if err != nil {
			return nil, errors.Wrapf(err, "can't fetch trigger of problem %s", p.EventID)
		}

		// Triggers of removed or unmonitored hosts are gone while their problems linger.
		if len(triggers) == 0 || len(triggers[0].Hosts) == 0 {
			continue
		}

		t := triggers[0]
		th := t.Hosts[0]

		h, ok := hosts[th.Name]
		if !ok {
			h = monitor.NewHost(th.Name, a.Name())
			h.ID = th.HostID
			h.ScheduledDowntime = th.MaintenanceStatus == "1"

			ifaces := th.interfaces()
			if !adapter.VersionLess(ver, versionInterfaces) {
				ifaces = nil
				if err := a.call(ctx, "hostinterface.get", map[string]string{"hostids": th.HostID}, &ifaces, false); err != nil {
					return nil, errors.Wrapf(err, "can't fetch interfaces of host %s", th.Name)
				}
			}

			for _, iface := range ifaces {
				if iface.Available == unavailable {
					h.Status = monitor.StateDown
					h.StatusInformation = iface.Error
					h.Duration = monitor.Since(atoi(iface.ErrorsFrom), now)

					break
				}
			}

			hosts.AddHost(h)
		}

		state, ok := severities[p.Severity]
		if !ok {
			a.Logger().Debugw("Skipping problem", "eventid", p.EventID, "error", monitor.BadState{State: p.Severity})
			continue
		}

		name := p.Name
		lastCheck := "n/a"
		if len(t.Items) > 0 {
			name = t.Items[0].Key
			lastCheck = monitor.FormatTime(atoi(t.Items[0].LastClock))
		}
		if _, ok := h.Services[name]; ok {
			name += " [" + p.EventID + "]"
		}

		svc := monitor.NewService(h.Name, name, a.Name())
		svc.ID = p.EventID
		svc.Status = state
		svc.Duration = monitor.Since(atoi(p.Clock), now)
		svc.LastCheck = lastCheck
		svc.Attempt = "1/1"
		svc.StatusInformation = p.Name
		if p.OpData != "" {
			svc.StatusInformation += " (" + p.OpData + ")"
		}
		svc.Acknowledged = p.Acknowledged == "1"

		hosts.AddService(svc)
		events[adapter.Target{Host: h.Name, Service: name}] = p.EventID
	}

	a.mu.Lock()
	a.events = events
	a.mu.Unlock()

	return hosts, nil
}

// SetAcknowledge implements the adapter.Adapter interface.
// Only problems, which are services here, can be acknowledged.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	var eventIDs []string

	a.mu.Lock()
	for _, t := range req.Targets() {
		if id, ok := a.events[t]; ok {
			eventIDs = append(eventIDs, id)
		}
	}
	a.mu.Unlock()

	if len(eventIDs) == 0 {
		return errors.Wrapf(adapter.ErrNotFound, "no problem to acknowledge on %q", req.Host)
	}

	// Acknowledge (2) and add message (4).
	return a.call(ctx, "event.acknowledge", map[string]interface{}{
		"eventids": eventIDs,
		"action":   6,
		"message":  req.Author + ": " + req.Comment,
	}, nil, false)
}

// MonitorURL implements the adapter.Adapter interface.
func (a *Adapter) MonitorURL(t adapter.Target) string {
	return a.Settings().BaseURL() + "/zabbix.php?action=problem.view&filter_set=1&filter_hosts%5B%5D=" + url.QueryEscape(t.Host)
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)

	return n
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
	_ error           = (*RPCError)(nil)
)
