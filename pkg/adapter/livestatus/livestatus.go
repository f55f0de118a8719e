// Package livestatus queries MK Livestatus over TCP or a UNIX socket.
package livestatus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/pkg/errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Type is the registry name of this backend.
const Type = "Livestatus"

// DefaultPort is used if the monitor URL doesn't name one.
const DefaultPort = 6558

// BufferSize is the read buffer for query responses.
const BufferSize = 1 << 20

// Capabilities of Livestatus.
var Capabilities = adapter.Capabilities{
	Actions:          []adapter.Action{adapter.ActionRecheck, adapter.ActionAcknowledge, adapter.ActionSubmitCheckResult, adapter.ActionDowntime},
	DisabledControls: []string{"monitor_cgi_url", "username", "password", "use_proxy"},
}

var (
	hostColumns = []string{
		"name", "display_name", "address", "state", "last_hard_state", "last_check", "last_state_change",
		"plugin_output", "current_attempt", "max_check_attempts", "active_checks_enabled",
		"notifications_enabled", "is_flapping", "acknowledged", "scheduled_downtime_depth",
	}
	serviceColumns = []string{
		"host_name", "description", "display_name", "state", "last_hard_state", "last_check",
		"last_state_change", "plugin_output", "current_attempt", "max_check_attempts", "active_checks_enabled",
		"notifications_enabled", "is_flapping", "acknowledged", "scheduled_downtime_depth",
	}
)

var hostStates = map[int]monitor.State{0: monitor.StateUp, 1: monitor.StateDown, 2: monitor.StateUnreachable}

var serviceStates = map[int]monitor.State{
	0: monitor.StateOk, 1: monitor.StateWarning, 2: monitor.StateCritical, 3: monitor.StateUnknown,
}

// Adapter implements adapter.Adapter for Livestatus.
type Adapter struct {
	*adapter.Base

	network string
	address string
	dialer  net.Dialer
}

// New creates a Livestatus adapter. The monitor URL is tcp://host[:port] or unix:///path/to/socket.
func New(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	base, err := adapter.NewBase(settings, Capabilities, deps)
	if err != nil {
		return nil, err
	}

	network, address, err := ParseAddress(settings.MonitorURL)
	if err != nil {
		return nil, errors.Wrapf(err, "server %q", settings.Name)
	}

	return &Adapter{Base: base, network: network, address: address}, nil
}

// ParseAddress returns the network and address to dial for rawURL.
func ParseAddress(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrapf(err, "can't parse monitor URL %q", rawURL)
	}

	if u.Scheme == "unix" {
		if u.Path == "" {
			return "", "", errors.Errorf("socket path missing in %q", rawURL)
		}

		return "unix", u.Path, nil
	}

	if u.Hostname() == "" {
		return "", "", errors.Errorf("host missing in monitor URL %q", rawURL)
	}

	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}

	return "tcp", net.JoinHostPort(u.Hostname(), port), nil
}

// InitializeTransport implements the adapter.Adapter interface.
// Every query opens its own connection, so there is nothing to prepare.
func (a *Adapter) InitializeTransport(context.Context) error {
	a.SetNeedsAuthentication(false)

	return nil
}

// GetStatus implements the adapter.Adapter interface.
func (a *Adapter) GetStatus(ctx context.Context) (monitor.Hosts, error) {
	filters := []string{"Filter: state != 0"}
	if a.FilterAcknowledged() {
		filters = append(filters, "Filter: acknowledged != 1")
	}

	hostRows, err := a.Query(ctx, "hosts", hostColumns, filters...)
	if err != nil {
		return nil, errors.Wrap(err, "can't query hosts")
	}

	serviceRows, err := a.Query(ctx, "services", serviceColumns, filters...)
	if err != nil {
		return nil, errors.Wrap(err, "can't query services")
	}

	now := a.Now()
	hosts := monitor.Hosts{}

	for _, r := range hostRows {
		state, ok := hostStates[r.Int("state")]
		if !ok {
			a.Logger().Debugw("Skipping host with unknown state", "host", r.String("name"), "state", r.Int("state"))
			continue
		}

		h := monitor.NewHost(r.String("name"), a.Name())
		h.Status = state
		h.Address = r.String("address")
		r.apply(&h.Entity, now)
		hosts.AddHost(h)
	}

	for _, r := range serviceRows {
		state, ok := serviceStates[r.Int("state")]
		if !ok {
			a.Logger().Debugw("Skipping service with unknown state",
				"host", r.String("host_name"), "service", r.String("description"), "state", r.Int("state"))
			continue
		}

		hostName := r.String("host_name")
		hosts.Ensure(hostName, a.Name())

		name := r.String("display_name")
		if name == "" {
			name = r.String("description")
		}

		s := monitor.NewService(hostName, name, a.Name())
		s.RealName = r.String("description")
		s.Status = state
		r.apply(&s.Entity, now)
		hosts.AddService(s)
	}

	return hosts, nil
}

// GetHost implements the adapter.Adapter interface using the address Livestatus knows.
func (a *Adapter) GetHost(ctx context.Context, host string) monitor.Result {
	rows, err := a.Query(ctx, "hosts", []string{"address"}, "Filter: name = "+host)
	if err != nil {
		return monitor.ErrorResult(err)
	}

	if len(rows) == 0 {
		return monitor.ErrorResult(errors.Wrapf(adapter.ErrNotFound, "host %q", host))
	}

	return a.ResolveHost(ctx, host, rows[0].String("address"))
}

// Row is one record of a query response keyed by column name.
type Row map[string]interface{}

// String returns the column as string.
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Int returns the column as integer.
func (r Row) Int(column string) int {
	switch v := r[column].(type) {
	case float64:
		return int(v)
	case string:
		i, _ := strconv.Atoi(v)

		return i
	default:
		return 0
	}
}

func (r Row) apply(e *monitor.Entity, now time.Time) {
	e.LastCheck = monitor.FormatTime(int64(r.Int("last_check")))
	e.Duration = monitor.Since(int64(r.Int("last_state_change")), now)
	e.Attempt = monitor.FormatAttempt(r.Int("current_attempt"), r.Int("max_check_attempts"))
	e.StatusInformation = r.String("plugin_output")
	e.Passiveonly = r.Int("active_checks_enabled") == 0
	e.NotificationsDisabled = r.Int("notifications_enabled") != 1
	e.Flapping = r.Int("is_flapping") == 1
	e.Acknowledged = r.Int("acknowledged") == 1
	e.ScheduledDowntime = r.Int("scheduled_downtime_depth") > 0

	e.StatusType = monitor.Soft
	if r.Int("state") == r.Int("last_hard_state") {
		e.StatusType = monitor.Hard
	}
}

// Query runs a GET on table and returns the rows zipped with the column headers.
func (a *Adapter) Query(ctx context.Context, table string, columns []string, filters ...string) ([]Row, error) {
	lines := []string{"GET " + table}
	if len(columns) > 0 {
		lines = append(lines, "Columns: "+strings.Join(columns, " "))
	}
	lines = append(lines, filters...)
	lines = append(lines, "OutputFormat: json", "ColumnHeaders: on")

	body, err := a.communicate(ctx, lines, true)
	if err != nil {
		return nil, err
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var grid [][]interface{}
	if err := json.Unmarshal(body, &grid); err != nil {
		return nil, errors.Wrap(err, "can't parse JSON")
	}

	if len(grid) == 0 {
		return nil, nil
	}

	header := make([]string, 0, len(grid[0]))
	for _, h := range grid[0] {
		header = append(header, fmt.Sprint(h))
	}

	rows := make([]Row, 0, len(grid)-1)
	for _, values := range grid[1:] {
		row := make(Row, len(header))
		for i, v := range values {
			if i < len(header) {
				row[header[i]] = v
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// Command sends external commands. Each is prefixed with "COMMAND [timestamp] ".
func (a *Adapter) Command(ctx context.Context, commands ...string) error {
	ts := strconv.FormatInt(a.Now().Unix(), 10)

	lines := make([]string, 0, len(commands))
	for _, c := range commands {
		lines = append(lines, "COMMAND ["+ts+"] "+c)
	}

	_, err := a.communicate(ctx, lines, false)

	return err
}

// communicate sends lines over a fresh connection and, if response is set, reads until EOF.
func (a *Adapter) communicate(ctx context.Context, lines []string, response bool) ([]byte, error) {
	conn, err := a.dialer.DialContext(ctx, a.network, a.address)
	if err != nil {
		return nil, errors.Wrapf(err, "can't connect to %s", a.address)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	a.Logger().Debugw("Livestatus request", "query", lines[0])

	if _, err := io.WriteString(conn, strings.Join(lines, "\n")+"\n\n"); err != nil {
		return nil, errors.Wrap(err, "can't send query")
	}

	if !response {
		return nil, nil
	}

	body, err := io.ReadAll(bufio.NewReaderSize(conn, BufferSize))
	if err != nil {
		return nil, errors.Wrap(err, "can't read response")
	}

	return body, nil
}

// SetRecheck implements the adapter.Adapter interface.
func (a *Adapter) SetRecheck(ctx context.Context, t adapter.Target) error {
	ts := strconv.FormatInt(a.Now().Unix(), 10)
	if t.IsService() {
		return a.Command(ctx, join("SCHEDULE_FORCED_SVC_CHECK", t.Host, t.Service, ts))
	}

	return a.Command(ctx, join("SCHEDULE_FORCED_HOST_CHECK", t.Host, ts))
}

// SetAcknowledge implements the adapter.Adapter interface.
func (a *Adapter) SetAcknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	sticky := "1"
	if req.Sticky {
		sticky = "2"
	}

	var commands []string
	for _, t := range req.Targets() {
		if t.IsService() {
			commands = append(commands, join("ACKNOWLEDGE_SVC_PROBLEM", t.Host, t.Service,
				sticky, flag(req.Notify), flag(req.Persistent), req.Author, req.Comment))
		} else {
			commands = append(commands, join("ACKNOWLEDGE_HOST_PROBLEM", t.Host,
				sticky, flag(req.Notify), flag(req.Persistent), req.Author, req.Comment))
		}
	}

	return a.Command(ctx, commands...)
}

// SetDowntime implements the adapter.Adapter interface.
func (a *Adapter) SetDowntime(ctx context.Context, req adapter.DowntimeRequest) error {
	start, end, err := req.Window(a.Now())
	if err != nil {
		return err
	}

	window := []string{
		strconv.FormatInt(start.Unix(), 10),
		strconv.FormatInt(end.Unix(), 10),
		flag(req.Fixed),
		"0",
		strconv.Itoa(int(req.Duration() / time.Second)),
		req.Author,
		req.Comment,
	}

	if req.Service != "" {
		return a.Command(ctx, join("SCHEDULE_SVC_DOWNTIME", append([]string{req.Host, req.Service}, window...)...))
	}

	return a.Command(ctx, join("SCHEDULE_HOST_DOWNTIME", append([]string{req.Host}, window...)...))
}

// SetSubmitCheckResult implements the adapter.Adapter interface.
func (a *Adapter) SetSubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	code := strconv.Itoa(adapter.NagiosStateCode(req.State))
	if req.Service != "" {
		return a.Command(ctx, join("PROCESS_SERVICE_CHECK_RESULT", req.Host, req.Service, code, req.Output()))
	}

	return a.Command(ctx, join("PROCESS_HOST_CHECK_RESULT", req.Host, code, req.Output()))
}

var lineBreaks = strings.NewReplacer("\n", " ", "\r", " ")

// join builds an external command line. Newlines would end the command early.
func join(name string, args ...string) string {
	parts := append([]string{name}, args...)
	for i, p := range parts {
		parts[i] = lineBreaks.Replace(p)
	}

	return strings.Join(parts, ";")
}

func flag(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

// Assert interface compliance.
var (
	_ adapter.Adapter = (*Adapter)(nil)
)
