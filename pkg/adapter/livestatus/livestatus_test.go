package livestatus

import (
	"bufio"
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

const hostsResponse = `[["name","display_name","address","state","last_hard_state","last_check","last_state_change",
"plugin_output","current_attempt","max_check_attempts","active_checks_enabled","notifications_enabled","is_flapping",
"acknowledged","scheduled_downtime_depth"],
["web01","web01","10.0.0.1",1,1,1714557600,1714554000,"CRITICAL - Host unreachable",3,3,1,1,0,0,0],
["gw01","gw01","10.0.0.254",2,0,1714557600,1714557540,"No route",1,3,1,1,0,0,1]]`

const servicesResponse = `[["host_name","description","display_name","state","last_hard_state","last_check",
"last_state_change","plugin_output","current_attempt","max_check_attempts","active_checks_enabled",
"notifications_enabled","is_flapping","acknowledged","scheduled_downtime_depth"],
["web01","HTTP","HTTP",2,2,1714557600,1714557300,"Connection refused",4,4,1,0,0,1,0],
["db01","DB","Database",1,0,1714557600,1714557300,"slow",1,4,0,1,1,0,0]]`

// fakeLivestatus answers GET queries by table and records everything it receives.
type fakeLivestatus struct {
	listener net.Listener

	mu       sync.Mutex
	requests []string
}

func newFakeLivestatus(t *testing.T) *fakeLivestatus {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeLivestatus{listener: l}
	go f.serve()
	t.Cleanup(func() { _ = l.Close() })

	return f
}

func (f *fakeLivestatus) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}

		go f.handle(conn)
	}
}

func (f *fakeLivestatus) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var lines []string
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\n")
		if line == "" || err != nil {
			break
		}

		lines = append(lines, line)
	}

	request := strings.Join(lines, "\n")

	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()

	switch {
	case strings.HasPrefix(request, "GET hosts\nColumns: address\n"):
		_, _ = io.WriteString(conn, `[["address"],["10.0.0.1"]]`)
	case strings.HasPrefix(request, "GET hosts"):
		_, _ = io.WriteString(conn, hostsResponse)
	case strings.HasPrefix(request, "GET services"):
		_, _ = io.WriteString(conn, servicesResponse)
	}
}

func (f *fakeLivestatus) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.requests...)
}

func newTestAdapter(t *testing.T, address string, deps adapter.Deps) *Adapter {
	t.Helper()

	deps.Logger = zaptest.NewLogger(t).Sugar()
	deps.Now = func() time.Time { return time.Unix(1714557600, 0) }

	a, err := New(adapter.Settings{Name: "livestatus", Type: Type, MonitorURL: "tcp://" + address}, deps)
	require.NoError(t, err)

	return a.(*Adapter)
}

func TestParseAddress(t *testing.T) {
	subtests := []struct {
		name    string
		url     string
		network string
		address string
		error   bool
	}{
		{name: "default-port", url: "tcp://monitor", network: "tcp", address: "monitor:6558"},
		{name: "port", url: "livestatus://monitor:6557/", network: "tcp", address: "monitor:6557"},
		{name: "unix", url: "unix:///var/run/live", network: "unix", address: "/var/run/live"},
		{name: "no-host", url: "tcp://", error: true},
		{name: "no-path", url: "unix://", error: true},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			network, address, err := ParseAddress(st.url)
			if st.error {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, st.network, network)
			require.Equal(t, st.address, address)
		})
	}
}

func TestAdapter_GetStatus(t *testing.T) {
	f := newFakeLivestatus(t)
	a := newTestAdapter(t, f.listener.Addr().String(), adapter.Deps{FilterAcknowledged: true})

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"db01", "gw01", "web01"}, hosts.Names())

	web := hosts["web01"]
	require.Equal(t, monitor.StateDown, web.Status)
	require.Equal(t, monitor.Hard, web.StatusType)
	require.Equal(t, "3/3", web.Attempt)
	require.Equal(t, "1h", web.Duration)
	require.Equal(t, "10.0.0.1", web.Address)

	gw := hosts["gw01"]
	require.Equal(t, monitor.StateUnreachable, gw.Status)
	require.Equal(t, monitor.Soft, gw.StatusType)
	require.True(t, gw.ScheduledDowntime)

	httpSvc := web.Services["HTTP"]
	require.Equal(t, monitor.StateCritical, httpSvc.Status)
	require.True(t, httpSvc.Acknowledged)
	require.True(t, httpSvc.NotificationsDisabled)

	db := hosts["db01"]
	require.Equal(t, monitor.StateUp, db.Status)
	svc := db.Services["Database"]
	require.Equal(t, "DB", svc.RealName)
	require.Equal(t, monitor.StateWarning, svc.Status)
	require.Equal(t, monitor.Soft, svc.StatusType)
	require.True(t, svc.Passiveonly)
	require.True(t, svc.Flapping)

	for _, r := range f.Requests() {
		require.Contains(t, r, "\nFilter: state != 0\nFilter: acknowledged != 1\nOutputFormat: json\nColumnHeaders: on")
	}
}

func TestAdapter_GetHost(t *testing.T) {
	f := newFakeLivestatus(t)
	a := newTestAdapter(t, f.listener.Addr().String(), adapter.Deps{ConnectBy: adapter.ConnectByIP})

	r := a.GetHost(context.Background(), "web01")
	require.False(t, r.Failed(), r.Error)
	require.Equal(t, "10.0.0.1", r.Result)
	require.Equal(t, []string{"GET hosts\nColumns: address\nFilter: name = web01\nOutputFormat: json\nColumnHeaders: on"}, f.Requests())
}

func TestAdapter_Commands(t *testing.T) {
	f := newFakeLivestatus(t)
	a := newTestAdapter(t, f.listener.Addr().String(), adapter.Deps{})
	ctx := context.Background()

	require.NoError(t, a.SetRecheck(ctx, adapter.Target{Host: "web01", Service: "HTTP"}))
	require.NoError(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{
		Host: "web01", Author: "admin", Comment: "on\nit", Sticky: true, Notify: true,
		AcknowledgeAllServices: true, AllServices: []string{"HTTP"},
	}))
	require.NoError(t, a.SetDowntime(ctx, adapter.DowntimeRequest{
		Host: "web01", Author: "admin", Comment: "maint", Hours: 1, Minutes: 30,
	}))
	require.NoError(t, a.SetSubmitCheckResult(ctx, adapter.CheckResultRequest{
		Host: "web01", State: monitor.StateDown, CheckOutput: "down", PerformanceData: "rta=0",
	}))

	// Commands don't wait for a response, so the fake may still be reading.
	require.Eventually(t, func() bool { return len(f.Requests()) == 4 }, time.Second, 10*time.Millisecond)

	require.ElementsMatch(t, []string{
		"COMMAND [1714557600] SCHEDULE_FORCED_SVC_CHECK;web01;HTTP;1714557600",
		"COMMAND [1714557600] ACKNOWLEDGE_HOST_PROBLEM;web01;2;1;0;admin;on it\n" +
			"COMMAND [1714557600] ACKNOWLEDGE_SVC_PROBLEM;web01;HTTP;2;1;0;admin;on it",
		"COMMAND [1714557600] SCHEDULE_HOST_DOWNTIME;web01;1714557600;1714563000;0;0;5400;admin;maint",
		"COMMAND [1714557600] PROCESS_HOST_CHECK_RESULT;web01;1;down|rta=0",
	}, f.Requests())
}
