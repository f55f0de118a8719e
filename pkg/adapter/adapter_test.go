package adapter

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"net/http"
	"testing"
	"time"
)

func TestSettings_Validate(t *testing.T) {
	subtests := []struct {
		name     string
		settings Settings
		error    bool
	}{
		{"valid", Settings{Name: "nagios", Type: "Nagios", MonitorURL: "https://monitor/nagios"}, false},
		{"no-name", Settings{Type: "Nagios"}, true},
		{"no-type", Settings{Name: "n"}, true},
		{"bad-url", Settings{Name: "n", Type: "Nagios", MonitorURL: "http://[::1"}, true},
		{"bad-auth", Settings{Name: "n", Type: "Nagios", Authentication: "kerberos"}, true},
		{"digest", Settings{Name: "n", Type: "Nagios", Authentication: "digest"}, false},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			err := st.settings.Validate()
			if st.error {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSettings_URLs(t *testing.T) {
	s := Settings{MonitorURL: "https://monitor/nagios/"}
	require.Equal(t, "https://monitor/nagios", s.BaseURL())
	require.Equal(t, "https://monitor/nagios", s.CGIURL())

	s.MonitorCGIURL = "https://monitor/nagios/cgi-bin/"
	require.Equal(t, "https://monitor/nagios/cgi-bin", s.CGIURL())
}

func TestAcknowledgeRequest_Targets(t *testing.T) {
	req := AcknowledgeRequest{Host: "web01", AcknowledgeAllServices: true, AllServices: []string{"HTTP", "SSH"}}
	require.Equal(t, []Target{{Host: "web01"}, {Host: "web01", Service: "HTTP"}, {Host: "web01", Service: "SSH"}}, req.Targets())

	req.AcknowledgeAllServices = false
	require.Equal(t, []Target{{Host: "web01"}}, req.Targets())
}

func TestDowntimeRequest_Window(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

	start, end, err := DowntimeRequest{Hours: 2}.Window(now)
	require.NoError(t, err)
	require.Equal(t, now, start)
	require.Equal(t, now.Add(2*time.Hour), end)

	start, end, err = DowntimeRequest{StartTime: "2024-05-02 08:00", EndTime: "2024-05-02 09:30:15"}.Window(now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 2, 8, 0, 0, 0, time.Local), start)
	require.Equal(t, time.Date(2024, 5, 2, 9, 30, 15, 0, time.Local), end)

	_, _, err = DowntimeRequest{StartTime: "tomorrow"}.Window(now)
	require.Error(t, err)

	_, _, err = DowntimeRequest{StartTime: "2024-05-02 08:00", EndTime: "2024-05-02 07:00"}.Window(now)
	require.Error(t, err)
}

func TestNagiosStateCode(t *testing.T) {
	require.Equal(t, 0, NagiosStateCode(monitor.StateOk))
	require.Equal(t, 1, NagiosStateCode(monitor.StateWarning))
	require.Equal(t, 2, NagiosStateCode(monitor.StateCritical))
	require.Equal(t, 3, NagiosStateCode(monitor.StateUnknown))
	require.Equal(t, 1, NagiosStateCode(monitor.StateDown))
	require.Equal(t, 2, NagiosStateCode(monitor.StateUnreachable))
}

func TestBase(t *testing.T) {
	b, err := NewBase(
		Settings{Name: "srv", Type: "Nagios", MonitorURL: "https://monitor/", SavePassword: false},
		Capabilities{Actions: []Action{ActionRecheck}},
		Deps{Logger: zaptest.NewLogger(t).Sugar(), ConnectBy: ConnectByHost},
	)
	require.NoError(t, err)

	require.True(t, b.NeedsAuthentication(), "unsaved password requires authentication first")
	require.NoError(t, b.InitializeTransport(context.Background()))
	require.False(t, b.NeedsAuthentication())

	require.True(t, b.Capabilities().Supports(ActionRecheck))
	require.False(t, b.Capabilities().Supports(ActionDowntime))
	require.ErrorIs(t, b.SetDowntime(context.Background(), DowntimeRequest{}), ErrUnsupported)

	err = b.CheckAuth(monitor.Result{Error: "HTTP 401", StatusCode: http.StatusUnauthorized})
	require.ErrorIs(t, err, ErrAuthentication)
	require.True(t, b.NeedsAuthentication())

	require.NoError(t, b.CheckAuth(monitor.Result{StatusCode: http.StatusOK}))
	require.Equal(t, "web01", b.GetHost(context.Background(), "web01").Result)
	require.Equal(t, "https://monitor", b.MonitorURL(Target{}))
}

func TestBase_Login(t *testing.T) {
	b, err := NewBase(Settings{Name: "srv", Type: "Nagios", SavePassword: true}, Capabilities{}, Deps{})
	require.NoError(t, err)

	var calls int
	err = b.Login(context.Background(), func(context.Context) error {
		calls++

		return errors.Wrap(ErrAuthentication, "wrong password")
	})
	require.ErrorIs(t, err, ErrAuthentication)
	require.Equal(t, 1, calls, "rejected credentials must not be retried")
	require.True(t, b.NeedsAuthentication())

	require.NoError(t, b.Login(context.Background(), func(context.Context) error { return nil }))
	require.False(t, b.NeedsAuthentication())
}

func TestIsPartial(t *testing.T) {
	require.True(t, IsPartial(errors.Wrap(&PartialError{Message: "WARNING: view incomplete"}, "fetch")))
	require.False(t, IsPartial(errors.New("boom")))
}
