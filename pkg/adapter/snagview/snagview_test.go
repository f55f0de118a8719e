package snagview

import (
	"context"
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

const now = 1714557600

const hostsJSON = `{"data":[
{"sv_host__svobjects____SVID":"H1","sv_host__nagios__host_name":"web01","sv_host__nagios__max_check_attempts":"3",
 "sv_host__nagios_status__current_state":"1","sv_host__nagios_status__last_check":1714557590,
 "sv_host__nagios_status__last_state_change":1714554000,"sv_host__nagios_status__plugin_output":"<b>CRITICAL</b> - down",
 "sv_host__nagios_status__checks_enabled":"1","sv_host__nagios_status__notifications_enabled":"1",
 "sv_host__nagios_status__is_flapping":"0","sv_host__nagios_status__problem_has_been_acknowledged":"1",
 "sv_host__nagios_status__scheduled_downtime_depth":"0","sv_host__nagios_status__state_type":"1"},
{"sv_host__svobjects____SVID":"H2","sv_host__nagios__host_name":"new01","sv_host__nagios_status__current_state":null}
]}`

const servicesJSON = `{"data":[
{"sv_service_status__svobjects____SVID":"S1","sv_host__nagios__host_name":"web01",
 "sv_host__nagios_status__current_state":"1",
 "sv_service_status__svobjects__rendered_label":"HTTP on web01","sv_service_status__nagios__service_description":"http",
 "sv_service_status__nagios__max_check_attempts":4,"sv_service_status__nagios_status__current_state":"2",
 "sv_service_status__nagios_status__last_check":0,"sv_service_status__nagios_status__last_state_change":1714557540,
 "sv_service_status__nagios_status__plugin_output":"connect refused","sv_service_status__nagios_status__checks_enabled":"0",
 "sv_service_status__nagios_status__notifications_enabled":"0","sv_service_status__nagios_status__is_flapping":"1",
 "sv_service_status__nagios_status__problem_has_been_acknowledged":"0",
 "sv_service_status__nagios_status__scheduled_downtime_depth":"1","sv_service_status__nagios_status__state_type":"0"},
{"sv_service_status__svobjects____SVID":"S2","sv_host__nagios__host_name":"db01",
 "sv_host__nagios_status__current_state":"0","sv_service_status__svobjects__rendered_label":"",
 "sv_service_status__nagios__service_description":"disk","sv_service_status__nagios_status__current_state":"1",
 "sv_service_status__nagios_status__state_type":"1"},
{"sv_service_status__svobjects____SVID":"S3","sv_host__nagios__host_name":"db01",
 "sv_host__nagios_status__current_state":"0","sv_service_status__nagios__service_description":"fresh",
 "sv_service_status__nagios_status__current_state":"4"}
]}`

type command struct {
	Type   string
	Name   string
	Params map[string]interface{}
}

// fakeSnagView requires the login cookie on every REST call and answers without it
// with the login page, like SNAG-View does.
type fakeSnagView struct {
	t *testing.T

	mu       sync.Mutex
	logins   []url.Values
	session  string
	commands []command
	downtime url.Values
}

func (f *fakeSnagView) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/security/login":
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "pre", Path: "/"})
		_, _ = io.WriteString(w, "<html>login</html>")
		return
	case "/security/login_check":
		assert.NoError(f.t, r.ParseMultipartForm(1<<20))
		f.logins = append(f.logins, url.Values(r.MultipartForm.Value))

		c, err := r.Cookie("PHPSESSID")
		if assert.NoError(f.t, err) && assert.Equal(f.t, "pre", c.Value) {
			f.session = "valid"
			http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: f.session, Path: "/"})
		}

		return
	}

	if c, err := r.Cookie("PHPSESSID"); err != nil || f.session == "" || c.Value != f.session {
		_, _ = io.WriteString(w, "<!DOCTYPE html><html>login</html>")
		return
	}

	switch r.URL.Path {
	case "/rest/private/nagios/host":
		assert.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "99999", r.PostForm.Get("limit_length"))
		assert.Empty(f.t, r.PostForm.Get("softstate"))
		_, _ = io.WriteString(w, hostsJSON)
	case "/rest/private/nagios/service_status/browser":
		assert.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "1", r.PostForm.Get("softstate"))
		_, _ = io.WriteString(w, servicesJSON)
	case "/rest/private/nagios/command/execute":
		assert.NoError(f.t, r.ParseForm())

		c := command{Type: r.PostForm.Get("commandType"), Name: r.PostForm.Get("commandName")}
		assert.NoError(f.t, json.Unmarshal([]byte(r.PostForm.Get("params")), &c.Params))
		f.commands = append(f.commands, c)

		_, _ = io.WriteString(w, `{"success":true}`)
	case "/rest/private/nagios/downtime":
		assert.Equal(f.t, http.MethodPut, r.Method)
		assert.NoError(f.t, r.ParseForm())
		f.downtime = r.PostForm

		_, _ = io.WriteString(w, `{"success":true}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestAdapter(t *testing.T, f *fakeSnagView, username string) (*Adapter, func()) {
	t.Helper()

	srv := httptest.NewServer(f)

	a, err := New(adapter.Settings{
		Name:         "snag",
		Type:         Type,
		MonitorURL:   srv.URL,
		Username:     username,
		Password:     "secret",
		SavePassword: true,
	}, adapter.Deps{
		Logger: zaptest.NewLogger(t).Sugar(),
		Now:    func() time.Time { return time.Unix(now, 0) },
	})
	require.NoError(t, err)

	return a.(*Adapter), srv.Close
}

func TestAdapter_GetStatus(t *testing.T) {
	f := &fakeSnagView{t: t}
	a, done := newTestAdapter(t, f, "admin")
	defer done()

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)

	require.Len(t, f.logins, 1)
	require.Equal(t, "sv", f.logins[0].Get("module"))
	require.Equal(t, "admin", f.logins[0].Get("_username"))
	require.Equal(t, "secret", f.logins[0].Get("_password"))

	require.Equal(t, []string{"db01", "web01"}, hosts.Names(), "pending hosts are skipped")

	web := hosts["web01"]
	require.Equal(t, "H1", web.ID)
	require.Equal(t, monitor.StateDown, web.Status)
	require.Equal(t, monitor.Hard, web.StatusType)
	require.Equal(t, "CRITICAL - down", web.StatusInformation)
	require.Equal(t, "1h", web.Duration)
	require.Equal(t, "3/3", web.Attempt)
	require.True(t, web.Acknowledged)

	httpSvc := web.Services["HTTP on web01"]
	require.NotNil(t, httpSvc)
	require.Equal(t, "http", httpSvc.RealName)
	require.Equal(t, "S1", httpSvc.ID)
	require.Equal(t, monitor.StateCritical, httpSvc.Status)
	require.Equal(t, monitor.Soft, httpSvc.StatusType)
	require.Equal(t, "n/a", httpSvc.LastCheck)
	require.Equal(t, "1m", httpSvc.Duration)
	require.True(t, httpSvc.Passiveonly)
	require.True(t, httpSvc.NotificationsDisabled)
	require.True(t, httpSvc.Flapping)
	require.True(t, httpSvc.ScheduledDowntime)

	db := hosts["db01"]
	require.Equal(t, monitor.StateUp, db.Status)
	require.Len(t, db.Services, 1)
	require.Equal(t, monitor.StateWarning, db.Services["disk"].Status)
}

func TestAdapter_GetStatusRelogin(t *testing.T) {
	f := &fakeSnagView{t: t}
	a, done := newTestAdapter(t, f, "ldap:jdoe")
	defer done()

	ctx := context.Background()

	_, err := a.GetStatus(ctx)
	require.NoError(t, err)

	f.mu.Lock()
	f.session = "expired-elsewhere"
	f.mu.Unlock()

	hosts, err := a.GetStatus(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	require.Len(t, f.logins, 2)
	require.Equal(t, "ldap", f.logins[1].Get("module"))
	require.Equal(t, "jdoe", f.logins[1].Get("_username"))
}

func TestAdapter_GetStatusLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>login</html>")
	}))
	defer srv.Close()

	a, err := New(adapter.Settings{Name: "snag", Type: Type, MonitorURL: srv.URL, Username: "admin", Password: "wrong"},
		adapter.Deps{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	_, err = a.GetStatus(context.Background())
	require.ErrorIs(t, err, adapter.ErrAuthentication)
	require.True(t, a.NeedsAuthentication())
}

func TestAdapter_Actions(t *testing.T) {
	f := &fakeSnagView{t: t}
	a, done := newTestAdapter(t, f, "admin")
	defer done()

	ctx := context.Background()

	_, err := a.GetStatus(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetRecheck(ctx, adapter.Target{Host: "web01", Service: "HTTP on web01"}))
	require.NoError(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{
		Host: "web01", Comment: "known", Sticky: true, AcknowledgeAllServices: true,
	}))
	require.NoError(t, a.SetSubmitCheckResult(ctx, adapter.CheckResultRequest{
		Host: "web01", State: monitor.StateUp, CheckOutput: "back", PerformanceData: "rta=1ms",
	}))

	require.Equal(t, []command{
		{Type: "sv_service_status", Name: "check-now", Params: map[string]interface{}{"__SVID": "S1"}},
		{Type: "sv_host", Name: "acknowledge-host-service-problems", Params: map[string]interface{}{
			"__SVID": "H1", "comment": "known", "notify": false, "persistent": false, "sticky": true,
		}},
		{Type: "sv_host", Name: "process-check-result", Params: map[string]interface{}{
			"__SVID": "H1", "status_code": float64(0), "plugin_output": "back | rta=1ms",
		}},
	}, f.commands)

	require.NoError(t, a.SetDowntime(ctx, adapter.DowntimeRequest{
		Host: "db01", Service: "disk", Comment: "resize",
		StartTime: "2024-05-01 10:00", EndTime: "2024-05-01 12:00",
	}))
	require.Equal(t, "sv_service_status", f.downtime.Get("type"))
	require.Equal(t, "S2", f.downtime.Get("svid"))
	require.Empty(t, f.downtime.Get("host_effects"))
	require.Equal(t, "resize", f.downtime.Get("comment"))

	require.ErrorIs(t, a.SetRecheck(ctx, adapter.Target{Host: "gone"}), adapter.ErrNotFound)

	start, end := a.GetStartEnd(ctx, "web01")
	require.Equal(t, time.Unix(now, 0).Format(adapter.TimeLayout), start)
	require.Equal(t, time.Unix(now, 0).Add(24*time.Hour).Format(adapter.TimeLayout), end)

	require.Equal(t, a.Settings().BaseURL()+"/#/object/details/S1",
		a.MonitorURL(adapter.Target{Host: "web01", Service: "HTTP on web01"}))
}

func TestStateCodes(t *testing.T) {
	require.Equal(t, 0, ServiceStateCode(monitor.StateUp))
	require.Equal(t, 2, ServiceStateCode(monitor.StateDown))
	require.Equal(t, 3, ServiceStateCode(monitor.StateUnknown))
	require.Equal(t, 1, HostStateCode(monitor.StateCritical))
	require.Equal(t, 0, HostStateCode(monitor.StateWarning))
	require.Equal(t, 2, HostStateCode(monitor.StateUnreachable))
}
