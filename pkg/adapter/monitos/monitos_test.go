package monitos

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
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const now = 1714557600

var hostPages = []string{
	`{"data":[
{"name":"web01","uuid":"h-1","syncEnabled":"1","status":{"currentState":"1","lastCheck":1714557590,
 "lastStateChange":1714554000,"output":"PING <i>CRITICAL</i>\n100% loss","checksEnabled":"1",
 "notificationsEnabled":"0","isFlapping":"0","acknowleged":null,"scheduledDowntimeDepth":"0","stateType":"1"},
 "configuration":{"maxCheckAttempts":"3"}},
{"name":"off01","uuid":"h-2","syncEnabled":"0","status":{"currentState":"1"}}
]}`,
	`{"data":[{"name":"db01","uuid":"h-3","syncEnabled":null,"status":{"currentState":0,"checksEnabled":0,
 "acknowleged":1,"scheduledDowntimeDepth":1,"stateType":0},"configuration":{"maxCheckAttempts":5}}]}`,
	`{"data":[]}`,
}

var servicePages = []string{
	`{"data":[
{"uuid":"s-1","status":{"currentState":"2","lastCheck":0,"lastStateChange":1714557540,"output":"timeout",
 "checksEnabled":"1","isFlapping":"1","acknowleged":"0","scheduledDowntimeDepth":"0","stateType":"0"},
 "configuration":{"maxCheckAttempts":"4","hostName":"web01","serviceDescription":"HTTP","host":{"uuid":"h-1"}}},
{"uuid":"s-2","status":{"currentState":"1"},
 "configuration":{"hostName":"app01","serviceDescription":"Heap","host":{"uuid":"h-4"}}}
]}`,
	`{"data":[]}`,
}

type fakeMonitos struct {
	t         *testing.T
	autologin bool

	mu       sync.Mutex
	logins   int
	requests []string
	bodies   map[string]map[string]interface{}
}

func (f *fakeMonitos) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/security/login":
		assert.False(f.t, f.autologin, "no login with autologin")
		return
	case "/security/login_check":
		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "valid", Path: "/"})
		return
	}

	q := r.URL.Query()
	if f.autologin {
		assert.Equal(f.t, "key", q.Get("authtoken"))
	} else if c, err := r.Cookie("PHPSESSID"); err != nil || c.Value != "valid" {
		_, _ = io.WriteString(w, "<html>login</html>")
		return
	}

	if r.Method == http.MethodPost {
		f.requests = append(f.requests, r.URL.Path)

		var body map[string]interface{}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			assert.Equal(f.t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(f.t, json.Unmarshal(b, &body))
		}

		if f.bodies == nil {
			f.bodies = map[string]map[string]interface{}{}
		}
		f.bodies[r.URL.Path] = body

		return
	}

	assert.Equal(f.t, "status,configuration", q.Get("include"))
	assert.Equal(f.t, "100", q.Get("limit"))

	page, err := strconv.Atoi(q.Get("page"))
	if !assert.NoError(f.t, err) {
		return
	}
	page--

	f.requests = append(f.requests, r.URL.Path+" "+q.Get("filter[states]")+" "+q.Get("page"))

	switch r.URL.Path {
	case "/api/host":
		_, _ = io.WriteString(w, hostPages[page])
	case "/api/serviceinstance":
		_, _ = io.WriteString(w, servicePages[page])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestAdapter(t *testing.T, f *fakeMonitos) (*Adapter, func()) {
	t.Helper()

	srv := httptest.NewServer(f)

	a, err := New(adapter.Settings{
		Name:         "monitos",
		Type:         Type,
		MonitorURL:   srv.URL,
		Username:     "admin",
		Password:     "secret",
		SavePassword: true,
		UseAutologin: f.autologin,
		AutologinKey: "key",
	}, adapter.Deps{
		Logger: zaptest.NewLogger(t).Sugar(),
		Now:    func() time.Time { return time.Unix(now, 0) },
	})
	require.NoError(t, err)

	return a.(*Adapter), srv.Close
}

func TestAdapter_GetStatus(t *testing.T) {
	subtests := []struct {
		name      string
		autologin bool
		logins    int
	}{
		{"form-login", false, 1},
		{"autologin", true, 0},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			f := &fakeMonitos{t: t, autologin: st.autologin}
			a, done := newTestAdapter(t, f)
			defer done()

			hosts, err := a.GetStatus(context.Background())
			require.NoError(t, err)

			require.Equal(t, st.logins, f.logins)
			require.Equal(t, []string{
				"/api/host 0,1,2 1",
				"/api/host 0,1,2 2",
				"/api/host 0,1,2 3",
				"/api/serviceinstance 1,2,3 1",
				"/api/serviceinstance 1,2,3 2",
			}, f.requests)

			require.Equal(t, []string{"app01", "db01", "web01"}, hosts.Names(), "hosts with sync disabled are skipped")

			web := hosts["web01"]
			require.Equal(t, "h-1", web.ID)
			require.Equal(t, monitor.StateDown, web.Status)
			require.Equal(t, monitor.Hard, web.StatusType)
			require.Equal(t, "PING CRITICAL 100% loss", web.StatusInformation)
			require.Equal(t, "3/3", web.Attempt)
			require.Equal(t, "1h", web.Duration)
			require.True(t, web.NotificationsDisabled)
			require.False(t, web.Acknowledged)

			httpSvc := web.Services["HTTP"]
			require.Equal(t, "s-1", httpSvc.ID)
			require.Equal(t, monitor.StateCritical, httpSvc.Status)
			require.Equal(t, monitor.Soft, httpSvc.StatusType)
			require.Equal(t, "n/a", httpSvc.LastCheck)
			require.Equal(t, "1m", httpSvc.Duration)
			require.True(t, httpSvc.Flapping)

			db := hosts["db01"]
			require.Equal(t, monitor.StateUp, db.Status)
			require.True(t, db.Passiveonly)
			require.True(t, db.Acknowledged)
			require.True(t, db.ScheduledDowntime)
			require.Equal(t, monitor.Soft, db.StatusType)

			app := hosts["app01"]
			require.Equal(t, "h-4", app.ID)
			require.Equal(t, monitor.StateUp, app.Status)
			require.Equal(t, monitor.StateWarning, app.Services["Heap"].Status)
		})
	}
}

func TestAdapter_Actions(t *testing.T) {
	f := &fakeMonitos{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	ctx := context.Background()

	_, err := a.GetStatus(ctx)
	require.NoError(t, err)

	f.requests = nil

	require.NoError(t, a.SetRecheck(ctx, adapter.Target{Host: "web01", Service: "HTTP"}))
	require.NoError(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{
		Host: "web01", Comment: "known", Sticky: true, AcknowledgeAllServices: true,
	}))
	require.NoError(t, a.SetSubmitCheckResult(ctx, adapter.CheckResultRequest{
		Host: "web01", Service: "HTTP", State: monitor.StateWarning, CheckOutput: "slow",
	}))
	require.NoError(t, a.SetDowntime(ctx, adapter.DowntimeRequest{
		Host: "db01", Comment: "patching", Hours: 1, Minutes: 30,
		StartTime: "2024-05-01 10:00", EndTime: "2024-05-01 12:00",
	}))

	require.Equal(t, []string{
		"/api/serviceinstance/s-1/reschedule",
		"/api/host/h-1/acknowledge",
		"/api/serviceinstance/s-1/checkresult",
		"/api/downtime",
	}, f.requests)

	require.Equal(t, map[string]interface{}{
		"comment": "known", "notify": float64(0), "persistent": float64(0), "sticky": float64(1),
		"includeServices": float64(1),
	}, f.bodies["/api/host/h-1/acknowledge"])

	require.Equal(t, map[string]interface{}{"exit_status": float64(1), "plugin_output": "slow"},
		f.bodies["/api/serviceinstance/s-1/checkresult"])

	downtime := f.bodies["/api/downtime"]
	require.Equal(t, "h-3", downtime["id"])
	require.Equal(t, "sv_host", downtime["type"])
	require.Equal(t, float64(5400), downtime["duration"])
	require.Equal(t, "FALSE", downtime["is_recurring"])

	require.ErrorIs(t, a.SetRecheck(ctx, adapter.Target{Host: "gone"}), adapter.ErrNotFound)
	require.True(t, strings.HasSuffix(a.MonitorURL(adapter.Target{Host: "db01"}), "/#/object/details/h-3"))
}
