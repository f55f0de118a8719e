package librenms

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
	"testing"
	"time"
)

const devicesJSON = `{"status":"ok","count":3,"devices":[
{"device_id":1,"hostname":"sw01.example.com","display":"sw01","ip":"10.0.0.1","status":0,
 "status_reason":"icmp","last_polled":"2024-05-01 10:00:00","disabled":0,"ignore":0},
{"device_id":"2","hostname":"db01.example.com","sysName":"db01","ip":"10.0.0.2","status":1,"disabled":0,"ignore":0},
{"device_id":3,"hostname":"old.example.com","status":0,"disabled":1,"ignore":0}
]}`

const alertsJSON = `{"status":"ok","count":2,"alerts":[
{"id":10,"device_id":2,"rule_id":5,"state":1,"severity":"critical","timestamp":"2024-05-01 09:00:00","note":""},
{"id":11,"device_id":2,"rule_id":5,"state":1,"severity":"warning","timestamp":"2024-05-01 09:30:00"},
{"id":12,"device_id":4,"rule_id":6,"state":1,"severity":"warning","timestamp":"2024-05-01 09:30:00","name":"Port down"}
]}`

const ackedJSON = `{"status":"ok","count":1,"alerts":[
{"id":13,"device_id":1,"rule_id":7,"state":2,"severity":"exotic","timestamp":"2024-05-01 09:59:00","name":"Ping"}
]}`

type fakeLibreNMS struct {
	t        *testing.T
	requests []string
	bodies   map[string]map[string]interface{}
}

func (f *fakeLibreNMS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(TokenHeader) != "secret-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Unauthenticated."}`)
		return
	}

	_, _, basic := r.BasicAuth()
	assert.False(f.t, basic, "the token replaces basic auth")

	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())

	if r.Method != http.MethodGet {
		var body map[string]interface{}
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if f.bodies == nil {
			f.bodies = map[string]map[string]interface{}{}
		}
		f.bodies[r.URL.Path] = body

		_, _ = io.WriteString(w, `{"status":"ok","message":"done"}`)
		return
	}

	switch r.URL.RequestURI() {
	case "/api/v0/devices":
		_, _ = io.WriteString(w, devicesJSON)
	case "/api/v0/alerts?state=1":
		_, _ = io.WriteString(w, alertsJSON)
	case "/api/v0/alerts?state=2":
		_, _ = io.WriteString(w, ackedJSON)
	case "/api/v0/rules/5":
		_, _ = io.WriteString(w, `{"status":"ok","rules":[{"id":5,"name":"Disk usage"}]}`)
	case "/api/v0/devices/4":
		_, _ = io.WriteString(w, `{"status":"error","message":"Device 4 does not exist"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestAdapter(t *testing.T, f *fakeLibreNMS, filterAcknowledged bool) (*Adapter, func()) {
	t.Helper()

	srv := httptest.NewServer(f)

	a, err := New(adapter.Settings{
		Name:         "librenms",
		Type:         Type,
		MonitorURL:   srv.URL,
		Username:     "ignored",
		Password:     "secret-token",
		SavePassword: true,
	}, adapter.Deps{
		Logger:             zaptest.NewLogger(t).Sugar(),
		FilterAcknowledged: filterAcknowledged,
		Now: func() time.Time {
			return time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
		},
	})
	require.NoError(t, err)

	return a.(*Adapter), srv.Close
}

func TestAdapter_GetStatus(t *testing.T) {
	f := &fakeLibreNMS{t: t}
	a, done := newTestAdapter(t, f, false)
	defer done()

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{
		"GET /api/v0/devices",
		"GET /api/v0/alerts?state=1",
		"GET /api/v0/alerts?state=2",
		"GET /api/v0/rules/5",
		"GET /api/v0/devices/4",
	}, f.requests, "rule names are looked up once per refresh")

	require.Equal(t, []string{"db01.example.com", "sw01"}, hosts.Names())

	sw := hosts["sw01"]
	require.Equal(t, "sw01.example.com", sw.RealName)
	require.Equal(t, "1", sw.ID)
	require.Equal(t, monitor.StateDown, sw.Status)
	require.Equal(t, "icmp", sw.StatusInformation)
	require.Equal(t, "0s", sw.Duration)

	ping := sw.Services["Ping"]
	require.Equal(t, monitor.StateUnknown, ping.Status)
	require.True(t, ping.Acknowledged)
	require.Equal(t, "1m", ping.Duration)

	db := hosts["db01.example.com"]
	require.Equal(t, monitor.StateUp, db.Status)
	require.Equal(t, "10.0.0.2", db.Address)
	require.Len(t, db.Services, 2)
	require.Equal(t, monitor.StateCritical, db.Services["Disk usage"].Status)
	require.Equal(t, "1h", db.Services["Disk usage"].Duration)
	require.Equal(t, monitor.StateWarning, db.Services["Disk usage [11]"].Status)
}

func TestAdapter_GetStatusFilterAcknowledged(t *testing.T) {
	f := &fakeLibreNMS{t: t}
	a, done := newTestAdapter(t, f, true)
	defer done()

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)
	require.NotContains(t, f.requests, "GET /api/v0/alerts?state=2")
	require.Empty(t, hosts["sw01"].Services)
}

func TestAdapter_Unauthorized(t *testing.T) {
	f := &fakeLibreNMS{t: t}
	srv := httptest.NewServer(f)
	defer srv.Close()

	a, err := New(adapter.Settings{Name: "librenms", Type: Type, MonitorURL: srv.URL, Password: "wrong"},
		adapter.Deps{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	_, err = a.GetStatus(context.Background())
	require.ErrorIs(t, err, adapter.ErrAuthentication)
	require.True(t, a.NeedsAuthentication())
}

func TestAdapter_Actions(t *testing.T) {
	f := &fakeLibreNMS{t: t}
	a, done := newTestAdapter(t, f, false)
	defer done()

	ctx := context.Background()

	_, err := a.GetStatus(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{
		Host: "db01.example.com", Service: "Disk usage", Author: "admin", Comment: "cleaning up", Sticky: true,
	}))
	require.Equal(t, map[string]interface{}{"note": "admin: cleaning up", "until_clear": false},
		f.bodies["/api/v0/alerts/10"])

	require.NoError(t, a.SetDowntime(ctx, adapter.DowntimeRequest{
		Host: "sw01", Author: "admin", Comment: "swap",
		StartTime: "2024-05-01 10:00", EndTime: "2024-05-01 11:30",
	}))
	require.Equal(t, map[string]interface{}{
		"title": "Nagstamon", "notes": "admin: swap", "start": "2024-05-01 10:00:00", "duration": "1:30",
	}, f.bodies["/api/v0/devices/sw01.example.com/maintenance"])

	require.ErrorIs(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{Host: "nowhere"}), adapter.ErrNotFound)
	require.ErrorIs(t, a.SetRecheck(ctx, adapter.Target{Host: "sw01"}), adapter.ErrUnsupported)

	require.Equal(t, a.Settings().BaseURL()+"/device/sw01.example.com", a.MonitorURL(adapter.Target{Host: "sw01"}))
}
