package zenoss

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
)

const eventsJSON = `{"uuid":"x","action":"EventsRouter","result":{"totalCount":3,"events":[
{"evid":"e1","device":{"text":"web01"},"component":{"text":""},"eventClass":{"text":"/Status/Ping"},
 "severity":5,"eventState":"New","message":"web01 is DOWN!","firstTime":"2024-05-01 09:00:00",
 "lastTime":"2024-05-01 10:30:05","count":12},
{"evid":"e2","device":{"text":"web01"},"component":{"text":"eth0"},"eventClass":{"text":"/Perf/Interface"},
 "severity":3,"eventState":"Acknowledged","message":"threshold exceeded","firstTime":"2024-05-01 10:00:00",
 "lastTime":"2024-05-01 10:00:00","count":1},
{"evid":"e3","device":{"text":"web01"},"component":{"text":""},"eventClass":{"text":"/Status/Ping"},
 "severity":4,"eventState":"New","message":"again","firstTime":"garbage","lastTime":"2024-05-01 10:00:00","count":0}
]},"tid":"1","type":"rpc","method":"query"}`

type fakeZenoss struct {
	t       *testing.T
	logins  int
	expired bool
	routes  []map[string]interface{}
}

func (f *fakeZenoss) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/zport/acl_users/cookieAuthHelper/login":
		assert.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "admin", r.PostForm.Get("__ac_name"))
		assert.Equal(f.t, "zenoss", r.PostForm.Get("__ac_password"))

		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "__ac", Value: "session", Path: "/"})
	case "/zport/dmd/evconsole_router":
		if _, err := r.Cookie("__ac"); err != nil || f.expired {
			f.expired = false
			_, _ = io.WriteString(w, "<html>login form</html>")
			return
		}

		var req map[string]interface{}
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.routes = append(f.routes, req)

		switch req["method"] {
		case "query":
			_, _ = io.WriteString(w, eventsJSON)
		default:
			_, _ = io.WriteString(w, `{"result":{"success":true}}`)
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestAdapter(t *testing.T, f *fakeZenoss) (*Adapter, func()) {
	t.Helper()

	srv := httptest.NewServer(f)

	a, err := New(adapter.Settings{
		Name:         "zenoss",
		Type:         Type,
		MonitorURL:   srv.URL,
		Username:     "admin",
		Password:     "zenoss",
		SavePassword: true,
	}, adapter.Deps{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	return a.(*Adapter), srv.Close
}

func TestInstanceURL(t *testing.T) {
	subtests := []struct {
		name   string
		input  string
		output string
	}{
		{"bare", "zenoss", "http://zenoss:8080"},
		{"port", "zenoss:9090", "http://zenoss:9090"},
		{"scheme", "https://zenoss.example.com/", "https://zenoss.example.com:8080"},
		{"full", "https://zenoss.example.com:443", "https://zenoss.example.com:443"},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			actual, err := instanceURL(st.input)
			require.NoError(t, err)
			require.Equal(t, st.output, actual)
		})
	}
}

func TestAdapter_GetStatus(t *testing.T) {
	f := &fakeZenoss{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.logins)

	query := f.routes[0]
	require.Equal(t, "EventsRouter", query["action"])
	require.Equal(t, "rpc", query["type"])
	require.NotEmpty(t, query["tid"])

	require.Equal(t, []string{"web01"}, hosts.Names())
	web := hosts["web01"]
	require.Equal(t, monitor.StateUp, web.Status, "Zenoss reports events, not host states")
	require.Len(t, web.Services, 3)

	ping := web.Services["/Status/Ping"]
	require.Equal(t, "e1", ping.ID)
	require.Equal(t, monitor.StateCritical, ping.Status)
	require.Equal(t, "1h 30m 5s", ping.Duration)
	require.Equal(t, "2024-05-01 10:30:05", ping.LastCheck)
	require.Equal(t, "12/12", ping.Attempt)
	require.False(t, ping.IsSoft())
	require.False(t, ping.Acknowledged)

	iface := web.Services["eth0 /Perf/Interface"]
	require.Equal(t, monitor.StateWarning, iface.Status)
	require.Equal(t, "0s", iface.Duration)
	require.True(t, iface.Acknowledged)

	again := web.Services["/Status/Ping [e3]"]
	require.Equal(t, monitor.StateWarning, again.Status)
	require.Equal(t, "n/a", again.Duration)
	require.Equal(t, "1/1", again.Attempt)
}

func TestAdapter_GetStatusExpired(t *testing.T) {
	f := &fakeZenoss{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	ctx := context.Background()
	require.NoError(t, a.InitializeTransport(ctx))

	f.expired = true

	hosts, err := a.GetStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, hosts, "an expired session yields an empty refresh")
	require.Equal(t, 2, f.logins)

	hosts, err = a.GetStatus(ctx)
	require.NoError(t, err)
	require.Len(t, hosts["web01"].Services, 3)
	require.Equal(t, 2, f.logins)
}

func TestAdapter_SetAcknowledge(t *testing.T) {
	f := &fakeZenoss{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	ctx := context.Background()

	_, err := a.GetStatus(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{Host: "web01", Service: "/Status/Ping"}))
	require.NoError(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{Host: "web01"}))
	require.ErrorIs(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{Host: "db01"}), adapter.ErrNotFound)

	require.Len(t, f.routes, 3)

	one := f.routes[1]
	require.Equal(t, "acknowledge", one["method"])
	require.Equal(t, []interface{}{map[string]interface{}{"limit": float64(100), "evids": []interface{}{"e1"}}}, one["data"])

	all := f.routes[2]
	require.Equal(t,
		[]interface{}{map[string]interface{}{"limit": float64(100), "evids": []interface{}{"e1", "e2", "e3"}}},
		all["data"],
	)
}

func TestAdapter_MonitorURL(t *testing.T) {
	a, err := New(adapter.Settings{Name: "zenoss", Type: Type, MonitorURL: "zenoss"}, adapter.Deps{})
	require.NoError(t, err)

	require.Equal(t, "http://zenoss:8080/zport/dmd/Events/evconsole", a.MonitorURL(adapter.Target{}))
	require.Equal(t,
		"http://zenoss:8080/zport/dmd/Devices/deviceSearchResults?query=web+01",
		a.MonitorURL(adapter.Target{Host: "web 01"}),
	)
}
