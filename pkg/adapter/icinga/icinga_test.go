package icinga

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const hardHostsJSON = `{"cgi_json_version":"1.11.0","status":{"host_status":[
{"host_name":"web01","host_display_name":"Web Server","status":"DOWN","last_check":"2024-05-01 10:00:00",
"duration":"0d 1h 0m 0s","attempts":"3/3","status_information":"CRITICAL - Host unreachable\n",
"active_checks_enabled":true,"notifications_enabled":true,"is_flapping":false,"has_been_acknowledged":true,
"in_scheduled_downtime":false}]}}`

const softHostsJSON = `{"cgi_json_version":"1.11.0","status":{"host_status":[
{"host_name":"web01","host_display_name":"Web Server","status":"UNREACHABLE","attempts":"1/3","active_checks_enabled":true,"notifications_enabled":true},
{"host_name":"gw01","status":"UNREACHABLE","attempts":"1/3","active_checks_enabled":false,"notifications_enabled":false}]}}`

const hardServicesJSON = `{"cgi_json_version":"1.11.0","status":{"service_status":[
{"host_name":"db01","host_display_name":"Database","service_description":"MySQL","service_display_name":"MySQL Server",
"status":"WARNING","attempts":"4/4","status_information":"slow","active_checks_enabled":true,"notifications_enabled":true,
"is_flapping":true}]}}`

func newTestAdapter(t *testing.T, url string, configure func(*adapter.Settings)) *Adapter {
	t.Helper()

	settings := adapter.Settings{
		Name:          "icinga",
		Type:          Type,
		MonitorURL:    url,
		MonitorCGIURL: url + "/cgi-bin/icinga",
		SavePassword:  true,
	}
	if configure != nil {
		configure(&settings)
	}

	a, err := New(settings, adapter.Deps{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	return a.(*Adapter)
}

func TestAdapter_GetStatusJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case strings.HasSuffix(r.URL.Path, "/tac.cgi"):
			_, _ = io.WriteString(w, `{"cgi_json_version":"1.11.0","tac":{}}`)
		case q.Get("style") == "hostdetail" && q.Get("hostprops") == "262144":
			_, _ = io.WriteString(w, hardHostsJSON)
		case q.Get("style") == "hostdetail":
			_, _ = io.WriteString(w, softHostsJSON)
		case q.Get("serviceprops") == "262144":
			assert.Equal(t, "servicedetail", q.Get("style"))
			_, _ = io.WriteString(w, hardServicesJSON)
		default:
			_, _ = io.WriteString(w, `{"status":{"service_status":[]}}`)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, func(s *adapter.Settings) {
		s.UseDisplayNameHost = true
	})

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.11.0", a.Version())
	require.Equal(t, []string{"Database", "Web Server", "gw01"}, hosts.Names())

	web := hosts["Web Server"]
	require.Equal(t, "web01", web.RealName)
	require.Equal(t, monitor.StateDown, web.Status, "hard rows win over soft rows")
	require.Equal(t, monitor.Hard, web.StatusType)
	require.Equal(t, "CRITICAL - Host unreachable", web.StatusInformation)
	require.True(t, web.Acknowledged)

	gw := hosts["gw01"]
	require.Equal(t, monitor.StateUnreachable, gw.Status)
	require.Equal(t, monitor.Soft, gw.StatusType)
	require.True(t, gw.Passiveonly)
	require.True(t, gw.NotificationsDisabled)

	db := hosts["Database"]
	require.Equal(t, monitor.StateUp, db.Status)
	require.Equal(t, "db01", db.RealName)
	svc := db.Services["MySQL"]
	require.NotNil(t, svc, "service display names are opt-in")
	require.Equal(t, monitor.StateWarning, svc.Status)
	require.True(t, svc.Flapping)
}

func TestAdapter_GetStatusHTML(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())

		if strings.HasSuffix(r.URL.Path, "/tac.cgi") {
			_, _ = io.WriteString(w, `<html><body><a class="homepageURL" href="/">Icinga 1.5.1</a></body></html>`)
			return
		}

		_, _ = io.WriteString(w, `<html><body><table class="status"><tr><th>Host</th></tr></table></body></html>`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, hosts)
	require.Equal(t, "1.5.1", a.Version())
	require.Len(t, paths, 5)
	require.Equal(t, "/cgi-bin/icinga/status.cgi?host=all&servicestatustypes=253&serviceprops=262144", paths[3])
}

func TestAdapter_GetStatusHTMLWithoutStatusTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/tac.cgi") {
			_, _ = io.WriteString(w, `<html><body><a class="homepageURL" href="/">Icinga 1.5.1</a></body></html>`)
			return
		}

		_, _ = io.WriteString(w, `<html><body><h1>Please log in</h1></body></html>`)
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL, nil).GetStatus(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "can't parse hosts")
}

func TestAdapter_Referer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.Header.Get("Referer"), "/cgi-bin/icinga/cmd.cgi"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	require.NoError(t, a.SetSubmitCheckResult(context.Background(), adapter.CheckResultRequest{Host: "web01"}))
}
