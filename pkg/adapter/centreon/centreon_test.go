package centreon

import (
	"context"
	"fmt"
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
)

const loginPage = `<html><body><form method="post" action="index.php">
<input name="useralias"><input name="password" type="password">
<input type="hidden" name="centreon_token" value="tok123">
<input type="submit" name="submitLogin" value="Connect">
</form></body></html>`

const mainPage = `<html><script>var _addrXML = "./include/monitoring/status/Hosts/xml/%s/hostXML.php";</script></html>`

const hostsXML = `<?xml version="1.0" encoding="UTF-8"?>
<reponse><i><numrows>1</numrows></i>
<l class="list_one"><hn>gw01</hn><a>10.0.0.254</a><cs>INJOIGNABLE</cs><tr>1/3 (S)</tr><lc>01/05/2024 10:00:00</lc>
<lsc>5m 2s</lsc><ou>No route
to host</ou><ha>0</ha><hdtm>1</hdtm><is>0</is><ne>1</ne><ace>1</ace></l>
</reponse>`

const servicesXML = `<?xml version="1.0" encoding="UTF-8"?>
<reponse>
<l><hn>db01</hn><sd>MySQL</sd><cs>WARNING</cs><ca>3/3 (H)</ca><lc>01/05/2024 10:00:00</lc><d>1h 2m</d>
<po>slow queries</po><pa>1</pa><dtm>0</dtm><is>1</is><ne>0</ne><ac>1</ac></l>
<l><hn>db01</hn><sd>Disk</sd><cs>WARNING</cs><ca>1/3 (S)</ca><lc>01/05/2024 10:00:00</lc><d>3m</d>
<po>85% used</po><pa>0</pa><dtm>0</dtm><is>0</is><ne>1</ne><ac>0</ac></l>
<l><hn>db01</hn><sd>Broken</sd><cs>PERDU</cs><ca>1/3 (S)</ca></l>
</reponse>`

// fakeCentreon expires the first sid it hands out after login.
type fakeCentreon struct {
	t *testing.T

	mu            sync.Mutex
	logins        int
	logouts       int
	layoutLookups int
	layout        string
	hostQueries   []string
	commands      []url.Values
}

func (f *fakeCentreon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	assert.NoError(f.t, r.ParseForm())

	switch r.URL.Path {
	case "/centreon/index.php":
		switch {
		case r.Form.Get("disconnect") == "1":
			f.logouts++
		case r.Method == http.MethodPost:
			assert.Equal(f.t, "admin", r.PostForm.Get("useralias"))
			assert.Equal(f.t, "secret", r.PostForm.Get("password"))
			assert.Equal(f.t, "tok123", r.PostForm.Get("centreon_token"))
			assert.Equal(f.t, "Connect", r.PostForm.Get("submitLogin"))

			f.logins++
			http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: fmt.Sprintf("sid-%d", f.logins), Path: "/"})
			_, _ = io.WriteString(w, "<html>welcome</html>")
		default:
			_, _ = io.WriteString(w, loginPage)
		}
	case "/centreon/main.php":
		switch {
		case r.Form.Get("p") == "201":
			f.layoutLookups++

			layout := f.layout
			if layout == "" {
				layout = "broker"
			}
			_, _ = fmt.Fprintf(w, mainPage, layout)
		case r.Form.Get("o") == "hd":
			_, _ = io.WriteString(w, `<script>var host_id = '42';</script>`)
		case r.Form.Get("o") == "svcd" && r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `<script>var host_id = '42'; var svc_id = '1337';</script>`)
		default:
			f.commands = append(f.commands, r.Form)
		}
	case "/centreon/include/monitoring/status/Hosts/xml/broker/hostXML.php":
		f.hostQueries = append(f.hostQueries, r.Form.Get("sid"))
		if r.Form.Get("sid") == "sid-1" {
			_, _ = io.WriteString(w, `<response>bad session id</response>`)
			return
		}

		_, _ = io.WriteString(w, hostsXML)
	case "/centreon/include/monitoring/status/Services/xml/broker/serviceXML.php":
		assert.Equal(f.t, "svcpb", r.Form.Get("o"))
		_, _ = io.WriteString(w, servicesXML)
	default:
		f.commands = append(f.commands, r.Form)
	}
}

func newTestAdapter(t *testing.T, f *fakeCentreon) (*Adapter, func()) {
	t.Helper()

	srv := httptest.NewServer(f)

	a, err := New(adapter.Settings{
		Name:         "centreon",
		Type:         Type,
		MonitorURL:   srv.URL + "/centreon/",
		Username:     "admin",
		Password:     "secret",
		SavePassword: true,
	}, adapter.Deps{Logger: zaptest.NewLogger(t).Sugar(), ConnectBy: adapter.ConnectByIP})
	require.NoError(t, err)

	return a.(*Adapter), srv.Close
}

func TestAdapter_GetStatusExpiredSession(t *testing.T) {
	f := &fakeCentreon{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	hosts, err := a.GetStatus(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, f.logins, "expired sid triggers exactly one login")
	require.Equal(t, []string{"sid-1", "sid-2"}, f.hostQueries)
	require.Equal(t, "sid-2", a.SID())
	require.Equal(t, 0, a.SIDCount())
	require.Equal(t, []string{"db01", "gw01"}, hosts.Names())

	gw := hosts["gw01"]
	require.Equal(t, monitor.StateUnreachable, gw.Status)
	require.Equal(t, monitor.Soft, gw.StatusType)
	require.Equal(t, "1/3", gw.Attempt)
	require.Equal(t, "No route to host", gw.StatusInformation)
	require.True(t, gw.ScheduledDowntime)

	db := hosts["db01"]
	require.Equal(t, monitor.StateUp, db.Status)
	require.Len(t, db.Services, 2, "rows with unknown states are skipped")

	mysql := db.Services["MySQL"]
	require.Equal(t, monitor.StateWarning, mysql.Status)
	require.Equal(t, monitor.Hard, mysql.StatusType)
	require.Equal(t, "3/3", mysql.Attempt)
	require.Equal(t, "1h 2m", mysql.Duration)
	require.True(t, mysql.Acknowledged)
	require.True(t, mysql.Flapping)
	require.True(t, mysql.NotificationsDisabled)

	disk := db.Services["Disk"]
	require.Equal(t, monitor.StateWarning, disk.Status)
	require.True(t, disk.IsSoft())
	require.True(t, disk.Passiveonly)
}

func TestAdapter_GetStatusPersistentlyBadSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.php":
			if r.Method == http.MethodPost {
				http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "sid", Path: "/"})
			}
			_, _ = io.WriteString(w, "<html></html>")
		default:
			_, _ = io.WriteString(w, `<response>bad session id</response>`)
		}
	}))
	defer srv.Close()

	a, err := New(adapter.Settings{Name: "centreon", Type: Type, MonitorURL: srv.URL, SavePassword: true},
		adapter.Deps{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	_, err = a.GetStatus(context.Background())
	require.ErrorIs(t, err, adapter.ErrAuthentication)
	require.ErrorContains(t, err, "Bad session ID")
	require.True(t, a.NeedsAuthentication())
}

func TestAdapter_Hook(t *testing.T) {
	f := &fakeCentreon{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	ctx := context.Background()
	require.NoError(t, a.InitializeTransport(ctx))
	require.Equal(t, "sid-1", a.SID())

	for i := 1; i < SIDRotation; i++ {
		a.Hook(ctx)
	}
	require.Equal(t, SIDRotation-1, a.SIDCount())
	require.Equal(t, 0, f.logouts)

	a.Hook(ctx)
	require.Equal(t, 0, a.SIDCount())
	require.Equal(t, 1, f.logouts)
	require.Equal(t, "sid-2", a.SID())
}

func TestAdapter_XMLLayoutPerSession(t *testing.T) {
	f := &fakeCentreon{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	ctx := context.Background()
	require.NoError(t, a.InitializeTransport(ctx))
	require.Contains(t, a.hostsURL(), "/Hosts/xml/broker/hostXML.php")

	f.mu.Lock()
	f.layout = "ndo"
	f.mu.Unlock()

	a.ResetTransport()
	require.Empty(t, a.SID())
	require.Contains(t, a.hostsURL(), "/Hosts/xml/hostXML.php", "no layout without a session")

	require.NoError(t, a.InitializeTransport(ctx))
	require.Contains(t, a.hostsURL(), "/Hosts/xml/ndo/hostXML.php")
	require.Equal(t, 2, f.layoutLookups)
}

func TestAdapter_GetHost(t *testing.T) {
	f := &fakeCentreon{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	ctx := context.Background()
	require.NoError(t, a.InitializeTransport(ctx))

	// The fake expires sid-1, so the lookup logs in again.
	r := a.GetHost(ctx, "gw01")
	require.False(t, r.Failed(), r.Error)
	require.Equal(t, "10.0.0.254", r.Result)
}

func TestAdapter_Commands(t *testing.T) {
	f := &fakeCentreon{t: t}
	a, done := newTestAdapter(t, f)
	defer done()

	ctx := context.Background()
	require.NoError(t, a.InitializeTransport(ctx))

	require.NoError(t, a.SetRecheck(ctx, adapter.Target{Host: "db01", Service: "MySQL"}))
	require.NoError(t, a.SetAcknowledge(ctx, adapter.AcknowledgeRequest{
		Host: "db01", Service: "MySQL", Author: "admin", Comment: "known", Sticky: true,
	}))
	require.NoError(t, a.SetDowntime(ctx, adapter.DowntimeRequest{
		Host: "db01", Author: "admin", Comment: "maint", Fixed: true,
		StartTime: "2024-05-01 10:00", EndTime: "2024-05-01 12:00", Hours: 2,
	}))

	require.Len(t, f.commands, 3)

	recheck := f.commands[0]
	require.Equal(t, "service_schedule_check", recheck.Get("cmd"))
	require.Equal(t, "42", recheck.Get("host_id"))
	require.Equal(t, "1337", recheck.Get("service_id"))

	ack := f.commands[1]
	require.Equal(t, "15", ack.Get("cmd"))
	require.Equal(t, "MySQL", ack.Get("service_description"))
	require.Equal(t, "1", ack.Get("sticky"))
	require.Equal(t, "0", ack.Get("notify"))
	require.Equal(t, "tok123", ack.Get("centreon_token"))

	downtime := f.commands[2]
	require.Equal(t, "75", downtime.Get("cmd"))
	require.Equal(t, "120", downtime.Get("duration"))
	require.Equal(t, "true", downtime.Get("fixed"))
	require.Equal(t, "2024-05-01 10:00", downtime.Get("start"))
	require.Equal(t, "1", downtime.Get("select[db01]"))
}

func TestAdapter_MonitorURL(t *testing.T) {
	a, err := New(adapter.Settings{
		Name: "centreon", Type: Type, MonitorURL: "https://centreon/centreon/",
		Username: "admin", UseAutologin: true, AutologinKey: "k",
	}, adapter.Deps{})
	require.NoError(t, err)

	require.Equal(t,
		"https://centreon/centreon/main.php?autologin=1&host_name=db01&o=svcd&p=20201&service_description=MySQL&token=k&useralias=admin",
		a.MonitorURL(adapter.Target{Host: "db01", Service: "MySQL"}),
	)
}
