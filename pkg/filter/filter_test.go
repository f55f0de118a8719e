package filter

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"testing"
)

func service(host, name string, state monitor.State, attempt string) *monitor.Service {
	s := monitor.NewService(host, name, "test")
	s.Status = state
	s.Attempt = attempt

	return s
}

func host(name string, state monitor.State) *monitor.Host {
	h := monitor.NewHost(name, "test")
	h.Status = state

	return h
}

func fixture() monitor.Hosts {
	hosts := monitor.Hosts{}

	web := host("web01", monitor.StateDown)
	web.Attempt = "3/3"
	hosts.AddHost(web)
	hosts.AddService(service("web01", "HTTP", monitor.StateCritical, "4/4"))

	db := host("db01", monitor.StateUp)
	db.Acknowledged = true
	hosts.AddHost(db)
	hosts.AddService(service("db01", "Disk", monitor.StateWarning, "1/3"))
	hosts.AddService(service("db01", "Load", monitor.StateOk, "1/1"))

	return hosts
}

func names(d Displayed) []string {
	var out []string
	for _, s := range HostStates {
		for _, h := range d.Hosts[s] {
			out = append(out, h.Name+"/"+s.String())
		}
	}

	for _, s := range ServiceStates {
		for _, svc := range d.Services[s] {
			out = append(out, svc.Host+"/"+svc.Name+"/"+s.String())
		}
	}

	return out
}

func TestFilter_Apply(t *testing.T) {
	subtests := []struct {
		name   string
		opts   Options
		output []string
		counts Counts
	}{
		{
			name:   "none",
			output: []string{"web01/DOWN", "web01/HTTP/CRITICAL", "db01/Disk/WARNING"},
			counts: Counts{Down: 1, Critical: 1, Warning: 1},
		},
		{
			name:   "soft-services",
			opts:   Options{FilterServicesInSoftState: true},
			output: []string{"web01/DOWN", "web01/HTTP/CRITICAL"},
			counts: Counts{Down: 1, Critical: 1},
		},
		{
			name:   "services-on-down-hosts",
			opts:   Options{FilterServicesOnDownHosts: true},
			output: []string{"web01/DOWN", "db01/Disk/WARNING"},
			counts: Counts{Down: 1, Warning: 1},
		},
		{
			name:   "services-on-acknowledged-hosts",
			opts:   Options{FilterServicesOnAcknowledgedHosts: true},
			output: []string{"web01/DOWN", "web01/HTTP/CRITICAL"},
			counts: Counts{Down: 1, Critical: 1},
		},
		{
			name:   "down-kill-switch",
			opts:   Options{FilterAllDownHosts: true, FilterAllWarningServices: true},
			output: []string{"web01/HTTP/CRITICAL"},
			counts: Counts{Critical: 1},
		},
		{
			name:   "host-regex",
			opts:   Options{ReHostEnabled: true, ReHostPattern: "^web"},
			output: []string{"db01/Disk/WARNING"},
			counts: Counts{Warning: 1},
		},
		{
			name:   "host-regex-reverse",
			opts:   Options{ReHostEnabled: true, ReHostPattern: "^web", ReHostReverse: true},
			output: []string{"web01/DOWN", "web01/HTTP/CRITICAL"},
			counts: Counts{Down: 1, Critical: 1},
		},
		{
			name:   "attempt-regex",
			opts:   Options{ReAttemptEnabled: true, ReAttemptPattern: `^1/`},
			output: []string{"web01/DOWN", "web01/HTTP/CRITICAL"},
			counts: Counts{Down: 1, Critical: 1},
		},
		{
			name:   "disabled-regex",
			opts:   Options{ReServicePattern: "HTTP"},
			output: []string{"web01/DOWN", "web01/HTTP/CRITICAL", "db01/Disk/WARNING"},
			counts: Counts{Down: 1, Critical: 1, Warning: 1},
		},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			f, err := New(st.opts, zaptest.NewLogger(t).Sugar())
			require.NoError(t, err)

			d := f.Apply(fixture())
			require.Equal(t, st.output, names(d))
			require.Equal(t, st.counts, d.Counts)
		})
	}
}

func TestFilter_ApplyIdempotent(t *testing.T) {
	f, err := New(Options{FilterServicesInSoftState: true, ReServiceEnabled: true, ReServicePattern: "Load"}, nil)
	require.NoError(t, err)

	hosts := fixture()
	first := f.Apply(hosts)
	second := f.Apply(hosts)

	require.Equal(t, names(first), names(second))
	require.Equal(t, first.Counts, second.Counts)
	require.False(t, hosts["db01"].Services["Disk"].Visible)
}

func TestFilter_ApplyEmpty(t *testing.T) {
	f, err := New(Options{}, nil)
	require.NoError(t, err)

	d := f.Apply(monitor.Hosts{})
	require.Zero(t, d.Counts)
	require.Zero(t, d.Counts.Total())
	require.Equal(t, monitor.StateUp, d.Worst())
}

func TestFilter_NeverDisplaysOk(t *testing.T) {
	hosts := monitor.Hosts{}
	hosts.AddHost(host("up01", monitor.StateUp))
	hosts.AddHost(host("pending01", monitor.StatePending))
	hosts.AddService(service("up01", "Ping", monitor.StateOk, "1/1"))
	hosts.AddService(service("up01", "New", monitor.StatePending, ""))

	f, err := New(Options{}, nil)
	require.NoError(t, err)

	d := f.Apply(hosts)
	require.Empty(t, names(d))
	require.Zero(t, d.Counts.Total())
}

func TestFilter_SoftHostsNotAffectedByServiceSwitch(t *testing.T) {
	hosts := monitor.Hosts{}

	web := host("web02", monitor.StateDown)
	web.StatusType = monitor.Soft
	hosts.AddHost(web)

	f, err := New(Options{FilterServicesInSoftState: true}, nil)
	require.NoError(t, err)

	d := f.Apply(hosts)
	require.Equal(t, []string{"web02/DOWN"}, names(d))
	require.Equal(t, monitor.Soft, d.Hosts[monitor.StateDown][0].StatusType)
	require.Empty(t, hosts["web02"].Services)
	require.Equal(t, monitor.StateDown, d.Worst())

	f, err = New(Options{FilterHostsInSoftState: true}, nil)
	require.NoError(t, err)
	require.Empty(t, names(f.Apply(hosts)))
}

func TestNew_BadPattern(t *testing.T) {
	_, err := New(Options{ReStatusInformationEnabled: true, ReStatusInformationPattern: "("}, nil)
	require.Error(t, err)

	o := Options{ReDurationEnabled: false, ReDurationPattern: "("}
	require.NoError(t, o.Validate())
}

func TestCounts_Add(t *testing.T) {
	c := Counts{Down: 1, Warning: 2}.Add(Counts{Down: 2, Unknown: 1})
	require.Equal(t, Counts{Down: 3, Warning: 2, Unknown: 1}, c)
	require.Equal(t, 6, c.Total())
}
