// Package metrics exports refreshes, displayed problems and actions as Prometheus metrics.
package metrics

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/actions"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/engine"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/filter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
	"time"
)

const namespace = "nagstamon"

// Metrics collects the metrics of all servers in its own registry.
type Metrics struct {
	registry *prometheus.Registry

	refreshSeconds *prometheus.SummaryVec
	refreshes      *prometheus.CounterVec
	displayed      *prometheus.GaugeVec
	worstStatus    *prometheus.GaugeVec
	actions        *prometheus.CounterVec
}

// New creates Metrics including the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		refreshSeconds: factory.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "refresh_seconds",
			Help:      "Duration of status refreshes (s)",
		}, []string{"server"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Status refreshes since startup",
		}, []string{"server", "result"}),
		displayed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "displayed",
			Help:      "Hosts and services displayed after filtering",
		}, []string{"server", "state"}),
		worstStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worst_status_severity",
			Help:      "Severity of the worst displayed status, 0 if nothing is displayed",
		}, []string{"server"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions since startup",
		}, []string{"server", "action", "result"}),
	}
}

// ObserveRefresh implements the engine.Recorder interface.
func (m *Metrics) ObserveRefresh(server string, took time.Duration, err error) {
	m.refreshSeconds.WithLabelValues(server).Observe(took.Seconds())
	m.refreshes.WithLabelValues(server, result(err)).Inc()
}

// SetDisplayed implements the engine.Recorder interface.
func (m *Metrics) SetDisplayed(server string, counts filter.Counts, worst monitor.State) {
	for state, n := range map[monitor.State]int{
		monitor.StateDown:        counts.Down,
		monitor.StateUnreachable: counts.Unreachable,
		monitor.StateDisaster:    counts.Disaster,
		monitor.StateCritical:    counts.Critical,
		monitor.StateHigh:        counts.High,
		monitor.StateAverage:     counts.Average,
		monitor.StateWarning:     counts.Warning,
		monitor.StateInformation: counts.Information,
		monitor.StateUnknown:     counts.Unknown,
	} {
		m.displayed.WithLabelValues(server, state.String()).Set(float64(n))
	}

	m.worstStatus.WithLabelValues(server).Set(float64(worst.Severity()))
}

// ObserveAction implements the actions.Recorder interface.
func (m *Metrics) ObserveAction(server string, action adapter.Action, err error) {
	m.actions.WithLabelValues(server, string(action), result(err)).Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

// Assert interface compliance.
var (
	_ engine.Recorder  = (*Metrics)(nil)
	_ actions.Recorder = (*Metrics)(nil)
)
