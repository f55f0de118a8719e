// Package engine polls all configured monitor servers and aggregates their state.
package engine

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/filter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/logging"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/registry"
	"github.com/icinga/icinga-go-library/periodic"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"time"
)

// Config configures an Engine.
type Config struct {
	Servers []adapter.Settings
	// Interval between two refreshes of a server. Values below one second are raised to one second.
	Interval      time.Duration
	ConnectBy     string
	Filter        filter.Options
	Notifications Notifications
	Hooks         Hooks
	Recorder      Recorder
	// Tick is the pace of the pollers, DefaultTick if zero.
	Tick time.Duration
}

// Disabled is a configured server not being polled.
type Disabled struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Engine runs one Server per enabled server.
type Engine struct {
	servers  []*Server
	byName   map[string]*Server
	disabled []Disabled
	logger   *logging.Logger
}

// New creates the adapters of cfg.Servers from reg.
// Servers of unknown type or invalid settings are disabled and reported by Disabled.
func New(cfg Config, reg *registry.Registry, logger *logging.Logger) (*Engine, error) {
	if cfg.Interval < time.Second {
		cfg.Interval = time.Second
	}

	f, err := filter.New(cfg.Filter, logger.Named("filter"))
	if err != nil {
		return nil, errors.Wrap(err, "can't create filter")
	}

	e := &Engine{
		byName: make(map[string]*Server, len(cfg.Servers)),
		logger: logger,
	}

	deps := adapter.Deps{
		Logger:             logger.SugaredLogger,
		ConnectBy:          cfg.ConnectBy,
		FilterAcknowledged: cfg.Filter.FilterAcknowledgedHostsServices,
	}

	for _, settings := range cfg.Servers {
		if !settings.Enabled {
			e.disable(settings, "disabled in configuration")
			continue
		}

		if _, ok := e.byName[settings.Name]; ok {
			e.disable(settings, "duplicate server name")
			continue
		}

		a, err := reg.Create(settings, deps)
		if err != nil {
			logger.Errorf("%+v", errors.Wrapf(err, "disabling server %q", settings.Name))
			e.disable(settings, err.Error())

			continue
		}

		s, err := NewServer(a, ServerOptions{
			Interval:      cfg.Interval,
			Tick:          cfg.Tick,
			Filter:        f,
			Notifications: cfg.Notifications,
			Hooks:         cfg.Hooks,
			Recorder:      cfg.Recorder,
		}, logger.SugaredLogger)
		if err != nil {
			return nil, err
		}

		e.servers = append(e.servers, s)
		e.byName[s.Name()] = s
	}

	return e, nil
}

func (e *Engine) disable(settings adapter.Settings, reason string) {
	e.disabled = append(e.disabled, Disabled{Name: settings.Name, Type: settings.Type, Reason: reason})
}

// Servers returns the polled servers in configuration order.
func (e *Engine) Servers() []*Server {
	return e.servers
}

// Server returns the polled server called name.
func (e *Engine) Server(name string) (*Server, bool) {
	s, ok := e.byName[name]

	return s, ok
}

// Disabled returns the configured servers not being polled.
func (e *Engine) Disabled() []Disabled {
	return e.disabled
}

// Run polls all servers until ctx is canceled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range e.servers {
		s := s

		g.Go(func() error {
			return s.Run(ctx)
		})
	}

	e.logger.Infof("Polling %d servers", len(e.servers))

	stop := periodic.Start(ctx, e.logger.Interval(), func(tick periodic.Tick) {
		var failed int
		for _, s := range e.servers {
			if s.Snapshot().State == Failed {
				failed++
			}
		}

		e.logger.Infow("Status", "worst", e.WorstStatus(), "displayed", e.StatusCount().Total(), "failed_servers", failed)
	})
	defer stop.Stop()

	return g.Wait()
}

// RefreshAll forces a refresh of every server on its next tick.
func (e *Engine) RefreshAll() {
	for _, s := range e.servers {
		s.Refresh()
	}
}

// Stop stops all servers.
func (e *Engine) Stop() {
	for _, s := range e.servers {
		s.Stop()
	}
}

// WorstStatus returns the most severe displayed state of all servers.
func (e *Engine) WorstStatus() monitor.State {
	worst := monitor.StateUp
	for _, s := range e.servers {
		if w := s.Snapshot().WorstStatus; w.Worse(worst) {
			worst = w
		}
	}

	return worst
}

// StatusCount sums the displayed counts of all servers.
func (e *Engine) StatusCount() filter.Counts {
	var c filter.Counts
	for _, s := range e.servers {
		c = c.Add(s.Snapshot().Displayed.Counts)
	}

	return c
}
