// Package actions runs user-initiated actions against monitor servers.
// Every action is a short-lived task. Effects show up with the next refresh of the server.
package actions

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/engine"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/logging"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"sync"
	"time"
)

// ErrUnknownServer is returned for actions against servers not being polled.
var ErrUnknownServer = errors.New("unknown server")

// Engine is the set of polled servers actions run against.
type Engine interface {
	Server(name string) (*engine.Server, bool)
	Servers() []*engine.Server
	RefreshAll()
}

// Recorder receives the outcome of every action, e.g. to export metrics.
type Recorder interface {
	ObserveAction(server string, action adapter.Action, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAction(string, adapter.Action, error) {}

// Options configure a Dispatcher.
type Options struct {
	Defaults Defaults
	Recorder Recorder
	// Settle is the pause between the last recheck of RecheckAll and the refresh of all servers.
	Settle time.Duration
	// Concurrency limits the rechecks of RecheckAll running at once.
	Concurrency int
	// KeepTasks is the number of finished tasks kept for Task.
	KeepTasks int
}

// Dispatcher starts actions as tasks.
type Dispatcher struct {
	ctx    context.Context
	engine Engine
	opts   Options
	logger *logging.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	order []string

	recheckAll *recheckAll
}

// NewDispatcher creates a Dispatcher. Tasks run with ctx.
func NewDispatcher(ctx context.Context, e Engine, opts Options, logger *logging.Logger) *Dispatcher {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Settle <= 0 {
		opts.Settle = 5 * time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 16
	}
	if opts.KeepTasks < 1 {
		opts.KeepTasks = 1000
	}

	return &Dispatcher{
		ctx:        ctx,
		engine:     e,
		opts:       opts,
		logger:     logger,
		tasks:      map[string]*Task{},
		recheckAll: &recheckAll{},
	}
}

// Defaults returns the configured action defaults.
func (d *Dispatcher) Defaults() Defaults {
	return d.opts.Defaults
}

// Task returns the task with the given id.
func (d *Dispatcher) Task(id string) (*Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]

	return t, ok
}

// server returns the adapter and the latest hosts of the named server if it supports action.
func (d *Dispatcher) server(name string, action adapter.Action) (adapter.Adapter, monitor.Hosts, error) {
	s, ok := d.engine.Server(name)
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownServer, "%q", name)
	}

	a := s.Adapter()
	if !a.Capabilities().Supports(action) {
		return nil, nil, errors.Wrapf(adapter.ErrUnsupported, "%s on %s", action, name)
	}

	return a, s.Snapshot().Hosts, nil
}

// spawn registers a task and runs fn in its own goroutine.
func (d *Dispatcher) spawn(server string, action adapter.Action, target adapter.Target, fn func(context.Context) error) *Task {
	t := &Task{
		id:      uuid.NewString(),
		server:  server,
		action:  action,
		target:  target,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	d.register(t)

	go func() {
		err := fn(d.ctx)
		d.opts.Recorder.ObserveAction(server, action, err)

		if err != nil {
			d.logger.Errorw("Action failed", zap.String("server", server), zap.String("action", string(action)),
				zap.String("host", target.Host), zap.String("service", target.Service), zap.Error(err))
			t.finish(TaskFailed, err)

			return
		}

		d.logger.Debugw("Action finished", zap.String("server", server), zap.String("action", string(action)),
			zap.String("host", target.Host), zap.String("service", target.Service))
		t.finish(TaskDone, nil)
	}()

	return t
}

// skip registers a task which has nothing to do.
func (d *Dispatcher) skip(server string, action adapter.Action, target adapter.Target) *Task {
	t := &Task{
		id:      uuid.NewString(),
		server:  server,
		action:  action,
		target:  target,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	d.register(t)
	t.finish(TaskSkipped, nil)

	return t
}

// register keeps t and forgets the oldest finished tasks beyond KeepTasks.
func (d *Dispatcher) register(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tasks[t.id] = t
	d.order = append(d.order, t.id)

	for len(d.order) > d.opts.KeepTasks {
		oldest := d.tasks[d.order[0]]
		if oldest.Status().State == TaskRunning {
			break
		}

		delete(d.tasks, d.order[0])
		d.order = d.order[1:]
	}
}

// backendTarget translates displayed names into the names the backend expects.
// It also returns whether the target is passive only.
func backendTarget(hosts monitor.Hosts, t adapter.Target) (adapter.Target, bool) {
	h, ok := hosts[t.Host]
	if !ok {
		return t, false
	}

	bt := adapter.Target{Host: h.CommandName()}
	if !t.IsService() {
		return bt, h.Passiveonly
	}

	s, ok := h.Services[t.Service]
	if !ok {
		bt.Service = t.Service
		return bt, false
	}

	bt.Service = s.CommandName()

	return bt, s.Passiveonly
}

// Recheck schedules an immediate check of the target. Passive-only targets are skipped.
func (d *Dispatcher) Recheck(server string, target adapter.Target) (*Task, error) {
	a, hosts, err := d.server(server, adapter.ActionRecheck)
	if err != nil {
		return nil, err
	}

	bt, passive := backendTarget(hosts, target)
	if passive {
		d.logger.Debugw("Not rechecking passive only target", zap.String("server", server),
			zap.String("host", target.Host), zap.String("service", target.Service))

		return d.skip(server, adapter.ActionRecheck, target), nil
	}

	return d.spawn(server, adapter.ActionRecheck, target, func(ctx context.Context) error {
		return a.SetRecheck(ctx, bt)
	}), nil
}

// Acknowledge acknowledges the target. If all services are to be acknowledged but none are given,
// the services of the host known from the latest refresh are used.
func (d *Dispatcher) Acknowledge(server string, req adapter.AcknowledgeRequest) (*Task, error) {
	a, hosts, err := d.server(server, adapter.ActionAcknowledge)
	if err != nil {
		return nil, err
	}

	if req.Comment == "" {
		req.Comment = d.opts.Defaults.AcknowledgeComment
	}
	if req.Author == "" {
		req.Author = author(a)
	}

	if req.AcknowledgeAllServices && len(req.AllServices) == 0 {
		if h, ok := hosts[req.Host]; ok {
			for _, s := range h.SortedServices() {
				req.AllServices = append(req.AllServices, s.CommandName())
			}
		}
	} else if h, ok := hosts[req.Host]; ok && len(req.AllServices) > 0 {
		services := make([]string, 0, len(req.AllServices))
		for _, name := range req.AllServices {
			if s, ok := h.Services[name]; ok {
				name = s.CommandName()
			}

			services = append(services, name)
		}

		req.AllServices = services
	}

	target := req.Target()
	bt, _ := backendTarget(hosts, target)
	req.Host, req.Service = bt.Host, bt.Service

	return d.spawn(server, adapter.ActionAcknowledge, target, func(ctx context.Context) error {
		return a.SetAcknowledge(ctx, req)
	}), nil
}

// Downtime schedules a downtime. A missing window is taken from the backend's default.
func (d *Dispatcher) Downtime(server string, req adapter.DowntimeRequest) (*Task, error) {
	a, hosts, err := d.server(server, adapter.ActionDowntime)
	if err != nil {
		return nil, err
	}

	if req.Comment == "" {
		req.Comment = d.opts.Defaults.DowntimeComment
	}
	if req.Author == "" {
		req.Author = author(a)
	}
	if req.Hours == 0 && req.Minutes == 0 {
		req.Hours, req.Minutes = d.opts.Defaults.DowntimeHours, d.opts.Defaults.DowntimeMinutes
	}

	target := req.Target()
	bt, _ := backendTarget(hosts, target)
	req.Host, req.Service = bt.Host, bt.Service

	return d.spawn(server, adapter.ActionDowntime, target, func(ctx context.Context) error {
		if req.StartTime == "" || req.EndTime == "" {
			start, end := a.GetStartEnd(ctx, req.Host)
			if req.StartTime == "" {
				req.StartTime = start
			}
			if req.EndTime == "" {
				req.EndTime = end
			}
		}

		return a.SetDowntime(ctx, req)
	}), nil
}

// SubmitCheckResult submits a passive check result.
func (d *Dispatcher) SubmitCheckResult(server string, req adapter.CheckResultRequest) (*Task, error) {
	a, hosts, err := d.server(server, adapter.ActionSubmitCheckResult)
	if err != nil {
		return nil, err
	}

	if req.Comment == "" {
		req.Comment = d.opts.Defaults.SubmitCheckResultComment
	}

	target := req.Target()
	bt, _ := backendTarget(hosts, target)
	req.Host, req.Service = bt.Host, bt.Service

	return d.spawn(server, adapter.ActionSubmitCheckResult, target, func(ctx context.Context) error {
		return a.SetSubmitCheckResult(ctx, req)
	}), nil
}

// author returns the user name of a or a generic one for backends without users.
func author(a adapter.Adapter) string {
	if u := a.Settings().Username; u != "" {
		return u
	}

	return "nagstamon"
}

// rechecks returns all targets of the latest refresh of s which aren't passive only.
func rechecks(s *engine.Server) []adapter.Target {
	hosts := s.Snapshot().Hosts

	var targets []adapter.Target
	for _, name := range hosts.Names() {
		h := hosts[name]
		if !h.Passiveonly {
			targets = append(targets, adapter.Target{Host: name})
		}

		for _, svc := range h.SortedServices() {
			if !svc.Passiveonly {
				targets = append(targets, adapter.Target{Host: name, Service: svc.Name})
			}
		}
	}

	return targets
}
