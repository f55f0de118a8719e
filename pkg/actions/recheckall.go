package actions

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"sync"
	"time"
)

// ErrRecheckAllRunning is returned by RecheckAll while a previous run is in progress.
var ErrRecheckAllRunning = errors.New("recheck all already running")

// RecheckAllStatus is the progress of the current or latest RecheckAll run.
type RecheckAllStatus struct {
	Running  bool      `json:"running"`
	Spawned  int64     `json:"spawned"`
	Finished int64     `json:"finished"`
	Failed   int64     `json:"failed"`
	Started  time.Time `json:"started"`
}

// recheckAll guards RecheckAll so that only one run exists at a time.
type recheckAll struct {
	mu      sync.Mutex
	running bool
	started time.Time

	spawned  atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
}

func (r *recheckAll) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}

	r.running = true
	r.started = time.Now()
	r.spawned.Store(0)
	r.finished.Store(0)
	r.failed.Store(0)

	return true
}

func (r *recheckAll) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
}

func (r *recheckAll) status() RecheckAllStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RecheckAllStatus{
		Running:  r.running,
		Spawned:  r.spawned.Load(),
		Finished: r.finished.Load(),
		Failed:   r.failed.Load(),
		Started:  r.started,
	}
}

// RecheckAllStatus returns the progress of the current or latest RecheckAll run.
func (d *Dispatcher) RecheckAllStatus() RecheckAllStatus {
	return d.recheckAll.status()
}

// RecheckAll rechecks every host and service of every polled server that isn't passive only.
// Once all rechecks have finished and the settle time has passed, all servers are refreshed once.
// It returns ErrRecheckAllRunning without doing anything if a previous run hasn't finished yet.
func (d *Dispatcher) RecheckAll() (RecheckAllStatus, error) {
	if !d.recheckAll.acquire() {
		d.logger.Info("Recheck all already running")

		return d.RecheckAllStatus(), ErrRecheckAllRunning
	}

	go func() {
		defer d.recheckAll.release()

		d.runRecheckAll(d.ctx)
	}()

	return d.RecheckAllStatus(), nil
}

func (d *Dispatcher) runRecheckAll(ctx context.Context) {
	start := time.Now()

	g := &errgroup.Group{}
	g.SetLimit(d.opts.Concurrency)

	for _, s := range d.engine.Servers() {
		if s.Stopped() || !s.Adapter().Capabilities().Supports(adapter.ActionRecheck) {
			continue
		}

		server := s.Name()
		for _, target := range rechecks(s) {
			target := target

			g.Go(func() error {
				d.recheckAll.spawned.Inc()
				defer d.recheckAll.finished.Inc()

				t, err := d.Recheck(server, target)
				if err != nil {
					d.recheckAll.failed.Inc()
					return nil
				}

				select {
				case <-t.Done():
					if t.Status().State == TaskFailed {
						d.recheckAll.failed.Inc()
					}
				case <-ctx.Done():
				}

				return nil
			})
		}
	}

	_ = g.Wait()

	status := d.RecheckAllStatus()
	d.logger.Infof("Rechecked %d hosts and services with %d failures in %s",
		status.Finished, status.Failed, time.Since(start))

	select {
	case <-time.After(d.opts.Settle):
		d.engine.RefreshAll()
	case <-ctx.Done():
	}
}
