package engine

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/changes"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/filter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/icinga/icinga-go-library/com"
	"github.com/icinga/icinga-go-library/periodic"
	"github.com/icinga/icinga-go-library/utils"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"time"
)

const (
	// DefaultTick is the pace of the poller.
	DefaultTick = time.Second
	// DefaultErrorPause is how long a poller rests after a failed refresh.
	DefaultErrorPause = 10 * time.Second
)

// ServerState is the connection state of a server.
type ServerState uint8

const (
	Idle ServerState = iota
	Refreshing
	Connected
	Failed
)

var serverStateNames = map[ServerState]string{
	Idle:       "Idle",
	Refreshing: "Refreshing",
	Connected:  "Connected",
	Failed:     "ERROR",
}

// String implements the fmt.Stringer interface.
func (s ServerState) String() string {
	return serverStateNames[s]
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Hooks are the callbacks of the collaborators. Nil hooks are skipped.
// They are called from the poller of the server and must not block for long.
type Hooks struct {
	// OnWorstStatusChanged is called at most once per refresh with a worst new state other than UP.
	OnWorstStatusChanged func(server string, worst monitor.State)
	// OnStatusRefreshed is called once per successful refresh.
	OnStatusRefreshed func(server string)
	// OnServerStateChanged is called whenever a refresh starts, succeeds or fails.
	OnServerStateChanged func(server string, state ServerState, description string)
}

func (h Hooks) worstStatusChanged(server string, worst monitor.State) {
	if h.OnWorstStatusChanged != nil {
		h.OnWorstStatusChanged(server, worst)
	}
}

func (h Hooks) statusRefreshed(server string) {
	if h.OnStatusRefreshed != nil {
		h.OnStatusRefreshed(server)
	}
}

func (h Hooks) serverStateChanged(server string, state ServerState, description string) {
	if h.OnServerStateChanged != nil {
		h.OnServerStateChanged(server, state, description)
	}
}

// Recorder receives the outcome of every refresh, e.g. to export metrics.
type Recorder interface {
	ObserveRefresh(server string, took time.Duration, err error)
	SetDisplayed(server string, counts filter.Counts, worst monitor.State)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRefresh(string, time.Duration, error)       {}
func (nopRecorder) SetDisplayed(string, filter.Counts, monitor.State) {}

// Snapshot is the state of a server as of its latest refresh.
// Snapshots are replaced, never modified, so readers may keep them.
type Snapshot struct {
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	State      ServerState `json:"state"`
	Error      string      `json:"error,omitempty"`
	StatusCode int         `json:"status_code,omitempty"`
	// Hosts are all hosts of the latest successful refresh including the filtered ones.
	Hosts       monitor.Hosts    `json:"-"`
	Displayed   filter.Displayed `json:"displayed"`
	WorstStatus monitor.State    `json:"worst_status"`
	// WorstNew is the latest result of the change detector.
	WorstNew    monitor.State `json:"worst_new"`
	LastRefresh time.Time     `json:"last_refresh"`
}

// ServerOptions configure a Server.
type ServerOptions struct {
	// Interval between two refreshes, at least one Tick.
	Interval time.Duration
	// Tick defaults to DefaultTick.
	Tick time.Duration
	// ErrorPause defaults to DefaultErrorPause.
	ErrorPause    time.Duration
	Filter        *filter.Filter
	Notifications Notifications
	Hooks         Hooks
	Recorder      Recorder
}

// Server polls one monitor server.
type Server struct {
	adapter  adapter.Adapter
	opts     ServerOptions
	logger   *zap.SugaredLogger
	detector *changes.Detector

	// ticks is the interval in ticks.
	ticks int
	// counter and pauseUntil are only accessed by the poller.
	counter    int
	pauseUntil time.Time

	doRefresh  atomic.Bool
	isChecking atomic.Bool
	stopped    atomic.Bool

	snapshot  atomic.Pointer[Snapshot]
	refreshes com.Counter
	failures  com.Counter
}

// NewServer creates a poller for a. The first refresh happens on the first tick.
func NewServer(a adapter.Adapter, opts ServerOptions, logger *zap.SugaredLogger) (*Server, error) {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.ErrorPause <= 0 {
		opts.ErrorPause = DefaultErrorPause
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Filter == nil {
		f, err := filter.New(filter.Options{}, logger)
		if err != nil {
			return nil, err
		}

		opts.Filter = f
	}

	ticks := int(opts.Interval / opts.Tick)
	if ticks < 1 {
		ticks = 1
	}

	s := &Server{
		adapter:  a,
		opts:     opts,
		logger:   logger.With(zap.String("server", a.Name())),
		detector: changes.NewDetector(),
		ticks:    ticks,
		counter:  ticks,
	}

	s.snapshot.Store(&Snapshot{
		Name:        a.Name(),
		Type:        a.Type(),
		State:       Idle,
		Hosts:       monitor.Hosts{},
		Displayed:   opts.Filter.Apply(monitor.Hosts{}),
		WorstStatus: monitor.StateUp,
		WorstNew:    monitor.StateUp,
	})

	return s, nil
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.adapter.Name()
}

// Adapter returns the backend adapter of s.
func (s *Server) Adapter() adapter.Adapter {
	return s.adapter
}

// Snapshot returns the latest state of s.
func (s *Server) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Detector returns the change detector of s.
func (s *Server) Detector() *changes.Detector {
	return s.detector
}

// Refresh forces a refresh on the next tick.
func (s *Server) Refresh() {
	s.doRefresh.Store(true)
}

// IsChecking reports whether a refresh is running.
func (s *Server) IsChecking() bool {
	return s.isChecking.Load()
}

// Stop lets Run return on the next tick.
func (s *Server) Stop() {
	s.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (s *Server) Stopped() bool {
	return s.stopped.Load()
}

// Run polls until ctx is canceled or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})

	periodic.Start(ctx, s.opts.Tick, func(tick periodic.Tick) {
		if s.stopped.Load() {
			cancel()
			return
		}

		s.tick(ctx, tick.Time)
	}, periodic.Immediate(), periodic.OnStop(func(tick periodic.Tick) {
		s.logger.Debugf("Stopped polling after %s with %d refreshes and %d failures",
			tick.Elapsed, s.refreshes.Total(), s.failures.Total())
		close(done)
	}))

	<-done

	if s.stopped.Load() {
		return nil
	}

	return ctx.Err()
}

// tick refreshes if the interval has elapsed or a refresh was forced. Otherwise it runs the adapter's hook.
func (s *Server) tick(ctx context.Context, now time.Time) {
	forced := s.doRefresh.Load()
	if !forced && now.Before(s.pauseUntil) {
		return
	}

	s.counter++
	if !forced && s.counter < s.ticks {
		s.adapter.Hook(ctx)
		return
	}

	s.refresh(ctx)
}

func (s *Server) refresh(ctx context.Context) {
	if !s.isChecking.CompareAndSwap(false, true) {
		return
	}
	defer s.isChecking.Store(false)

	s.counter = 0
	s.doRefresh.Store(false)
	s.setState(Refreshing, "")

	start := time.Now()
	hosts, err := s.getStatus(ctx)
	s.opts.Recorder.ObserveRefresh(s.Name(), time.Since(start), err)

	if err != nil && !adapter.IsPartial(err) {
		if utils.IsContextCanceled(err) {
			return
		}

		s.failures.Inc()
		s.logger.Warnw("Can't refresh status", zap.Error(err))
		s.fail(err)
		s.pauseUntil = time.Now().Add(s.opts.ErrorPause)

		return
	}

	displayed := s.opts.Filter.Apply(hosts)
	worstNew := s.detector.Update(changes.Canonical(displayed))

	next := &Snapshot{
		Name:        s.Name(),
		Type:        s.adapter.Type(),
		State:       Connected,
		Hosts:       hosts,
		Displayed:   displayed,
		WorstStatus: displayed.Worst(),
		WorstNew:    worstNew,
		LastRefresh: time.Now(),
	}
	if err != nil {
		s.logger.Warnf("Server reported: %s", err)
		next.Error = err.Error()
	}

	s.snapshot.Store(next)
	s.refreshes.Inc()
	s.opts.Recorder.SetDisplayed(s.Name(), displayed.Counts, next.WorstStatus)

	s.logger.Debugw("Refreshed status",
		zap.Int("hosts", len(hosts)), zap.Int("displayed", displayed.Counts.Total()),
		zap.Stringer("worst", next.WorstStatus), zap.Stringer("worst_new", worstNew), zap.Duration("took", time.Since(start)))

	s.opts.Hooks.serverStateChanged(s.Name(), Connected, next.Error)
	s.opts.Hooks.statusRefreshed(s.Name())

	if worstNew != monitor.StateUp && s.opts.Notifications.Wants(worstNew) {
		s.opts.Hooks.worstStatusChanged(s.Name(), worstNew)
	}
}

// getStatus authenticates first if the adapter asks for it.
func (s *Server) getStatus(ctx context.Context) (monitor.Hosts, error) {
	if s.adapter.NeedsAuthentication() {
		if err := s.adapter.InitializeTransport(ctx); err != nil {
			return nil, errors.Wrap(err, "can't initialize transport")
		}
	}

	return s.adapter.GetStatus(ctx)
}

// setState publishes state keeping everything else of the latest snapshot.
func (s *Server) setState(state ServerState, description string) {
	next := *s.Snapshot()
	next.State = state
	next.Error = description
	next.StatusCode = 0
	s.snapshot.Store(&next)

	s.opts.Hooks.serverStateChanged(s.Name(), state, description)
}

// fail publishes err but keeps the hosts of the latest successful refresh.
func (s *Server) fail(err error) {
	next := *s.Snapshot()
	next.State = Failed
	next.Error = err.Error()
	next.StatusCode = 0

	var sc monitor.StatusCoder
	if errors.As(err, &sc) {
		next.StatusCode = sc.StatusCode()
	}

	s.snapshot.Store(&next)
	s.opts.Hooks.serverStateChanged(s.Name(), Failed, next.Error)
}
