package main

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/internal"
	"github.com/HenriWahl/Nagstamon-sub003/internal/command"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/api"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/engine"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/logging"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/metrics"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/icinga/icinga-go-library/backoff"
	"github.com/icinga/icinga-go-library/retry"
	"github.com/okzk/sdnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := command.New("nagstamond")
	logs := cmd.Logging
	logger := cmd.Logger
	defer func() { _ = logs.Close() }()

	logger.Infof("Starting nagstamond %s", internal.Version.Version)

	m := metrics.New()

	e, err := cmd.Engine(m, hooks(logs.GetChildLogger("notifier")))
	if err != nil {
		logger.Errorf("%+v", errors.Wrap(err, "can't create engine"))
		return ExitFailure
	}

	for _, d := range e.Disabled() {
		logger.Warnw("Not polling server", zap.String("server", d.Name), zap.String("type", d.Type),
			zap.String("reason", d.Reason))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := cmd.Dispatcher(ctx, e, m)
	srv := &http.Server{
		Handler:           api.NewHandler(e, d, m.Handler(), logs.GetChildLogger("api")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l, err := listen(ctx, cmd.Config.API.Listen, logger)
	if err != nil {
		logger.Errorf("%+v", err)
		return ExitFailure
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.Run(ctx)
	})

	g.Go(func() error {
		logger.Infof("Serving API at http://%s/v1/status", l.Addr())

		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "can't serve API")
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	_ = sdnotify.Ready()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case s := <-sig:
		logger.Infow("Exiting due to signal", zap.String("signal", s.String()))
		_ = sdnotify.Stopping()

		e.Stop()
		cancel()

		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("%+v", err)
			return ExitFailure
		}

		return ExitSuccess
	case err := <-done:
		_ = sdnotify.Stopping()

		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("%+v", err)
			return ExitFailure
		}

		return ExitSuccess
	}
}

// listen retries binding addr for a while, e.g. until a previous instance has released it.
func listen(ctx context.Context, addr string, logger *logging.Logger) (net.Listener, error) {
	var l net.Listener

	err := retry.WithBackoff(
		ctx,
		func(ctx context.Context) (err error) {
			l, err = (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
			return
		},
		func(error) bool { return true },
		backoff.NewExponentialWithJitter(100*time.Millisecond, 5*time.Second),
		retry.Settings{
			Timeout: 30 * time.Second,
			OnRetryableError: func(_ time.Duration, attempt uint64, err, lastErr error) {
				if lastErr == nil || err.Error() != lastErr.Error() {
					logger.Warnw("Can't listen. Retrying", zap.Error(err), zap.Uint64("attempt", attempt))
				}
			},
		},
	)

	return l, errors.Wrapf(err, "can't listen on %s", addr)
}

// hooks log what a desktop client would notify the user about.
func hooks(logger *logging.Logger) engine.Hooks {
	return engine.Hooks{
		OnWorstStatusChanged: func(server string, worst monitor.State) {
			logger.Warnw("New problems", zap.String("server", server), zap.Stringer("worst", worst))
		},
		OnServerStateChanged: func(server string, state engine.ServerState, description string) {
			if state == engine.Failed {
				logger.Warnw("Can't refresh status", zap.String("server", server), zap.String("error", description))
			}
		},
	}
}
