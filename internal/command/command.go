package command

import (
	"context"
	"fmt"
	"github.com/HenriWahl/Nagstamon-sub003/internal"
	"github.com/HenriWahl/Nagstamon-sub003/internal/config"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/actions"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/engine"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/logging"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/registry"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"os"
)

// Command provides factories for the engine and the action dispatcher from Config.
type Command struct {
	Flags   *config.Flags
	Config  *config.Config
	Logging *logging.Logging
	Logger  *logging.Logger
}

// New creates and returns a new Command, parses CLI flags and the YAML config, and initializes the logger.
// It prints the version and exits if requested.
func New(program string) *Command {
	f := &config.Flags{}
	if _, err := flags.NewParser(f, flags.Default).Parse(); err != nil {
		os.Exit(2)
	}

	if f.Version {
		internal.PrintVersion(program)
		os.Exit(0)
	}

	cfg, err := config.FromYAMLFile(f.Config, nil)
	if err != nil {
		fatal(errors.Wrap(err, "can't load config"))
	}

	logs, err := logging.NewLoggingFromConfig(program, cfg.Logging)
	if err != nil {
		fatal(errors.Wrap(err, "can't configure logging"))
	}

	return &Command{
		Flags:   f,
		Config:  cfg,
		Logging: logs,
		Logger:  logs.GetLogger(),
	}
}

// Engine creates the engine of all configured servers with the built-in backends.
func (c Command) Engine(recorder engine.Recorder, hooks engine.Hooks) (*engine.Engine, error) {
	cfg := c.Config.Engine()
	cfg.Recorder = recorder
	cfg.Hooks = hooks

	return engine.New(cfg, registry.Default(), c.Logging.GetChildLogger("engine"))
}

// Dispatcher creates the action dispatcher for e. Tasks are canceled with ctx.
func (c Command) Dispatcher(ctx context.Context, e actions.Engine, recorder actions.Recorder) *actions.Dispatcher {
	return actions.NewDispatcher(ctx, e, actions.Options{
		Defaults:    c.Config.Actions,
		Recorder:    recorder,
		Settle:      c.Config.General.RecheckAllSettle,
		Concurrency: c.Config.General.RecheckAllConcurrency,
	}, c.Logging.GetChildLogger("actions"))
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "%+v\n", err)
	os.Exit(1)
}
