package logging

import (
	"fmt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"os"
	"sync"
	"time"
)

const (
	CONSOLE = "console"
	JOURNAL = "systemd-journald"
)

// defaultEncConfig defines the default zapcore.EncoderConfig for the logging package.
var defaultEncConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// Options define child loggers with their desired log level.
type Options map[string]zapcore.Level

// Logger wraps zap.SugaredLogger and
// allows to get the interval for periodic logging.
type Logger struct {
	*zap.SugaredLogger
	interval time.Duration
}

// NewLogger returns a new Logger.
func NewLogger(base *zap.SugaredLogger, interval time.Duration) *Logger {
	return &Logger{
		SugaredLogger: base,
		interval:      interval,
	}
}

// Interval returns the interval for periodic logging.
func (l *Logger) Interval() time.Duration {
	return l.interval
}

// Logging implements access to a default logger and named child loggers.
// Log levels can be configured per named child via Options which, if not configured,
// fall back on a default log level.
// Logs either to the console or to systemd-journald. In debug mode, debug messages
// are additionally copied into the DebugQueue.
type Logging struct {
	logger    *Logger
	output    string
	verbosity zap.AtomicLevel
	interval  time.Duration
	queue     *DebugQueue

	// coreFactory creates zapcore.Core based on the log level and the log output.
	coreFactory func(zap.AtomicLevel) zapcore.Core

	mu      sync.Mutex
	loggers map[string]*Logger

	options Options
}

// NewLogging takes the name and log level for the default logger,
// output where log messages are written to,
// options having log levels for named child loggers
// and returns a new Logging. queue may be nil.
func NewLogging(
	name string, level zapcore.Level, output string, options Options, interval time.Duration, queue *DebugQueue,
) (*Logging, error) {
	verbosity := zap.NewAtomicLevelAt(level)

	var outputFactory func(zap.AtomicLevel) zapcore.Core
	switch output {
	case CONSOLE:
		enc := zapcore.NewConsoleEncoder(defaultEncConfig)
		ws := zapcore.Lock(os.Stderr)
		outputFactory = func(verbosity zap.AtomicLevel) zapcore.Core {
			return zapcore.NewCore(enc, ws, verbosity)
		}
	case JOURNAL:
		outputFactory = func(verbosity zap.AtomicLevel) zapcore.Core {
			return NewJournaldCore(name, verbosity)
		}
	default:
		return nil, invalidOutput(output)
	}

	coreFactory := outputFactory
	if queue != nil {
		debugCore := queue.Core()
		coreFactory = func(verbosity zap.AtomicLevel) zapcore.Core {
			return zapcore.NewTee(outputFactory(verbosity), debugCore)
		}
	}

	return &Logging{
			logger:      NewLogger(zap.New(coreFactory(verbosity)).Named(name).Sugar(), interval),
			output:      output,
			verbosity:   verbosity,
			interval:    interval,
			queue:       queue,
			coreFactory: coreFactory,
			loggers:     map[string]*Logger{},
			options:     options,
		},
		nil
}

// NewLoggingFromConfig returns a new Logging from Config.
// In debug mode, the debug queue writes to stdout and, if configured, appends to the debug file.
func NewLoggingFromConfig(name string, c Config) (*Logging, error) {
	var queue *DebugQueue

	if c.DebugMode {
		var file *os.File
		if c.DebugToFile {
			f, err := os.OpenFile(c.DebugFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				return nil, errors.Wrap(err, "can't open debug file")
			}

			file = f
		}

		if file != nil {
			queue = NewDebugQueue(c.DebugQueueSize, os.Stdout, file)
		} else {
			queue = NewDebugQueue(c.DebugQueueSize, os.Stdout, nil)
		}
	}

	l, err := NewLogging(name, c.Level, c.Output, c.Options, c.Interval, queue)
	if err != nil && queue != nil {
		_ = queue.Close()
	}

	return l, err
}

// GetChildLogger returns a named child logger.
// Log levels for named child loggers are obtained from the logging options and, if not found,
// set to the default log level.
func (l *Logging) GetChildLogger(name string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if logger, ok := l.loggers[name]; ok {
		return logger
	}

	var verbosity zap.AtomicLevel
	if level, found := l.options[name]; found {
		verbosity = zap.NewAtomicLevelAt(level)
	} else {
		verbosity = l.verbosity
	}

	logger := NewLogger(zap.New(l.coreFactory(verbosity)).Named(name).Sugar(), l.interval)
	l.loggers[name] = logger

	return logger
}

// GetLogger returns the default logger.
func (l *Logging) GetLogger() *Logger {
	return l.logger
}

// DebugQueue returns the debug queue or nil if debug mode is off.
func (l *Logging) DebugQueue() *DebugQueue {
	return l.queue
}

// Close flushes the loggers and drains the debug queue.
func (l *Logging) Close() error {
	_ = l.logger.Sync()

	if l.queue != nil {
		if dropped := l.queue.Dropped(); dropped > 0 {
			l.logger.Warnf("Dropped %d debug lines", dropped)
		}

		return l.queue.Close()
	}

	return nil
}

// AssertOutput returns an error if output is not a valid logger output.
func AssertOutput(o string) error {
	if o == CONSOLE || o == JOURNAL {
		return nil
	}

	return invalidOutput(o)
}

func invalidOutput(o string) error {
	return fmt.Errorf("%s is not a valid logger output. Must be either %q or %q", o, CONSOLE, JOURNAL)
}
