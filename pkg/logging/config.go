package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"os"
	"time"
)

// Config defines Logging configuration.
type Config struct {
	// zapcore.Level at 0 is for info level.
	Level  zapcore.Level `yaml:"level" env:"LEVEL" default:"0"`
	Output string        `yaml:"output" env:"OUTPUT"`
	// Interval for periodic logging.
	Interval time.Duration `yaml:"interval" env:"INTERVAL" default:"20s"`

	Options `yaml:"options"`

	// DebugMode copies every debug message to stdout through the debug queue, regardless of Level.
	DebugMode   bool   `yaml:"debug_mode" env:"DEBUG_MODE"`
	DebugToFile bool   `yaml:"debug_to_file" env:"DEBUG_TO_FILE"`
	DebugFile   string `yaml:"debug_file" env:"DEBUG_FILE" default:"nagstamon.log"`
	// DebugQueueSize is the number of lines buffered before lines are dropped.
	DebugQueueSize int `yaml:"debug_queue_size" env:"DEBUG_QUEUE_SIZE" default:"1024"`
}

// Validate checks constraints in the supplied Config configuration and returns an error if they are violated.
// Also configures the log output if it is not configured:
// systemd-journald is used when running as a systemd service, otherwise stderr.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("periodic logging interval must be positive")
	}

	if c.DebugMode && c.DebugToFile && c.DebugFile == "" {
		return errors.New("debug_file missing")
	}

	if c.DebugQueueSize < 1 {
		return errors.New("debug_queue_size must be positive")
	}

	if c.Output == "" {
		if _, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
			// NOTIFY_SOCKET is set by systemd for Type=notify services.
			c.Output = JOURNAL
		} else {
			c.Output = CONSOLE
		}
	}

	return AssertOutput(c.Output)
}
