package logging

import (
	"bytes"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the queue consumer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type nopCloser struct {
	syncBuffer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func TestDebugQueue(t *testing.T) {
	stdout := &syncBuffer{}
	file := &nopCloser{}

	q := NewDebugQueue(16, stdout, file)
	q.Push("first\n")
	q.Push("second\n")

	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "closing twice is fine")

	require.Equal(t, "first\nsecond\n", stdout.String())
	require.Equal(t, "first\nsecond\n", file.String())
	require.True(t, file.closed)

	q.Push("late\n")
	require.Equal(t, uint64(1), q.Dropped())
}

func TestDebugQueue_Full(t *testing.T) {
	q := &DebugQueue{lines: make(chan string, 1), done: make(chan struct{})}

	q.Push("kept")
	q.Push("dropped")
	require.Equal(t, uint64(1), q.Dropped())
	require.Equal(t, "kept", <-q.lines)
}

func TestLogging_DebugQueue(t *testing.T) {
	stdout := &syncBuffer{}
	q := NewDebugQueue(16, stdout, nil)

	l, err := NewLogging("nagstamon", zapcore.InfoLevel, CONSOLE, Options{"engine": zapcore.WarnLevel}, time.Second, q)
	require.NoError(t, err)
	require.Same(t, q, l.DebugQueue())

	engine := l.GetChildLogger("engine")
	require.Same(t, engine, l.GetChildLogger("engine"))
	require.Equal(t, time.Second, engine.Interval())

	engine.Debugw("Refreshed status", "server", "nagios")
	engine.Infow("Not in debug queue")
	l.GetLogger().Debug("Also queued")

	require.NoError(t, l.Close())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "DEBUG")
	require.Contains(t, lines[0], "engine")
	require.Contains(t, lines[0], `"server": "nagios"`)
	require.Contains(t, lines[1], "Also queued")
}

func TestNewLoggingFromConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "debug.log")

	l, err := NewLoggingFromConfig("nagstamon", Config{
		Output: CONSOLE, Interval: time.Second, DebugMode: true, DebugToFile: true, DebugFile: file, DebugQueueSize: 4,
	})
	require.NoError(t, err)

	l.GetChildLogger("session").Debug("GET /status.cgi")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(content), "GET /status.cgi")

	_, err = NewLoggingFromConfig("nagstamon", Config{Output: "syslog", Interval: time.Second})
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	subtests := []struct {
		name  string
		input Config
		error bool
	}{
		{"console", Config{Output: CONSOLE, Interval: time.Second, DebugQueueSize: 1}, false},
		{"bad-output", Config{Output: "syslog", Interval: time.Second, DebugQueueSize: 1}, true},
		{"bad-interval", Config{Output: CONSOLE, DebugQueueSize: 1}, true},
		{"missing-debug-file", Config{Output: CONSOLE, Interval: time.Second, DebugQueueSize: 1, DebugMode: true, DebugToFile: true}, true},
		{"bad-queue-size", Config{Output: CONSOLE, Interval: time.Second}, true},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			if st.error {
				require.Error(t, st.input.Validate())
			} else {
				require.NoError(t, st.input.Validate())
			}
		})
	}
}
