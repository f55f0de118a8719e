package logging

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"io"
	"sync"
)

// DebugQueue collects debug lines from all goroutines.
// A single consumer writes them to stdout and optionally to a file.
// Lines are dropped rather than blocking the caller if the consumer falls behind.
type DebugQueue struct {
	lines   chan string
	dropped atomic.Uint64
	done    chan struct{}

	stdout io.Writer
	file   io.WriteCloser

	mu     sync.RWMutex
	closed bool
}

// NewDebugQueue starts the consumer of a queue buffering size lines. file may be nil.
func NewDebugQueue(size int, stdout io.Writer, file io.WriteCloser) *DebugQueue {
	q := &DebugQueue{
		lines:  make(chan string, size),
		done:   make(chan struct{}),
		stdout: stdout,
		file:   file,
	}

	go q.consume()

	return q
}

func (q *DebugQueue) consume() {
	defer close(q.done)

	for line := range q.lines {
		_, _ = io.WriteString(q.stdout, line)

		if q.file != nil {
			_, _ = io.WriteString(q.file, line)
		}
	}
}

// Push enqueues line unless the queue is full or closed.
func (q *DebugQueue) Push(line string) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Inc()
		return
	}

	select {
	case q.lines <- line:
	default:
		q.dropped.Inc()
	}
}

// Dropped returns the number of lines lost so far.
func (q *DebugQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close drains the queue and closes the file.
func (q *DebugQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done

		return nil
	}

	q.closed = true
	close(q.lines)
	q.mu.Unlock()

	<-q.done

	if q.file != nil {
		return q.file.Close()
	}

	return nil
}

// Write implements the io.Writer interface so that the queue can back a zapcore.Core.
func (q *DebugQueue) Write(p []byte) (int, error) {
	q.Push(string(p))

	return len(p), nil
}

// Core returns a zapcore.Core which formats every debug message as one line into the queue.
func (q *DebugQueue) Core() zapcore.Core {
	debugOnly := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l == zapcore.DebugLevel
	})

	return zapcore.NewCore(zapcore.NewConsoleEncoder(defaultEncConfig), zapcore.AddSync(q), debugOnly)
}

// Assert interface compliance.
var (
	_ io.Writer = (*DebugQueue)(nil)
)
