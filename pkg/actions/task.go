package actions

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/pkg/errors"
	"sync"
	"time"
)

// TaskState is the progress of a Task.
type TaskState uint8

const (
	TaskRunning TaskState = iota
	TaskDone
	TaskSkipped
	TaskFailed
)

var taskStateNames = map[TaskState]string{
	TaskRunning: "running",
	TaskDone:    "done",
	TaskSkipped: "skipped",
	TaskFailed:  "failed",
}

// String implements the fmt.Stringer interface.
func (ts TaskState) String() string {
	return taskStateNames[ts]
}

// MarshalText implements the encoding.TextMarshaler interface.
func (ts TaskState) MarshalText() ([]byte, error) {
	return []byte(ts.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (ts *TaskState) UnmarshalText(text []byte) error {
	for state, name := range taskStateNames {
		if name == string(text) {
			*ts = state
			return nil
		}
	}

	return errors.Errorf("unknown task state %q", text)
}

// Task is one action running against one server.
type Task struct {
	id      string
	server  string
	action  adapter.Action
	target  adapter.Target
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	state    TaskState
	err      string
	finished time.Time
}

// TaskStatus is a snapshot of a Task.
type TaskStatus struct {
	ID       string         `json:"id"`
	Server   string         `json:"server"`
	Action   adapter.Action `json:"action"`
	Target   adapter.Target `json:"target"`
	State    TaskState      `json:"state"`
	Error    string         `json:"error,omitempty"`
	Started  time.Time      `json:"started"`
	Finished *time.Time     `json:"finished,omitempty"`
}

// ID returns the unique id of t.
func (t *Task) ID() string {
	return t.id
}

// Done is closed once t has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Status returns the current state of t.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := TaskStatus{
		ID:      t.id,
		Server:  t.server,
		Action:  t.action,
		Target:  t.target,
		State:   t.state,
		Error:   t.err,
		Started: t.started,
	}

	if t.state != TaskRunning {
		finished := t.finished
		ts.Finished = &finished
	}

	return ts
}

func (t *Task) finish(state TaskState, err error) {
	t.mu.Lock()
	t.state = state
	if err != nil {
		t.err = err.Error()
	}
	t.finished = time.Now()
	t.mu.Unlock()

	close(t.done)
}
