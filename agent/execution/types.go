package execution

import (
	"context"
	"encoding/json"
)

// Watcher receives the output of the executions it is attached to.
type Watcher interface {
	// ID uniquely identifies the watcher across the registry.
	ID() string
	// Send delivers one message. Messages for one execution are sent in order from a single goroutine.
	Send(ctx context.Context, msg string) error
	// Evict is called after the watcher has been detached for falling too far behind.
	Evict(reason string)
}

type State int

const (
	StatePending State = iota
	StateRunning
	StateStopping
	StateCompleted
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// ExitEvent is the last message a watcher receives for an execution.
// WatcherID names the watcher it was sent to; scripts never learn watcher IDs, so output cannot pass for one.
type ExitEvent struct {
	WatcherID string `json:"watcherId"`
	ExecuteID string `json:"executeId"`
	ScriptID  string `json:"scriptId"`
	State     string `json:"state"`
	ExitCode  int    `json:"exitCode"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
}

func (e ExitEvent) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		// only strings and ints, cannot fail
		panic(err)
	}
	return string(b)
}

// ParseExitEvent reports whether msg is an ExitEvent addressed to watcherID, as opposed to a line of output
// or a command reply.
func ParseExitEvent(msg, watcherID string) (ExitEvent, bool) {
	var ev ExitEvent
	if len(msg) == 0 || msg[0] != '{' {
		return ev, false
	}
	if err := json.Unmarshal([]byte(msg), &ev); err != nil {
		return ev, false
	}
	if ev.WatcherID == "" || ev.WatcherID != watcherID || ev.ExecuteID == "" || ev.State == "" {
		return ev, false
	}
	return ev, true
}

// Info is a point-in-time view of an execution.
type Info struct {
	ExecuteID string
	ScriptID  string
	State     State
	PID       int
	Watchers  []string
}
