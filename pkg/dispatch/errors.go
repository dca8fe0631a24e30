package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoPeers is the fallback reason when an offload decision finds no candidate.
var ErrNoPeers = errors.New("no peers available")

// DeliveryError means a task never reached a peer or the peer did not accept it.
// It is never returned to submitters; the task falls back to local execution.
type DeliveryError struct {
	Peer       string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery to %s failed with status %d", e.Peer, e.StatusCode)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.Peer, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TaskError is a task failure reported by the peer that executed it.
type TaskError struct {
	TaskID  string
	Peer    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed on %s: %s", e.TaskID, e.Peer, e.Message)
}
