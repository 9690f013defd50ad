package dispatch

import (
	"fmt"
	"time"

	"github.com/drblury/chainflow/internal/runtime/retry"
)

// State is the lifecycle position of one queue runner.
type State int

const (
	Idle State = iota
	Connected
	Consuming
	Draining
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Consuming:
		return "consuming"
	case Draining:
		return "draining"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// QueueStatus is a point-in-time view of one queue runner.
type QueueStatus struct {
	Queue      string    `json:"queue"`
	Category   string    `json:"category"`
	Mode       string    `json:"mode"`
	Backfill   bool      `json:"backfill"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	InFlight   int64     `json:"in_flight"`
	Retrying   int64     `json:"retrying"`
	Reconnects int64     `json:"reconnects"`
	Delivered  int64     `json:"delivered"`
}

// Observer receives runner events. The runtime package backs it with
// Prometheus collectors.
type Observer interface {
	StateChanged(queue string, from, to State)
	Delivered(queue string, decision retry.Decision, latency time.Duration)
	DeadLettered(queue, reason string, retries int, age time.Duration)
	Reconnected(queue string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) StateChanged(string, State, State)               {}
func (NopObserver) Delivered(string, retry.Decision, time.Duration) {}
func (NopObserver) DeadLettered(string, string, int, time.Duration) {}
func (NopObserver) Reconnected(string)                              {}
