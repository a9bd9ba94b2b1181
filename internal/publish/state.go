// v0
// internal/publish/state.go
package publish

import (
	"time"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/meter"
)

// State is a publish loop lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePublishing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventKind classifies loop events.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventPublished
	EventPublishFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventPublished:
		return "published"
	case EventPublishFailed:
		return "publish_failed"
	default:
		return "unknown"
	}
}

// Event is delivered to the observer for every transition and every publish
// outcome. Err carries the *ConnError on Connecting→Disconnected and the
// *PubError on EventPublishFailed.
type Event struct {
	Kind     EventKind
	State    State
	Previous State
	Attempt  *Attempt
	Err      error
	At       time.Time
}

// Observer receives loop events synchronously on the loop goroutine.
type Observer func(Event)

// Attempt records one loop iteration.
type Attempt struct {
	Seq         uint64
	Reading     meter.EnergyReading
	Fingerprint commitment.Fingerprint
	Err         error
}

// OK reports whether the broker accepted the payload.
func (a Attempt) OK() bool { return a.Err == nil }

// Snapshot is a point-in-time view of a loop.
type Snapshot struct {
	MeterID       string
	Topic         string
	State         State
	Published     uint64
	Failed        uint64
	LastTimestamp int64
	LastAttempt   *Attempt
}
