// v0
// internal/publish/broker.go
package publish

import (
	"context"
	"time"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/meter"
)

// Dialer opens a broker session. Implementations must honour ctx for the
// handshake deadline.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is an open broker handle owned by exactly one loop.
type Session interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close(ctx context.Context) error
}

// ReadingSource yields the reading for an injected time.
type ReadingSource interface {
	Next(t time.Time) meter.EnergyReading
}

// Prover attaches a commitment to a committed value.
type Prover interface {
	GenerateProof(value int64) (commitment.Proof, error)
}

// Clock supplies the loop's notion of now.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
