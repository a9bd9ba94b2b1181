// v1
// internal/circuitbreaker/breaker_test.go
package circuitbreaker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config, probe func(context.Context) error, out io.Writer) (*Breaker, *fakeClock) {
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := New("test", cfg, probe, logger)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b.now = clock.Now
	return b, clock
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 3, ResetTimeout: time.Minute}, nil, io.Discard)
	for i := 0; i < 2; i++ {
		if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected op error, got %v", i, err)
		}
		if b.State() != Closed {
			t.Fatalf("attempt %d: expected closed, got %v", i, b.State())
		}
	}
	if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected op error on tripping call, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}
	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatalf("op must not run while open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 2}, nil, io.Discard)
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), succeed)
	_ = b.Execute(context.Background(), fail)
	if b.State() != Closed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %v", b.State())
	}
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	var buf bytes.Buffer
	b, clock := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: 10 * time.Second, SuccessesToClose: 2}, nil, &buf)
	_ = b.Execute(context.Background(), fail)
	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}

	clock.Advance(10 * time.Second)
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after first success, got %v", b.State())
	}
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed, got %v", b.State())
	}

	logs := buf.String()
	for _, want := range []string{"to=open", "to=half-open", "to=closed"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("expected %q in logs, got %q", want, logs)
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second, SuccessesToClose: 2}, nil, io.Discard)
	_ = b.Execute(context.Background(), fail)
	clock.Advance(time.Second)
	if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected op error, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected open after half-open failure, got %v", b.State())
	}
	if err := b.Execute(context.Background(), succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("open period must restart, got %v", err)
	}
}

func TestBreakerProbeFailureKeepsOpen(t *testing.T) {
	probes := 0
	probe := func(context.Context) error { probes++; return errors.New("still down") }
	b, clock := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second}, probe, io.Discard)
	_ = b.Execute(context.Background(), fail)
	clock.Advance(2 * time.Second)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called || probes != 1 {
		t.Fatalf("expected one probe and no op call, got probes=%d called=%v", probes, called)
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func TestBreakerReportsTransitions(t *testing.T) {
	b := New("watched", Config{MaxFailures: 1, ResetTimeout: time.Minute}, nil, discardLogger())
	var seen []State
	b.OnStateChange(func(name string, to State) {
		if name != "watched" {
			t.Errorf("unexpected breaker name %q", name)
		}
		seen = append(seen, to)
	})
	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	if len(seen) != 1 || seen[0] != Open {
		t.Fatalf("expected a single open transition, got %v", seen)
	}
}
