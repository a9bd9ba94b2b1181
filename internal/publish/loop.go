// v0
// internal/publish/loop.go

// Package publish drives a meter's connect → generate → commit → publish
// cycle against a broker session.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/wire"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultDrainGrace     = 2 * time.Second
)

// Config holds the loop tunables.
type Config struct {
	MeterID        string
	Topic          string
	Interval       time.Duration
	ConnectTimeout time.Duration
	// PublishTimeout bounds a single publish; zero leaves it to the broker client.
	PublishTimeout time.Duration
	// DrainGrace is how long an in-flight publish may keep running after a
	// stop signal, and how long the session gets to close.
	DrainGrace time.Duration
	// OmitFingerprint publishes bare readings without a commitment.
	OmitFingerprint bool
	Retry           RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DrainGrace < 0 {
		c.DrainGrace = 0
	}
	return c
}

// Option customises a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(l *Loop) { l.clock = c } }

// WithObserver adds an event observer. Observers run in registration order.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// Loop publishes one meter's readings. Loops share no state with each other.
type Loop struct {
	cfg       Config
	dialer    Dialer
	source    ReadingSource
	prover    Prover
	clock     Clock
	log       *slog.Logger
	observers []Observer

	state   atomic.Int32
	running atomic.Bool

	mu        sync.Mutex
	seq       uint64
	published uint64
	failed    uint64
	lastTS    int64
	hasLast   bool
	last      *Attempt

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

// New wires a loop. The loop starts in StateDisconnected.
func New(cfg Config, dialer Dialer, source ReadingSource, prover Prover, log *slog.Logger, opts ...Option) (*Loop, error) {
	if dialer == nil {
		return nil, errNilDialer
	}
	if source == nil {
		return nil, errNilSource
	}
	if prover == nil {
		return nil, errNilProver
	}
	if log == nil {
		return nil, errNilLogger
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("publish topic must not be empty")
	}
	cfg = cfg.withDefaults()
	l := &Loop{
		cfg:    cfg,
		dialer: dialer,
		source: source,
		prover: prover,
		clock:  systemClock{},
		log:    log.With(slog.String("component", "publish_loop"), slog.String("meter", cfg.MeterID), slog.String("topic", cfg.Topic)),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.state.Store(int32(StateDisconnected))
	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Snapshot returns counters and the last attempt.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		MeterID:       l.cfg.MeterID,
		Topic:         l.cfg.Topic,
		State:         l.State(),
		Published:     l.published,
		Failed:        l.failed,
		LastTimestamp: l.lastTS,
	}
	if l.last != nil {
		cp := *l.last
		s.LastAttempt = &cp
	}
	return s
}

// Run connects and publishes until ctx is cancelled. It returns a *ConnError
// when the handshake fails, an ErrContractViolation error on malformed
// readings, and nil after a graceful stop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	l.setState(StateConnecting, nil)
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	session, err := l.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			l.setState(StateStopped, nil)
			return nil
		}
		connErr := &ConnError{Err: err}
		l.log.Error("broker_connect_err", slog.Any("err", err))
		l.setState(StateDisconnected, connErr)
		return connErr
	}
	l.log.Info("broker_connected")
	l.setState(StateConnected, nil)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return l.shutdown(session, nil)
		}
		if err := l.iterate(ctx, session); err != nil {
			return l.shutdown(session, err)
		}
		select {
		case <-ctx.Done():
			return l.shutdown(session, nil)
		case <-ticker.C:
		}
	}
}

// Start runs the loop in the background, retrying failed handshakes per
// Config.Retry. It is a no-op after the first call.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		go func() {
			defer close(l.done)
			l.runErr = Supervise(runCtx, l.Run, l.cfg.Retry, l.log)
			if l.runErr != nil {
				l.log.Error("publish_loop_exit", slog.Any("err", l.runErr))
				return
			}
			l.log.Info("publish_loop_exit")
		}()
	})
}

// Done is closed once a started loop has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Err returns the error the started loop ended with. Valid after Done.
func (l *Loop) Err() error {
	select {
	case <-l.done:
		return l.runErr
	default:
		return nil
	}
}

// Stop cancels a started loop and waits for it to drain or for ctx to end.
func (l *Loop) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		select {
		case <-l.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (l *Loop) iterate(ctx context.Context, session Session) error {
	reading := l.source.Next(l.nextTime())
	if err := reading.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrContractViolation, err)
	}
	l.mu.Lock()
	if l.hasLast && reading.Timestamp <= l.lastTS {
		l.mu.Unlock()
		return fmt.Errorf("%w: timestamp %d not after %d", ErrContractViolation, reading.Timestamp, l.lastTS)
	}
	l.seq++
	attempt := &Attempt{Seq: l.seq, Reading: reading}
	l.mu.Unlock()

	l.setState(StatePublishing, nil)
	var fp commitment.Fingerprint
	if !l.cfg.OmitFingerprint {
		proof, err := l.prover.GenerateProof(reading.CommittedValue())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrContractViolation, err)
		}
		fp = proof.Fingerprint
	}
	attempt.Fingerprint = fp
	payload, err := wire.Encode(reading, fp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContractViolation, err)
	}

	pubCtx, release := l.publishContext(ctx)
	err = session.Publish(pubCtx, l.cfg.Topic, payload)
	release()

	l.mu.Lock()
	l.lastTS = reading.Timestamp
	l.hasLast = true
	if err != nil {
		attempt.Err = &PubError{Topic: l.cfg.Topic, Err: err}
		l.failed++
	} else {
		l.published++
	}
	l.last = attempt
	l.mu.Unlock()

	if attempt.Err != nil {
		l.log.Warn("publish_err", slog.Uint64("seq", attempt.Seq), slog.Int64("ts", reading.Timestamp), slog.Any("err", err))
		l.emit(Event{Kind: EventPublishFailed, State: StatePublishing, Previous: StatePublishing, Attempt: attempt, Err: attempt.Err})
	} else {
		l.log.Info("publish_success", slog.Uint64("seq", attempt.Seq), slog.Int64("ts", reading.Timestamp), slog.Float64("consumed", reading.EnergyConsumed), slog.Float64("produced", reading.EnergyProduced))
		l.emit(Event{Kind: EventPublished, State: StatePublishing, Previous: StatePublishing, Attempt: attempt})
	}
	l.setState(StateConnected, nil)
	return nil
}

// nextTime keeps per-loop timestamps strictly increasing at one-second
// resolution even if the clock stalls or steps back.
func (l *Loop) nextTime() time.Time {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasLast && now.Unix() <= l.lastTS {
		return time.Unix(l.lastTS+1, 0)
	}
	return now
}

// publishContext detaches the publish from ctx so a stop signal does not
// kill it outright; it is cancelled DrainGrace after ctx ends instead.
func (l *Loop) publishContext(ctx context.Context) (context.Context, func()) {
	base := context.WithoutCancel(ctx)
	var (
		pubCtx context.Context
		cancel context.CancelFunc
	)
	if l.cfg.PublishTimeout > 0 {
		pubCtx, cancel = context.WithTimeout(base, l.cfg.PublishTimeout)
	} else {
		pubCtx, cancel = context.WithCancel(base)
	}
	var (
		mu    sync.Mutex
		grace *time.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		grace = time.AfterFunc(l.cfg.DrainGrace, cancel)
		mu.Unlock()
	})
	return pubCtx, func() {
		stop()
		mu.Lock()
		if grace != nil {
			grace.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

func (l *Loop) shutdown(session Session, cause error) error {
	closeTimeout := l.cfg.DrainGrace
	if closeTimeout <= 0 {
		closeTimeout = DefaultDrainGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		l.log.Warn("broker_close_err", slog.Any("err", err))
	}
	if cause != nil {
		l.log.Error("publish_loop_fatal", slog.Any("err", cause))
	}
	l.setState(StateStopped, cause)
	return cause
}

func (l *Loop) setState(next State, cause error) {
	prev := State(l.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if next != StatePublishing && prev != StatePublishing {
		l.log.Info("loop_state", slog.String("from", prev.String()), slog.String("to", next.String()))
	}
	l.emit(Event{Kind: EventStateChanged, State: next, Previous: prev, Err: cause})
}

func (l *Loop) emit(ev Event) {
	if len(l.observers) == 0 {
		return
	}
	ev.At = l.clock.Now()
	for _, o := range l.observers {
		o(ev)
	}
}
