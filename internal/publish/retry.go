// v0
// internal/publish/retry.go
package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy controls how Supervise restarts a run whose broker handshake
// failed. The zero value performs a single attempt.
type RetryPolicy struct {
	// MaxRetries is the number of restarts after the first attempt; a
	// negative value retries until the context ends.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Enabled reports whether any restart will happen.
func (p RetryPolicy) Enabled() bool { return p.MaxRetries != 0 }

func (p RetryPolicy) backoff(retry int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Supervise calls run and restarts it with exponential back-off while it
// fails with a *ConnError. Any other outcome, including a graceful stop, is
// returned as is.
func Supervise(ctx context.Context, run func(context.Context) error, policy RetryPolicy, log *slog.Logger) error {
	retries := 0
	for {
		err := run(ctx)
		var connErr *ConnError
		if err == nil || !errors.As(err, &connErr) {
			return err
		}
		if !policy.Enabled() || (policy.MaxRetries > 0 && retries >= policy.MaxRetries) {
			return err
		}
		retries++
		wait := policy.backoff(retries)
		if log != nil {
			log.Warn("broker_connect_retry", slog.Int("retry", retries), slog.Duration("backoff", wait), slog.Any("err", connErr.Err))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
