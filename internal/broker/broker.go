// v2
// internal/broker/broker.go

// Package broker holds what the MQTT and Kafka transports share. The
// transports themselves live in the mqtt and kafka subpackages; both satisfy
// publish.Dialer on the producing side and Consumer on the consuming side.
package broker

import (
	"context"
	"time"
)

// Handler processes one received payload. An error means the payload was
// not processed: transports hand it back and acknowledge it only after a
// successful call.
type Handler func(ctx context.Context, payload []byte) error

// Consumer delivers payloads from a topic to a Handler until ctx ends.
type Consumer interface {
	Run(ctx context.Context, handle Handler) error
}

const (
	DefaultRedeliveryBackoff = 500 * time.Millisecond
	maxRedeliveryBackoff     = 30 * time.Second
)

// Deliver calls handle until it succeeds or ctx ends. The wait between
// attempts starts at backoff and doubles. onErr, when set, sees every failed
// attempt. The returned error is ctx.Err() when the payload was never
// handled.
func Deliver(ctx context.Context, handle Handler, payload []byte, backoff time.Duration, onErr func(attempt int, err error)) error {
	if backoff <= 0 {
		backoff = DefaultRedeliveryBackoff
	}
	for attempt := 1; ; attempt++ {
		err := handle(ctx, payload)
		if err == nil {
			return nil
		}
		if onErr != nil {
			onErr(attempt, err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxRedeliveryBackoff {
			backoff = maxRedeliveryBackoff
		}
	}
}
