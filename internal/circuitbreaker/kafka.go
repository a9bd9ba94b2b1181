// v3
// internal/circuitbreaker/kafka.go
package circuitbreaker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaWriter sends each batch through the breaker exactly once. A failed
// write is reported to the caller, never retried here.
type KafkaWriter struct {
	writer  messageWriter
	breaker *Breaker
	timeout time.Duration
}

// NewKafkaWriter guards w with b. A nil b passes writes straight through;
// timeout, when positive, bounds each write.
func NewKafkaWriter(w messageWriter, b *Breaker, timeout time.Duration) *KafkaWriter {
	return &KafkaWriter{writer: w, breaker: b, timeout: timeout}
}

func (w *KafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	write := func(ctx context.Context) error {
		if w.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.timeout)
			defer cancel()
		}
		return w.writer.WriteMessages(ctx, msgs...)
	}
	if w.breaker == nil {
		return write(ctx)
	}
	return w.breaker.Execute(ctx, write)
}

// KafkaReader guards fetches. A fetch that ends because the caller's context
// expired is an idle poll, not a broker failure, and is not counted.
type KafkaReader struct {
	reader  messageReader
	breaker *Breaker
}

// NewKafkaReader guards r with b. A nil b passes calls straight through.
func NewKafkaReader(r messageReader, b *Breaker) *KafkaReader {
	return &KafkaReader{reader: r, breaker: b}
}

func (r *KafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.breaker == nil {
		return r.reader.FetchMessage(ctx)
	}
	var (
		msg      kafka.Message
		fetchErr error
	)
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		msg, fetchErr = r.reader.FetchMessage(ctx)
		if fetchErr != nil && ctx.Err() != nil {
			return nil
		}
		return fetchErr
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return msg, fetchErr
}

// CommitMessages is not guarded: a lost commit only causes a redelivery,
// which the ingest replay cache absorbs.
func (r *KafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return r.reader.CommitMessages(ctx, msgs...)
}
