// v2
// internal/circuitbreaker/kafka_test.go
package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type flakyWriter struct {
	mu       sync.Mutex
	calls    int
	failures int
	deadline bool
}

func (w *flakyWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	_, w.deadline = ctx.Deadline()
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	return nil
}

func (w *flakyWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func reading() kafka.Message {
	return kafka.Message{Key: []byte("meter_001"), Value: []byte(`{"meter_id":"meter_001"}`)}
}

func TestKafkaWriterMakesOneAttemptPerWrite(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 3, ResetTimeout: time.Minute}, nil, io.Discard)
	stub := &flakyWriter{failures: 1}
	w := NewKafkaWriter(stub, b, 0)

	require.Error(t, w.WriteMessages(context.Background(), reading()))
	assert.Equal(t, 1, stub.count(), "a failed write is not retried")
	assert.Equal(t, Closed, b.State())

	require.NoError(t, w.WriteMessages(context.Background(), reading()))
	assert.Equal(t, 2, stub.count())
}

func TestKafkaWriterOpensAndRecovers(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 2, ResetTimeout: time.Second, SuccessesToClose: 2}, nil, io.Discard)
	stub := &flakyWriter{failures: 2}
	w := NewKafkaWriter(stub, b, 0)
	ctx := context.Background()

	require.Error(t, w.WriteMessages(ctx, reading()))
	require.Error(t, w.WriteMessages(ctx, reading()))
	assert.Equal(t, Open, b.State())

	assert.ErrorIs(t, w.WriteMessages(ctx, reading()), ErrOpen)
	assert.Equal(t, 2, stub.count(), "open breaker must not reach the broker")

	clock.Advance(2 * time.Second)
	require.NoError(t, w.WriteMessages(ctx, reading()))
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, w.WriteMessages(ctx, reading()))
	assert.Equal(t, Closed, b.State())
}

func TestKafkaWriterAppliesCallTimeout(t *testing.T) {
	stub := &flakyWriter{}
	require.NoError(t, NewKafkaWriter(stub, nil, 50*time.Millisecond).WriteMessages(context.Background(), reading()))
	assert.True(t, stub.deadline)

	stub = &flakyWriter{}
	require.NoError(t, NewKafkaWriter(stub, nil, 0).WriteMessages(context.Background(), reading()))
	assert.False(t, stub.deadline)
}

type scriptedReader struct {
	results []error
	calls   int
	commits int
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	i := r.calls
	r.calls++
	if i < len(r.results) && r.results[i] != nil {
		if errors.Is(r.results[i], context.DeadlineExceeded) {
			<-ctx.Done()
			return kafka.Message{}, ctx.Err()
		}
		return kafka.Message{}, r.results[i]
	}
	return kafka.Message{Offset: int64(i), Value: []byte("v")}, nil
}

func (r *scriptedReader) CommitMessages(context.Context, ...kafka.Message) error {
	r.commits++
	return nil
}

func TestKafkaReaderIgnoresIdlePolls(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Minute}, nil, io.Discard)
	stub := &scriptedReader{results: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	r := NewKafkaReader(stub, b)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := r.FetchMessage(ctx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, Closed, b.State(), "idle polls are not broker failures")

	msg, err := r.FetchMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Offset)
}

func TestKafkaReaderOpensOnBrokerErrors(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Minute}, nil, io.Discard)
	stub := &scriptedReader{results: []error{errors.New("coordinator not available")}}
	r := NewKafkaReader(stub, b)

	_, err := r.FetchMessage(context.Background())
	require.Error(t, err)
	_, err = r.FetchMessage(context.Background())
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 1, stub.calls)
}

func TestKafkaReaderWithoutBreaker(t *testing.T) {
	stub := &scriptedReader{}
	r := NewKafkaReader(stub, nil)

	msg, err := r.FetchMessage(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.CommitMessages(context.Background(), msg))
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, 1, stub.commits)
}
