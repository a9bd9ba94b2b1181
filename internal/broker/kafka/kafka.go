// v1
// internal/broker/kafka/kafka.go
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/meterchain/internal/broker"
	"nrgchamp/meterchain/internal/circuitbreaker"
	"nrgchamp/meterchain/internal/publish"
)

// Options configures the Kafka transport.
type Options struct {
	Brokers []string
	// Key is attached to every produced message; the meter id keeps one
	// meter's readings on one partition and therefore in order.
	Key     []byte
	Acks    int
	GroupID string
	// PollTimeout bounds one FetchMessage call on the consuming side.
	PollTimeout time.Duration
	// RedeliveryBackoff is the first wait before a payload whose handler
	// failed is handed back.
	RedeliveryBackoff time.Duration
	// Breaker guards broker I/O; nil disables it. CallTimeout bounds each
	// guarded write.
	Breaker     *circuitbreaker.Config
	CallTimeout time.Duration
	// OnBreakerState observes circuit breaker transitions.
	OnBreakerState func(name string, to circuitbreaker.State)
}

// breaker returns nil when no breaker is configured.
func (o Options) breaker(name string, log *slog.Logger) *circuitbreaker.Breaker {
	if o.Breaker == nil {
		return nil
	}
	b := circuitbreaker.New(name, *o.Breaker, nil, log)
	if o.OnBreakerState != nil {
		o.OnBreakerState(name, circuitbreaker.Closed)
		b.OnStateChange(o.OnBreakerState)
	}
	return b
}

// TopicName maps an MQTT-style topic onto the Kafka topic alphabet.
func TopicName(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type dialFunc func(ctx context.Context, network, address string) (io.Closer, error)

func dialKafka(ctx context.Context, network, address string) (io.Closer, error) {
	return kafka.DialContext(ctx, network, address)
}

// Dialer opens Kafka producer sessions for the publish loop.
type Dialer struct {
	opts      Options
	log       *slog.Logger
	dial      dialFunc
	newWriter func() (messageWriter, io.Closer)
}

const writerBreakerName = "meterchain-meter-writer"

// NewDialer returns a dialer producing to opts.Brokers. Writes go through the
// CB_* configured circuit breaker.
func NewDialer(opts Options, log *slog.Logger) (*Dialer, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	log = log.With(slog.String("component", "kafka"))
	newWriter := func() (messageWriter, io.Closer) {
		base := &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			RequiredAcks:           kafka.RequiredAcks(opts.Acks),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
		return circuitbreaker.NewKafkaWriter(base, opts.breaker(writerBreakerName, log), opts.CallTimeout), base
	}
	return &Dialer{opts: opts, log: log, dial: dialKafka, newWriter: newWriter}, nil
}

// Dial checks that a broker is reachable before handing out a writer, so a
// dead cluster surfaces as a handshake failure rather than as publish errors.
func (d *Dialer) Dial(ctx context.Context) (publish.Session, error) {
	var errs []error
	reached := ""
	for _, addr := range d.opts.Brokers {
		conn, err := d.dial(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		_ = conn.Close()
		reached = addr
		break
	}
	if reached == "" {
		return nil, fmt.Errorf("kafka dial: %w", errors.Join(errs...))
	}
	writer, closer := d.newWriter()
	d.log.Info("kafka_connected", slog.String("broker", reached))
	return &Session{writer: writer, closer: closer, key: d.opts.Key}, nil
}

// Session produces to Kafka.
type Session struct {
	writer messageWriter
	closer io.Closer
	key    []byte
	closed atomic.Bool
}

var errSessionClosed = errors.New("kafka session closed")

func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Topic: TopicName(topic), Key: s.key, Value: payload})
}

// Close flushes and closes the writer.
func (s *Session) Close(context.Context) error {
	if s.closed.Swap(true) || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Consumer reads a topic through a consumer group for the verifier.
type Consumer struct {
	topic      string
	fetcher    messageFetcher
	closer     io.Closer
	poll       time.Duration
	redelivery time.Duration
	log        *slog.Logger
}

var _ broker.Consumer = (*Consumer)(nil)

const readerBreakerName = "meterchain-verifier-reader"

// NewConsumer builds a group reader on topic guarded by the circuit breaker.
func NewConsumer(opts Options, topic string, log *slog.Logger) (*Consumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(opts.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	name := TopicName(topic)
	if name == "" {
		return nil, errors.New("topic must not be empty")
	}
	log = log.With(slog.String("component", "kafka_consumer"), slog.String("topic", name))
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		GroupID:     opts.GroupID,
		Topic:       name,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	fetcher := circuitbreaker.NewKafkaReader(reader, opts.breaker(readerBreakerName, log))
	c := newConsumer(name, fetcher, reader, opts.PollTimeout, log)
	if opts.RedeliveryBackoff > 0 {
		c.redelivery = opts.RedeliveryBackoff
	}
	return c, nil
}

func newConsumer(topic string, fetcher messageFetcher, closer io.Closer, poll time.Duration, log *slog.Logger) *Consumer {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Consumer{topic: topic, fetcher: fetcher, closer: closer, poll: poll, redelivery: broker.DefaultRedeliveryBackoff, log: log}
}

// Run fetches, handles and commits messages until ctx ends. A message is
// committed only once its handler succeeds; until then it is handed back
// after a back-off, so later offsets wait behind it.
func (c *Consumer) Run(ctx context.Context, handle broker.Handler) error {
	c.log.Info("kafka_consumer_started", slog.Duration("poll", c.poll))
	defer func() {
		if c.closer != nil {
			if err := c.closer.Close(); err != nil {
				c.log.Warn("kafka_consumer_close_err", slog.Any("err", err))
			}
		}
		c.log.Info("kafka_consumer_stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.fetcher.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			c.log.Error("kafka_fetch_err", slog.Any("err", err))
			continue
		}
		err = broker.Deliver(ctx, handle, msg.Value, c.redelivery, func(attempt int, err error) {
			c.log.Warn("kafka_message_err", slog.Int64("offset", msg.Offset), slog.Int("partition", msg.Partition), slog.Int("attempt", attempt), slog.Any("err", err))
		})
		if err != nil {
			c.log.Warn("kafka_message_uncommitted", slog.Int64("offset", msg.Offset), slog.Int("partition", msg.Partition))
			return nil
		}
		if err := c.fetcher.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.log.Warn("kafka_commit_err", slog.Int64("offset", msg.Offset), slog.Any("err", err))
		}
	}
}
