// v1
// internal/broker/mqtt/mqtt.go
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"nrgchamp/meterchain/internal/broker"
	"nrgchamp/meterchain/internal/publish"
)

// disconnectQuiesce is the longest time Disconnect waits for in-flight work, in ms.
const disconnectQuiesce = 250

// Options configures the MQTT transport.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Retained       bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// RedeliveryBackoff is the first wait before a message whose handler
	// failed is handed back. Subscribers only.
	RedeliveryBackoff time.Duration
}

// ClientFactory builds a paho client. Tests substitute their own.
type ClientFactory func(*paho.ClientOptions) paho.Client

func (o Options) clientOptions(prefix string) *paho.ClientOptions {
	clientID := strings.TrimSpace(o.ClientID)
	if clientID == "" {
		clientID = prefix + "-" + uuid.NewString()[:8]
	}
	opts := paho.NewClientOptions().AddBroker(o.BrokerURL).SetClientID(clientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.KeepAlive > 0 {
		opts.SetKeepAlive(o.KeepAlive)
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	return opts
}

// Dialer opens MQTT sessions for the publish loop.
type Dialer struct {
	opts      Options
	log       *slog.Logger
	newClient ClientFactory
}

// NewDialer returns a dialer that connects with paho. factory may be nil.
func NewDialer(opts Options, factory ClientFactory, log *slog.Logger) *Dialer {
	if factory == nil {
		factory = paho.NewClient
	}
	return &Dialer{opts: opts, newClient: factory, log: log.With(slog.String("component", "mqtt"))}
}

// Dial connects to the broker and waits for the CONNACK or ctx.
func (d *Dialer) Dial(ctx context.Context) (publish.Session, error) {
	opts := d.opts.clientOptions("meter")
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		d.log.Warn("mqtt_connection_lost", slog.Any("err", err))
	})
	client := d.newClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", d.opts.BrokerURL, err)
	}
	d.log.Info("mqtt_connected", slog.String("broker", d.opts.BrokerURL), slog.String("client_id", opts.ClientID))
	return &Session{client: client, qos: d.opts.QoS, retained: d.opts.Retained}, nil
}

// Session is one connected MQTT client.
type Session struct {
	client   paho.Client
	qos      byte
	retained bool
	closed   atomic.Bool
}

var errSessionClosed = errors.New("mqtt session closed")

// Publish sends payload and waits for the broker acknowledgement that the
// configured QoS implies.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	return waitToken(ctx, s.client.Publish(topic, s.qos, s.retained, payload))
}

// Close disconnects, giving in-flight work up to the ctx deadline (capped at
// 250ms) to finish.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.Disconnect(quiesce(ctx))
	return nil
}

// Subscriber consumes a topic for the verifier.
type Subscriber struct {
	opts      Options
	topic     string
	log       *slog.Logger
	newClient ClientFactory
}

var _ broker.Consumer = (*Subscriber)(nil)

// NewSubscriber prepares a subscriber on topic. factory may be nil.
func NewSubscriber(opts Options, topic string, factory ClientFactory, log *slog.Logger) *Subscriber {
	if factory == nil {
		factory = paho.NewClient
	}
	return &Subscriber{opts: opts, topic: topic, newClient: factory, log: log.With(slog.String("component", "mqtt_subscriber"), slog.String("topic", topic))}
}

// Run connects, subscribes and hands every message to handle until ctx ends.
// A message is acknowledged only after handle succeeds; a failing one is
// handed back after a back-off. Subscriptions are renewed after an automatic
// reconnect.
func (s *Subscriber) Run(ctx context.Context, handle broker.Handler) error {
	callback := func(_ paho.Client, msg paho.Message) {
		id := slog.Uint64("msg_id", uint64(msg.MessageID()))
		err := broker.Deliver(ctx, handle, msg.Payload(), s.opts.RedeliveryBackoff, func(attempt int, err error) {
			s.log.Warn("mqtt_message_err", id, slog.Int("attempt", attempt), slog.Any("err", err))
		})
		if err != nil {
			s.log.Warn("mqtt_message_unacked", id)
			return
		}
		msg.Ack()
	}

	var reconnected atomic.Bool
	opts := s.opts.clientOptions("verifier")
	opts.SetAutoAckDisabled(true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		if !reconnected.Swap(true) {
			return
		}
		if err := waitToken(ctx, c.Subscribe(s.topic, s.opts.QoS, callback)); err != nil {
			s.log.Error("mqtt_resubscribe_err", slog.Any("err", err))
			return
		}
		s.log.Info("mqtt_resubscribed")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.log.Warn("mqtt_connection_lost", slog.Any("err", err))
	})

	client := s.newClient(opts)
	connectCtx := ctx
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	if err := waitToken(connectCtx, client.Connect()); err != nil {
		client.Disconnect(0)
		return &publish.ConnError{Err: err}
	}
	if err := waitToken(ctx, client.Subscribe(s.topic, s.opts.QoS, callback)); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt subscribe %s: %w", s.topic, err)
	}
	s.log.Info("mqtt_subscribed", slog.String("broker", s.opts.BrokerURL))

	<-ctx.Done()
	unsub := client.Unsubscribe(s.topic)
	unsub.WaitTimeout(time.Second)
	client.Disconnect(disconnectQuiesce)
	s.log.Info("mqtt_subscriber_stopped")
	return nil
}

// waitToken blocks until tok completes or ctx ends.
func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func quiesce(ctx context.Context) uint {
	deadline, ok := ctx.Deadline()
	if !ok {
		return disconnectQuiesce
	}
	ms := time.Until(deadline).Milliseconds()
	switch {
	case ms <= 0:
		return 0
	case ms > disconnectQuiesce:
		return disconnectQuiesce
	default:
		return uint(ms)
	}
}
