// v1
// internal/broker/mqtt/mqtt_test.go
package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/meterchain/internal/logging"
	"nrgchamp/meterchain/internal/publish"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completed(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pending() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	opts         *paho.ClientOptions
	connectTok   paho.Token
	publishErr   error
	published    []published
	subscribed   []string
	handler      paho.MessageHandler
	disconnected int
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() paho.Token {
	if c.connectTok != nil {
		return c.connectTok
	}
	return completed(nil)
}
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected++
	c.mu.Unlock()
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return completed(c.publishErr)
	}
	c.published = append(c.published, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return completed(nil)
}
func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	c.subscribed = append(c.subscribed, topic)
	c.handler = cb
	c.mu.Unlock()
	return completed(nil)
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return completed(nil)
}
func (c *fakeClient) Unsubscribe(...string) paho.Token        { return completed(nil) }
func (c *fakeClient) AddRoute(string, paho.MessageHandler)    {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (c *fakeClient) deliver(payload []byte) *fakeMessage {
	msg := &fakeMessage{payload: payload}
	c.currentHandler()(c, msg)
	return msg
}
func (c *fakeClient) currentHandler() paho.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}
func (c *fakeClient) disconnects() int { c.mu.Lock(); defer c.mu.Unlock(); return c.disconnected }
func (c *fakeClient) factory() ClientFactory {
	return func(o *paho.ClientOptions) paho.Client { c.opts = o; return c }
}

type fakeMessage struct {
	payload []byte
	acked   atomic.Bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "energy/meter/data" }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked.Store(true) }

func TestDialAndPublish(t *testing.T) {
	client := &fakeClient{}
	d := NewDialer(Options{BrokerURL: "tcp://broker:1883", ClientID: "meter_001", QoS: 1}, client.factory(), logging.Discard())

	session, err := d.Dial(context.Background())
	require.NoError(t, err)
	require.Equal(t, "meter_001", client.opts.ClientID)
	require.Len(t, client.opts.Servers, 1)
	assert.Equal(t, "broker:1883", client.opts.Servers[0].Host)

	require.NoError(t, session.Publish(context.Background(), "energy/meter/data", []byte(`{"x":1}`)))
	require.Len(t, client.published, 1)
	assert.Equal(t, byte(1), client.published[0].qos)
	assert.Equal(t, "energy/meter/data", client.published[0].topic)

	require.NoError(t, session.Close(context.Background()))
	require.NoError(t, session.Close(context.Background()))
	assert.Equal(t, 1, client.disconnects())
	assert.Error(t, session.Publish(context.Background(), "energy/meter/data", nil))
}

func TestDialGeneratesClientID(t *testing.T) {
	client := &fakeClient{}
	d := NewDialer(Options{BrokerURL: "tcp://broker:1883"}, client.factory(), logging.Discard())
	_, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^meter-[0-9a-f]{8}$`, client.opts.ClientID)
}

func TestDialFailure(t *testing.T) {
	client := &fakeClient{connectTok: completed(errors.New("not authorized"))}
	d := NewDialer(Options{BrokerURL: "tcp://broker:1883"}, client.factory(), logging.Discard())
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
	assert.Equal(t, 1, client.disconnects())
}

func TestDialHonoursContext(t *testing.T) {
	client := &fakeClient{connectTok: pending()}
	d := NewDialer(Options{BrokerURL: "tcp://broker:1883"}, client.factory(), logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Dial(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishError(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("queue full")}
	d := NewDialer(Options{BrokerURL: "tcp://broker:1883"}, client.factory(), logging.Discard())
	session, err := d.Dial(context.Background())
	require.NoError(t, err)
	assert.EqualError(t, session.Publish(context.Background(), "t", []byte("p")), "queue full")
}

func TestSubscriberDeliversUntilCancelled(t *testing.T) {
	client := &fakeClient{}
	sub := NewSubscriber(Options{BrokerURL: "tcp://broker:1883"}, "energy/meter/data", client.factory(), logging.Discard())

	got := make(chan []byte, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(_ context.Context, payload []byte) error {
			got <- payload
			return nil
		})
	}()

	require.Eventually(t, func() bool { return client.currentHandler() != nil }, time.Second, 5*time.Millisecond)
	one := client.deliver([]byte("one"))
	two := client.deliver([]byte("two"))
	assert.Equal(t, "one", string(<-got))
	assert.Equal(t, "two", string(<-got))
	assert.True(t, one.acked.Load())
	assert.True(t, two.acked.Load())
	assert.True(t, client.opts.AutoAckDisabled)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"energy/meter/data"}, client.subscribed)
	assert.Equal(t, 1, client.disconnects())
}

func TestSubscriberRedeliversFailedMessage(t *testing.T) {
	client := &fakeClient{}
	opts := Options{BrokerURL: "tcp://broker:1883", RedeliveryBackoff: time.Millisecond}
	sub := NewSubscriber(opts, "energy/meter/data", client.factory(), logging.Discard())

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(context.Context, []byte) error {
			if calls.Add(1) == 1 {
				return errors.New("record trade: disk full")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return client.currentHandler() != nil }, time.Second, 5*time.Millisecond)
	msg := client.deliver([]byte("reading"))
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, msg.acked.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestSubscriberLeavesFailedMessageUnacked(t *testing.T) {
	client := &fakeClient{}
	opts := Options{BrokerURL: "tcp://broker:1883", RedeliveryBackoff: time.Millisecond}
	sub := NewSubscriber(opts, "energy/meter/data", client.factory(), logging.Discard())

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(context.Context, []byte) error {
			calls.Add(1)
			return errors.New("record trade: disk full")
		})
	}()

	require.Eventually(t, func() bool { return client.currentHandler() != nil }, time.Second, 5*time.Millisecond)
	delivered := make(chan *fakeMessage, 1)
	go func() { delivered <- client.deliver([]byte("reading")) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	msg := <-delivered
	require.NoError(t, <-done)
	assert.False(t, msg.acked.Load())
}

func TestSubscriberConnectFailureIsConnError(t *testing.T) {
	client := &fakeClient{connectTok: completed(errors.New("refused"))}
	sub := NewSubscriber(Options{BrokerURL: "tcp://broker:1883"}, "t", client.factory(), logging.Discard())
	err := sub.Run(context.Background(), func(context.Context, []byte) error { return nil })
	var connErr *publish.ConnError
	require.ErrorAs(t, err, &connErr)
}

func TestQuiesce(t *testing.T) {
	assert.Equal(t, uint(disconnectQuiesce), quiesce(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	assert.Equal(t, uint(0), quiesce(ctx))
}
