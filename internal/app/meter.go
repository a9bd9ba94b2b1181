// v1
// internal/app/meter.go
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"nrgchamp/meterchain/internal/api"
	"nrgchamp/meterchain/internal/broker/kafka"
	"nrgchamp/meterchain/internal/broker/mqtt"
	"nrgchamp/meterchain/internal/circuitbreaker"
	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/config"
	"nrgchamp/meterchain/internal/meter"
	"nrgchamp/meterchain/internal/metrics"
	"nrgchamp/meterchain/internal/publish"
)

// Meter wires one simulated meter: generator, commitment scheme, broker
// dialer, publish loop and the status server.
type Meter struct {
	cfg     config.Config
	logger  *slog.Logger
	loop    *publish.Loop
	metrics *metrics.Metrics
	server  *http.Server
}

// NewMeter validates cfg and builds the meter agent.
func NewMeter(cfg config.Config, logger *slog.Logger) (*Meter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hasher, err := commitment.HasherByName(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	scheme := commitment.NewScheme(hasher)
	gen, err := meter.NewGenerator(cfg.MeterID)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	dialer, err := newDialer(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	loop, err := publish.New(publish.Config{
		MeterID:         gen.MeterID(),
		Topic:           cfg.Topic,
		Interval:        cfg.PublishInterval,
		ConnectTimeout:  cfg.ConnectTimeout,
		PublishTimeout:  cfg.PublishTimeout,
		DrainGrace:      cfg.DrainGrace,
		OmitFingerprint: cfg.OmitFingerprint,
		Retry: publish.RetryPolicy{
			MaxRetries:     cfg.RetryMax,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
			Multiplier:     2,
		},
	}, dialer, gen, scheme, logger, publish.WithObserver(m.Observer()))
	if err != nil {
		return nil, err
	}
	router := api.NewMeterRouter(loop, m)
	return &Meter{
		cfg:     cfg,
		logger:  logger,
		loop:    loop,
		metrics: m,
		server:  newServer(cfg.ListenAddress, api.Wrap(logger, nil, router)),
	}, nil
}

func newDialer(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (publish.Dialer, error) {
	switch cfg.Broker {
	case config.BrokerMQTT:
		return mqtt.NewDialer(mqtt.Options{
			BrokerURL:      cfg.BrokerAddress(),
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			QoS:            cfg.MQTTQoS,
			KeepAlive:      cfg.MQTTKeepAlive,
			ConnectTimeout: cfg.ConnectTimeout,
		}, nil, logger), nil
	case config.BrokerKafka:
		return kafka.NewDialer(kafka.Options{
			Brokers:     cfg.KafkaBrokers,
			Key:         []byte(cfg.MeterID),
			Acks:        1,
			Breaker:     cfg.CircuitBreaker(),
			CallTimeout: cfg.BreakerCallTimeout,
			OnBreakerState: func(name string, to circuitbreaker.State) {
				m.SetCircuitBreakerState(name, float64(to))
			},
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
}

// Loop exposes the publish loop.
func (a *Meter) Loop() *publish.Loop { return a.loop }

// Run publishes until ctx ends or the loop gives up, then drains the loop
// and stops the HTTP server.
func (a *Meter) Run(ctx context.Context) error {
	a.logger.Info("meter_boot",
		slog.String("meter", a.cfg.MeterID),
		slog.String("broker", a.cfg.Broker),
		slog.String("topic", a.cfg.Topic),
		slog.String("hash", a.cfg.HashAlgorithm),
		slog.Duration("interval", a.cfg.PublishInterval),
	)
	a.loop.Start(ctx)
	httpCh := serve(a.server, a.logger)

	var httpErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown_signal")
	case <-a.loop.Done():
	case httpErr = <-httpCh:
		httpCh = nil
		if httpErr != nil {
			a.logger.Error("http_server_error", slog.Any("err", httpErr))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.loop.Stop(stopCtx); err != nil {
		a.logger.Warn("publish_loop_stop_timeout", slog.Any("err", err))
	}
	shutdownServer(a.server, a.cfg.ShutdownTimeout, a.logger)
	if httpCh != nil {
		if err := <-httpCh; err != nil && httpErr == nil {
			httpErr = err
		}
	}
	if err := a.loop.Err(); err != nil {
		return err
	}
	return httpErr
}
