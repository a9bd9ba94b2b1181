// v1
// internal/app/verifier.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nrgchamp/meterchain/internal/api"
	"nrgchamp/meterchain/internal/broker"
	"nrgchamp/meterchain/internal/broker/kafka"
	"nrgchamp/meterchain/internal/broker/mqtt"
	"nrgchamp/meterchain/internal/circuitbreaker"
	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/config"
	"nrgchamp/meterchain/internal/ingest"
	"nrgchamp/meterchain/internal/ledger"
	"nrgchamp/meterchain/internal/metrics"
	"nrgchamp/meterchain/internal/publish"
	"nrgchamp/meterchain/internal/sink"
)

// Verifier consumes telemetry, checks each commitment and records accepted
// readings as trades on the hash-chained ledger.
type Verifier struct {
	cfg       config.Config
	logger    *slog.Logger
	ledger    *ledger.FileLedger
	influx    *sink.Influx
	processor *ingest.Processor
	consumer  broker.Consumer
	metrics   *metrics.Metrics
	server    *http.Server
}

// NewVerifier opens the ledger and builds the consumer for cfg.Broker.
func NewVerifier(cfg config.Config, logger *slog.Logger) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hasher, err := commitment.HasherByName(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	scheme := commitment.NewScheme(hasher)
	verifier := commitment.NewVerifier(scheme, logger)

	fileLedger, err := ledger.NewFileLedger(cfg.LedgerPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	m := metrics.New()

	opts := []ingest.Option{
		ingest.WithAlgorithm(scheme.Algorithm()),
		ingest.WithReplayCacheSize(cfg.ReplayCacheSize),
		ingest.WithObserver(func(o ingest.Outcome) { m.Verified(string(o)) }),
		ingest.WithRecordHook(func(ledger.Trade) { m.LedgerRecorded() }),
	}
	var influx *sink.Influx
	if strings.TrimSpace(cfg.InfluxURL) != "" {
		influx, err = sink.NewInflux(sink.Options{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, logger)
		if err != nil {
			_ = fileLedger.Close()
			return nil, err
		}
		opts = append(opts, ingest.WithSink(influx))
	}
	processor, err := ingest.NewProcessor(verifier, fileLedger, logger, opts...)
	if err != nil {
		closeQuietly(fileLedger, influx)
		return nil, err
	}

	consumer, err := newConsumer(cfg, m, logger)
	if err != nil {
		closeQuietly(fileLedger, influx)
		return nil, err
	}

	router := api.NewVerifierRouter(&api.VerifierHandlers{
		Verifier:  verifier,
		Algorithm: scheme.Algorithm(),
		Trades:    fileLedger,
		Ingest:    processor,
	}, m)
	return &Verifier{
		cfg:       cfg,
		logger:    logger,
		ledger:    fileLedger,
		influx:    influx,
		processor: processor,
		consumer:  consumer,
		metrics:   m,
		server:    newServer(cfg.ListenAddress, api.Wrap(logger, nil, router)),
	}, nil
}

func newConsumer(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (broker.Consumer, error) {
	switch cfg.Broker {
	case config.BrokerMQTT:
		return mqtt.NewSubscriber(mqtt.Options{
			BrokerURL:      cfg.BrokerAddress(),
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			QoS:            cfg.MQTTQoS,
			KeepAlive:      cfg.MQTTKeepAlive,
			ConnectTimeout: cfg.ConnectTimeout,
		}, cfg.Topic, nil, logger), nil
	case config.BrokerKafka:
		return kafka.NewConsumer(kafka.Options{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     cfg.KafkaGroupID,
			Breaker:     cfg.CircuitBreaker(),
			CallTimeout: cfg.BreakerCallTimeout,
			OnBreakerState: func(name string, to circuitbreaker.State) {
				m.SetCircuitBreakerState(name, float64(to))
			},
		}, cfg.Topic, logger)
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
}

func closeQuietly(l *ledger.FileLedger, influx *sink.Influx) {
	if influx != nil {
		influx.Close()
	}
	if l != nil {
		_ = l.Close()
	}
}

// Processor exposes the ingest pipeline.
func (a *Verifier) Processor() *ingest.Processor { return a.processor }

// Ledger exposes the trade ledger.
func (a *Verifier) Ledger() *ledger.FileLedger { return a.ledger }

// Run consumes until ctx ends, the consumer fails for good or the HTTP
// server stops.
func (a *Verifier) Run(ctx context.Context) error {
	a.logger.Info("verifier_boot",
		slog.String("broker", a.cfg.Broker),
		slog.String("topic", a.cfg.Topic),
		slog.String("hash", a.cfg.HashAlgorithm),
		slog.String("ledger", a.cfg.LedgerPath),
	)
	if a.influx != nil {
		hctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
		if err := a.influx.Health(hctx); err != nil {
			a.logger.Warn("influx_unhealthy", slog.Any("err", err))
		}
		cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumeCh := make(chan error, 1)
	go func() {
		policy := publish.RetryPolicy{
			MaxRetries:     a.cfg.RetryMax,
			InitialBackoff: a.cfg.RetryInitialBackoff,
			MaxBackoff:     a.cfg.RetryMaxBackoff,
			Multiplier:     2,
		}
		consumeCh <- publish.Supervise(runCtx, func(ctx context.Context) error {
			return a.consumer.Run(ctx, a.processor.HandlePayload)
		}, policy, a.logger)
	}()
	httpCh := serve(a.server, a.logger)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown_signal")
	case runErr = <-consumeCh:
		consumeCh = nil
		if runErr != nil {
			a.logger.Error("consumer_exit", slog.Any("err", runErr))
		}
	case runErr = <-httpCh:
		httpCh = nil
		if runErr != nil {
			a.logger.Error("http_server_error", slog.Any("err", runErr))
		}
	}

	cancel()
	shutdownServer(a.server, a.cfg.ShutdownTimeout, a.logger)
	if consumeCh != nil {
		select {
		case err := <-consumeCh:
			if runErr == nil {
				runErr = err
			}
		case <-time.After(a.cfg.ShutdownTimeout):
			a.logger.Warn("consumer_stop_timeout")
		}
	}
	if httpCh != nil {
		if err := <-httpCh; err != nil && runErr == nil {
			runErr = err
		}
	}
	stats := a.processor.Stats()
	a.logger.Info("verifier_stopped",
		slog.Uint64("accepted", stats.Accepted),
		slog.Uint64("rejected", stats.Rejected),
		slog.Uint64("duplicate", stats.Duplicate),
	)
	return runErr
}

// Close releases the ledger file and the InfluxDB client.
func (a *Verifier) Close() error {
	var errs []error
	if a.influx != nil {
		a.influx.Close()
	}
	if err := a.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
