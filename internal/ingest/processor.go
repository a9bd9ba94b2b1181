// v1
// internal/ingest/processor.go

// Package ingest turns broker payloads into ledger trades. Only readings
// whose fingerprint matches the disclosed consumption value are recorded.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/ledger"
	"nrgchamp/meterchain/internal/meter"
	"nrgchamp/meterchain/internal/wire"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// Checker verifies a disclosed proof. *commitment.Verifier satisfies it.
type Checker interface {
	Check(p commitment.Proof) (bool, error)
}

// Recorder persists trades. *ledger.FileLedger satisfies it.
type Recorder interface {
	RecordTrade(ctx context.Context, tr ledger.Trade) (ledger.Trade, error)
}

// Sink receives accepted readings for time-series storage.
type Sink interface {
	WriteReading(ctx context.Context, r meter.EnergyReading, fp commitment.Fingerprint) error
}

// Result describes what happened to one payload.
type Result struct {
	Outcome Outcome
	Reason  string
	MeterID string
	Trade   *ledger.Trade
}

// Stats counts outcomes since start.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
	Duplicate uint64 `json:"duplicate"`
	SinkErrs  uint64 `json:"sinkErrors"`
}

const DefaultReplayCacheSize = 4096

type Option func(*Processor)

// WithSink forwards accepted readings to s.
func WithSink(s Sink) Option { return func(p *Processor) { p.sink = s } }

// WithObserver is called with every outcome.
func WithObserver(fn func(Outcome)) Option { return func(p *Processor) { p.observe = fn } }

// WithAlgorithm records the commitment hash name on trades.
func WithAlgorithm(name string) Option { return func(p *Processor) { p.algorithm = name } }

// WithReplayCacheSize bounds the number of remembered meter/timestamp keys.
func WithReplayCacheSize(n int) Option { return func(p *Processor) { p.cacheSize = n } }

// WithRecordHook runs after a trade is stored.
func WithRecordHook(fn func(ledger.Trade)) Option { return func(p *Processor) { p.onRecord = fn } }

type Processor struct {
	checker   Checker
	recorder  Recorder
	sink      Sink
	observe   func(Outcome)
	onRecord  func(ledger.Trade)
	algorithm string
	cacheSize int
	seen      *lru.Cache
	log       *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewProcessor(checker Checker, recorder Recorder, log *slog.Logger, opts ...Option) (*Processor, error) {
	if checker == nil {
		return nil, errors.New("processor requires a checker")
	}
	if recorder == nil {
		return nil, errors.New("processor requires a recorder")
	}
	if log == nil {
		return nil, errors.New("processor requires a logger")
	}
	p := &Processor{
		checker:   checker,
		recorder:  recorder,
		algorithm: commitment.HashSHA256,
		cacheSize: DefaultReplayCacheSize,
		log:       log.With(slog.String("component", "ingest")),
	}
	for _, opt := range opts {
		opt(p)
	}
	cache, err := lru.New(p.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	p.seen = cache
	return p, nil
}

// Handle processes one payload. Rejections and duplicates are results, not
// errors; the error is reserved for a failed ledger write, after which the
// same payload may be retried.
func (p *Processor) Handle(ctx context.Context, payload []byte) (Result, error) {
	msg, err := wire.Decode(payload)
	if err != nil {
		return p.finish(Result{Outcome: OutcomeRejected, Reason: err.Error()}), nil
	}
	r := msg.Reading
	res := Result{MeterID: r.MeterID}
	if !msg.Attested() {
		res.Outcome, res.Reason = OutcomeRejected, "missing fingerprint"
		return p.finish(res), nil
	}
	ok, err := p.checker.Check(commitment.Proof{Value: r.CommittedValue(), Fingerprint: msg.Fingerprint})
	if err != nil {
		res.Outcome, res.Reason = OutcomeRejected, err.Error()
		return p.finish(res), nil
	}
	if !ok {
		res.Outcome, res.Reason = OutcomeRejected, "fingerprint mismatch"
		return p.finish(res), nil
	}

	key := fmt.Sprintf("%s:%d", r.MeterID, r.Timestamp)
	if found, _ := p.seen.ContainsOrAdd(key, struct{}{}); found {
		res.Outcome, res.Reason = OutcomeDuplicate, "reading already recorded"
		return p.finish(res), nil
	}

	trade, err := p.recorder.RecordTrade(ctx, ledger.NewTrade(r, msg.Fingerprint, p.algorithm))
	if err != nil {
		p.seen.Remove(key)
		p.log.Error("ledger_record_err", slog.String("meter", r.MeterID), slog.Int64("ts", r.Timestamp), slog.Any("err", err))
		return Result{}, fmt.Errorf("record trade: %w", err)
	}
	if p.onRecord != nil {
		p.onRecord(trade)
	}
	if p.sink != nil {
		if err := p.sink.WriteReading(ctx, r, msg.Fingerprint); err != nil {
			p.mu.Lock()
			p.stats.SinkErrs++
			p.mu.Unlock()
			p.log.Warn("sink_write_err", slog.String("meter", r.MeterID), slog.Any("err", err))
		}
	}
	res.Outcome = OutcomeAccepted
	res.Trade = &trade
	return p.finish(res), nil
}

// HandlePayload adapts Handle to a broker handler.
func (p *Processor) HandlePayload(ctx context.Context, payload []byte) error {
	_, err := p.Handle(ctx, payload)
	return err
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) finish(res Result) Result {
	p.mu.Lock()
	switch res.Outcome {
	case OutcomeAccepted:
		p.stats.Accepted++
	case OutcomeRejected:
		p.stats.Rejected++
	case OutcomeDuplicate:
		p.stats.Duplicate++
	}
	p.mu.Unlock()

	switch res.Outcome {
	case OutcomeAccepted:
		p.log.Info("reading_accepted", slog.String("meter", res.MeterID), slog.Int64("seq", res.Trade.Seq), slog.Int64("amountWh", res.Trade.EnergyAmountWh))
	case OutcomeDuplicate:
		p.log.Debug("reading_duplicate", slog.String("meter", res.MeterID))
	default:
		p.log.Warn("reading_rejected", slog.String("meter", res.MeterID), slog.String("reason", res.Reason))
	}
	if p.observe != nil {
		p.observe(res.Outcome)
	}
	return res
}
