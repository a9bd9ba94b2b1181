// v0
// internal/meter/generator.go
package meter

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Profile shapes one simulated energy series:
//
//	value(t) = Base + Amplitude * (1 + sin(2π·(t mod Period)/Period + Phase)) / 2
//
// so the series stays within [Base, Base+Amplitude].
type Profile struct {
	Base      float64
	Amplitude float64
	Period    time.Duration
	Phase     float64
}

var (
	// DefaultConsumption cycles between 10 and 15 kWh every hour.
	DefaultConsumption = Profile{Base: 10, Amplitude: 5, Period: time.Hour}
	// DefaultProduction follows a daily curve between 8 and 12 kWh with
	// its trough at midnight UTC.
	DefaultProduction = Profile{Base: 8, Amplitude: 4, Period: 24 * time.Hour, Phase: -math.Pi / 2}
)

func (p Profile) at(t time.Time) float64 {
	period := p.Period
	if period <= 0 {
		period = time.Hour
	}
	offset := time.Duration(t.UnixNano() % int64(period))
	if offset < 0 {
		offset += period
	}
	angle := 2*math.Pi*float64(offset)/float64(period) + p.Phase
	return round2(p.Base + p.Amplitude*(1+math.Sin(angle))/2)
}

func (p Profile) validate() error {
	if p.Base < 0 || p.Amplitude < 0 {
		return errors.New("profile base and amplitude must be non-negative")
	}
	return nil
}

// Generator produces readings for a single meter. It never reads the system
// clock: the time is always handed in by the caller.
type Generator struct {
	meterID     string
	consumption Profile
	production  Profile
}

// Option customises a Generator.
type Option func(*Generator)

// WithConsumption overrides the consumption profile.
func WithConsumption(p Profile) Option { return func(g *Generator) { g.consumption = p } }

// WithProduction overrides the production profile.
func WithProduction(p Profile) Option { return func(g *Generator) { g.production = p } }

// NewGenerator binds a generator to meterID for its whole lifetime.
func NewGenerator(meterID string, opts ...Option) (*Generator, error) {
	id := strings.TrimSpace(meterID)
	if id == "" {
		return nil, errors.New("meter id is required")
	}
	g := &Generator{meterID: id, consumption: DefaultConsumption, production: DefaultProduction}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.consumption.validate(); err != nil {
		return nil, err
	}
	if err := g.production.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// MeterID returns the id fixed at construction.
func (g *Generator) MeterID() string { return g.meterID }

// Next returns the reading for t. Equal times give equal readings.
func (g *Generator) Next(t time.Time) EnergyReading {
	return EnergyReading{
		MeterID:        g.meterID,
		Timestamp:      t.Unix(),
		EnergyConsumed: g.consumption.at(t),
		EnergyProduced: g.production.at(t),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
