// v1
// internal/sink/influx.go

// Package sink stores accepted readings in InfluxDB for dashboards.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/meter"
)

const Measurement = "energy_reading"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes one point per accepted reading with the blocking write API.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
	bucket string
	log    *slog.Logger
}

// Options locate the InfluxDB bucket.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func NewInflux(opts Options, log *slog.Logger) (*Influx, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("influx url must not be empty")
	}
	if opts.Org == "" || opts.Bucket == "" {
		return nil, errors.New("influx org and bucket are required")
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &Influx{
		client: client,
		writer: client.WriteAPIBlocking(opts.Org, opts.Bucket),
		bucket: opts.Bucket,
		log:    log.With(slog.String("component", "influx_sink")),
	}, nil
}

// Health asks the server whether it is ready to accept writes.
func (s *Influx) Health(ctx context.Context) error {
	check, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if check.Status != domain.HealthCheckStatusPass {
		msg := ""
		if check.Message != nil {
			msg = *check.Message
		}
		return fmt.Errorf("influx health: status %s %s", check.Status, msg)
	}
	return nil
}

func (s *Influx) WriteReading(ctx context.Context, r meter.EnergyReading, fp commitment.Fingerprint) error {
	if err := s.writer.WritePoint(ctx, Point(r, fp)); err != nil {
		return fmt.Errorf("error writing to InfluxDB: %w", err)
	}
	s.log.Debug("influx_point_written", slog.String("bucket", s.bucket), slog.String("meter", r.MeterID), slog.Int64("ts", r.Timestamp))
	return nil
}

func (s *Influx) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Point converts a reading into the stored point: tagged by meter, stamped
// with the reading time.
func Point(r meter.EnergyReading, fp commitment.Fingerprint) *write.Point {
	fields := map[string]interface{}{
		"consumed_kwh": r.EnergyConsumed,
		"produced_kwh": r.EnergyProduced,
		"committed_wh": r.CommittedValue(),
	}
	if fp != nil {
		fields["fingerprint"] = fp.Hex()
	}
	return influxdb2.NewPoint(Measurement, map[string]string{"meter_id": r.MeterID}, fields, r.Time())
}
