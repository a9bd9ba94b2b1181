// v1
// internal/sink/influx_test.go
package sink

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/logging"
	"nrgchamp/meterchain/internal/meter"
)

var sample = meter.EnergyReading{MeterID: "meter_001", Timestamp: 1_700_000_000, EnergyConsumed: 12.5, EnergyProduced: 8}

func TestPointLineProtocol(t *testing.T) {
	fp, err := commitment.NewScheme(nil).Commit(sample.CommittedValue())
	require.NoError(t, err)

	line := write.PointToLineProtocol(Point(sample, fp), time.Second)
	assert.True(t, strings.HasPrefix(line, "energy_reading,meter_id=meter_001 "), line)
	assert.Contains(t, line, "committed_wh=0i")
	assert.Contains(t, line, "consumed_kwh=12.5")
	assert.Contains(t, line, "produced_kwh=8")
	assert.Contains(t, line, `fingerprint="`+fp.Hex()+`"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(line), " 1700000000"), line)
}

func TestPointWithoutFingerprint(t *testing.T) {
	line := write.PointToLineProtocol(Point(sample, nil), time.Second)
	assert.NotContains(t, line, "fingerprint")
}

type capturingWriter struct {
	points []*write.Point
	err    error
}

func (w *capturingWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	w.points = append(w.points, p...)
	return w.err
}

func TestWriteReading(t *testing.T) {
	w := &capturingWriter{}
	s := &Influx{writer: w, bucket: "meters", log: logging.Discard()}
	require.NoError(t, s.WriteReading(context.Background(), sample, nil))
	require.Len(t, w.points, 1)
	assert.Equal(t, Measurement, w.points[0].Name())

	w.err = errors.New("unauthorized")
	err := s.WriteReading(context.Background(), sample, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestNewInfluxValidation(t *testing.T) {
	_, err := NewInflux(Options{}, logging.Discard())
	assert.Error(t, err)
	_, err = NewInflux(Options{URL: "http://influx:8086"}, logging.Discard())
	assert.Error(t, err)

	s, err := NewInflux(Options{URL: "http://influx:8086", Org: "nrg", Bucket: "meters"}, logging.Discard())
	require.NoError(t, err)
	s.Close()
}
