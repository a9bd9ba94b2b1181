// v1
// internal/ledger/file_ledger_test.go
package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/logging"
	"nrgchamp/meterchain/internal/meter"
)

func openLedger(t *testing.T, path string) *FileLedger {
	t.Helper()
	fl, err := NewFileLedger(path, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fl.Close() })
	return fl
}

func sampleTrade(seller string, ts int64) Trade {
	r := meter.EnergyReading{MeterID: seller, Timestamp: ts, EnergyConsumed: 10.25, EnergyProduced: 11.5}
	fp, _ := commitment.NewScheme(nil).Commit(r.CommittedValue())
	return NewTrade(r, fp, commitment.HashSHA256)
}

func TestNewTrade(t *testing.T) {
	tr := sampleTrade("meter_001", 1_700_000_000)
	assert.Equal(t, "meter_001", tr.Seller)
	assert.Equal(t, int64(1250), tr.EnergyAmountWh)
	assert.Equal(t, meter.EnergyReading{EnergyConsumed: 10.25, EnergyProduced: 11.5}.CommittedValue(), tr.EnergyAmountWh)
	assert.Len(t, tr.Fingerprint, 64)

	deficit := NewTrade(meter.EnergyReading{MeterID: "m", EnergyConsumed: 12, EnergyProduced: 8}, nil, commitment.HashSHA256)
	assert.Equal(t, int64(0), deficit.EnergyAmountWh)
}

func TestRecordTradeChainsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "trades.jsonl")
	fl := openLedger(t, path)

	first, err := fl.RecordTrade(context.Background(), sampleTrade("meter_001", 100))
	require.NoError(t, err)
	second, err := fl.RecordTrade(context.Background(), sampleTrade("meter_002", 101))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	report, err := fl.Verify()
	require.NoError(t, err)
	assert.Equal(t, 2, report.Records)
	assert.Equal(t, second.Hash, report.LastHash)
	require.NoError(t, fl.Close())

	reopened := openLedger(t, path)
	got, err := reopened.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Hash, got.Hash)

	third, err := reopened.RecordTrade(context.Background(), sampleTrade("meter_001", 102))
	require.NoError(t, err)
	assert.Equal(t, int64(3), third.Seq)
	assert.Equal(t, second.Hash, third.PrevHash)
}

func TestTamperedLedgerIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	fl := openLedger(t, path)
	_, err := fl.RecordTrade(context.Background(), sampleTrade("meter_001", 100))
	require.NoError(t, err)
	_, err = fl.RecordTrade(context.Background(), sampleTrade("meter_001", 101))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"energyAmountWh":1250`, `"energyAmountWh":9250`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = fl.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
	require.NoError(t, fl.Close())

	_, err = NewFileLedger(path, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestListFiltersAndPages(t *testing.T) {
	fl := openLedger(t, filepath.Join(t.TempDir(), "trades.jsonl"))
	for i := 0; i < 5; i++ {
		seller := "meter_001"
		if i%2 == 1 {
			seller = "meter_002"
		}
		_, err := fl.RecordTrade(context.Background(), sampleTrade(seller, int64(100+i)))
		require.NoError(t, err)
	}

	all, total := fl.List("", 1, 2)
	assert.Equal(t, 5, total)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].Seq)

	last, _ := fl.List("", 3, 2)
	require.Len(t, last, 1)
	assert.Equal(t, int64(5), last[0].Seq)

	mine, total := fl.List("METER_002", 1, 0)
	assert.Equal(t, 2, total)
	assert.Len(t, mine, 2)

	empty, _ := fl.List("", 9, 2)
	assert.Empty(t, empty)
}

func TestRecordTradeValidation(t *testing.T) {
	fl := openLedger(t, filepath.Join(t.TempDir(), "trades.jsonl"))
	_, err := fl.RecordTrade(context.Background(), Trade{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fl.RecordTrade(ctx, sampleTrade("meter_001", 1))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = fl.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordedAtUsesClock(t *testing.T) {
	fl := openLedger(t, filepath.Join(t.TempDir(), "trades.jsonl"))
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fl.now = func() time.Time { return fixed }
	tr, err := fl.RecordTrade(context.Background(), sampleTrade("meter_001", 1))
	require.NoError(t, err)
	assert.True(t, tr.RecordedAt.Equal(fixed))
}
