// v2
// internal/ledger/trade.go
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/meter"
)

// Trade is the offer a meter makes on the ledger once one of its readings
// has been verified: the net surplus it can sell, backed by the fingerprint
// the meter committed to.
type Trade struct {
	Seq              int64     `json:"seq"`
	ID               string    `json:"id"`
	Seller           string    `json:"seller"`
	EnergyAmountWh   int64     `json:"energyAmountWh"`
	ReadingTimestamp int64     `json:"readingTimestamp"`
	Fingerprint      string    `json:"fingerprint"`
	Algorithm        string    `json:"algorithm"`
	RecordedAt       time.Time `json:"recordedAt"`
	PrevHash         string    `json:"prevHash"`
	Hash             string    `json:"hash"`
}

// NewTrade derives the trade for a verified reading. The amount is the
// reading's committed value, so it is exactly what the fingerprint binds.
func NewTrade(r meter.EnergyReading, fp commitment.Fingerprint, algorithm string) Trade {
	return Trade{
		Seller:           r.MeterID,
		EnergyAmountWh:   r.CommittedValue(),
		ReadingTimestamp: r.Timestamp,
		Fingerprint:      fp.Hex(),
		Algorithm:        algorithm,
	}
}

// ComputeHash hashes every field but Hash.
func (t *Trade) ComputeHash() (string, error) {
	tmp := *t
	tmp.Hash = ""
	tmp.RecordedAt = t.RecordedAt.UTC()
	b, err := json.Marshal(tmp)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}
