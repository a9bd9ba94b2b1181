// v1
// internal/wire/payload.go

// Package wire encodes meter readings for the broker. The payload is a JSON
// object; consumers ignore keys they do not know.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/meter"
)

// Message is a decoded payload. Fingerprint is nil for unattested readings.
type Message struct {
	Reading     meter.EnergyReading
	Fingerprint commitment.Fingerprint
}

// Attested reports whether a fingerprint travelled with the reading.
func (m Message) Attested() bool { return m.Fingerprint != nil }

type payload struct {
	MeterID        string  `json:"meter_id"`
	Timestamp      int64   `json:"timestamp"`
	EnergyConsumed float64 `json:"energy_consumed"`
	EnergyProduced float64 `json:"energy_produced"`
	Fingerprint    string  `json:"fingerprint,omitempty"`
}

type incoming struct {
	MeterID        *string          `json:"meter_id"`
	Timestamp      *int64           `json:"timestamp"`
	EnergyConsumed *float64         `json:"energy_consumed"`
	EnergyProduced *float64         `json:"energy_produced"`
	Fingerprint    *json.RawMessage `json:"fingerprint"`
}

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed payload")

// Encode serialises a reading; a nil fingerprint omits the key.
func Encode(r meter.EnergyReading, fp commitment.Fingerprint) ([]byte, error) {
	p := payload{
		MeterID:        r.MeterID,
		Timestamp:      r.Timestamp,
		EnergyConsumed: r.EnergyConsumed,
		EnergyProduced: r.EnergyProduced,
	}
	if fp != nil {
		p.Fingerprint = fp.Hex()
	}
	return json.Marshal(p)
}

// Decode parses a payload. meter_id, timestamp, energy_consumed and
// energy_produced are required and timestamp must be a JSON integer;
// fingerprint, when present, must be a hex 256-bit digest.
func Decode(b []byte) (Message, error) {
	var in incoming
	if err := json.Unmarshal(b, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var missing []string
	if in.MeterID == nil {
		missing = append(missing, "meter_id")
	}
	if in.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if in.EnergyConsumed == nil {
		missing = append(missing, "energy_consumed")
	}
	if in.EnergyProduced == nil {
		missing = append(missing, "energy_produced")
	}
	if len(missing) > 0 {
		return Message{}, fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	msg := Message{Reading: meter.EnergyReading{
		MeterID:        *in.MeterID,
		Timestamp:      *in.Timestamp,
		EnergyConsumed: *in.EnergyConsumed,
		EnergyProduced: *in.EnergyProduced,
	}}
	if err := msg.Reading.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Fingerprint != nil && string(*in.Fingerprint) != "null" {
		var raw string
		if err := json.Unmarshal(*in.Fingerprint, &raw); err != nil {
			return Message{}, fmt.Errorf("%w: fingerprint is not a string", ErrMalformed)
		}
		fp, err := commitment.ParseFingerprint(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		msg.Fingerprint = fp
	}
	return msg, nil
}
