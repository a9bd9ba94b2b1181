// v1
// internal/meter/reading.go
package meter

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnergyReading is one sample of a smart meter. Energies are kWh rounded to
// two decimals.
type EnergyReading struct {
	MeterID        string
	Timestamp      int64
	EnergyConsumed float64
	EnergyProduced float64
}

// Time returns the reading timestamp as a UTC time.
func (r EnergyReading) Time() time.Time { return time.Unix(r.Timestamp, 0).UTC() }

// Validate reports readings that break the generator contract.
func (r EnergyReading) Validate() error {
	if strings.TrimSpace(r.MeterID) == "" {
		return errors.New("reading meter id is empty")
	}
	if math.IsNaN(r.EnergyConsumed) || r.EnergyConsumed < 0 {
		return fmt.Errorf("reading energy_consumed %v is negative or NaN", r.EnergyConsumed)
	}
	if math.IsNaN(r.EnergyProduced) || r.EnergyProduced < 0 {
		return fmt.Errorf("reading energy_produced %v is negative or NaN", r.EnergyProduced)
	}
	if math.IsInf(r.EnergyConsumed, 0) || math.IsInf(r.EnergyProduced, 0) {
		return errors.New("reading energy is infinite")
	}
	return nil
}

// CommittedValue is the integer bound by the reading's fingerprint: the net
// surplus of production over consumption in watt-hours, floored at zero.
// Altering either energy field changes it.
func (r EnergyReading) CommittedValue() int64 {
	surplus := KWhToWh(r.EnergyProduced) - KWhToWh(r.EnergyConsumed)
	if surplus < 0 {
		return 0
	}
	return surplus
}

// KWhToWh converts kWh to whole watt-hours.
func KWhToWh(kwh float64) int64 {
	return int64(math.Round(kwh * 1000))
}
