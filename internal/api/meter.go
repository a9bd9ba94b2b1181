// v1
// internal/api/meter.go
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"nrgchamp/meterchain/internal/metrics"
	"nrgchamp/meterchain/internal/publish"
)

// StatusSource is implemented by *publish.Loop.
type StatusSource interface {
	Snapshot() publish.Snapshot
}

type attemptView struct {
	Seq         uint64  `json:"seq"`
	Timestamp   int64   `json:"timestamp"`
	Consumed    float64 `json:"energyConsumed"`
	Produced    float64 `json:"energyProduced"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	OK          bool    `json:"ok"`
	Error       string  `json:"error,omitempty"`
}

type statusView struct {
	MeterID       string       `json:"meterId"`
	Topic         string       `json:"topic"`
	State         string       `json:"state"`
	Published     uint64       `json:"published"`
	Failed        uint64       `json:"failed"`
	LastTimestamp int64        `json:"lastTimestamp"`
	LastAttempt   *attemptView `json:"lastAttempt,omitempty"`
}

// NewMeterRouter serves the meter agent's health, status and metrics.
func NewMeterRouter(src StatusSource, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/health", m.WrapHandler("/health", http.HandlerFunc(health))).Methods(http.MethodGet)
	r.Handle("/status", m.WrapHandler("/status", statusHandler(src))).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return r
}

func statusHandler(src StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := src.Snapshot()
		view := statusView{
			MeterID:       s.MeterID,
			Topic:         s.Topic,
			State:         s.State.String(),
			Published:     s.Published,
			Failed:        s.Failed,
			LastTimestamp: s.LastTimestamp,
		}
		if a := s.LastAttempt; a != nil {
			view.LastAttempt = &attemptView{
				Seq:       a.Seq,
				Timestamp: a.Reading.Timestamp,
				Consumed:  a.Reading.EnergyConsumed,
				Produced:  a.Reading.EnergyProduced,
				OK:        a.OK(),
			}
			if a.Fingerprint != nil {
				view.LastAttempt.Fingerprint = a.Fingerprint.Hex()
			}
			if a.Err != nil {
				view.LastAttempt.Error = a.Err.Error()
			}
		}
		respondJSON(w, http.StatusOK, view)
	})
}
