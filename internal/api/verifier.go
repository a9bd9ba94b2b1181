// v1
// internal/api/verifier.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/ingest"
	"nrgchamp/meterchain/internal/ledger"
	"nrgchamp/meterchain/internal/metrics"
)

// TradeStore is implemented by *ledger.FileLedger.
type TradeStore interface {
	List(seller string, page, size int) ([]ledger.Trade, int)
	Get(id string) (ledger.Trade, error)
	Verify() (ledger.VerifyReport, error)
}

// StatsSource is implemented by *ingest.Processor.
type StatsSource interface {
	Stats() ingest.Stats
}

// VerifierHandlers bundles dependencies for the verifier endpoints.
type VerifierHandlers struct {
	Verifier  *commitment.Verifier
	Algorithm string
	Trades    TradeStore
	Ingest    StatsSource
}

// NewVerifierRouter wires the verifier service routes.
func NewVerifierRouter(h *VerifierHandlers, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	route := func(path string, fn http.HandlerFunc, method string) {
		r.Handle(path, m.WrapHandler(path, fn)).Methods(method)
	}
	route("/health", health, http.MethodGet)
	route("/verify", h.verify, http.MethodPost)
	route("/trades", h.listTrades, http.MethodGet)
	route("/trades/{id}", h.getTrade, http.MethodGet)
	route("/ledger/verify", h.verifyLedger, http.MethodGet)
	route("/stats", h.stats, http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return r
}

const maxVerifyBody = 4 << 10

// verify checks a disclosed {value, fingerprint} pair.
func (h *VerifierHandlers) verify(w http.ResponseWriter, r *http.Request) {
	var p commitment.Proof
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVerifyBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	valid, err := h.Verifier.Check(p)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": valid, "algorithm": h.Algorithm})
}

func (h *VerifierHandlers) listTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseIntDefault(q.Get("page"), 1)
	size := parseIntDefault(q.Get("size"), 50)
	if size <= 0 || size > 500 {
		size = 50
	}
	items, total := h.Trades.List(q.Get("seller"), page, size)
	respondJSON(w, http.StatusOK, map[string]any{
		"page":  page,
		"size":  size,
		"total": total,
		"items": items,
	})
}

func (h *VerifierHandlers) getTrade(w http.ResponseWriter, r *http.Request) {
	tr, err := h.Trades.Get(mux.Vars(r)["id"])
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

func (h *VerifierHandlers) verifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := h.Trades.Verify()
	if err != nil {
		respondJSON(w, http.StatusConflict, map[string]any{"valid": false, "error": err.Error(), "report": report})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": true, "report": report})
}

func (h *VerifierHandlers) stats(w http.ResponseWriter, r *http.Request) {
	if h.Ingest == nil {
		respondJSON(w, http.StatusOK, ingest.Stats{})
		return
	}
	respondJSON(w, http.StatusOK, h.Ingest.Stats())
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
