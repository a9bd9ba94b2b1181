// v1
// internal/metrics/metrics_test.go
package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/meterchain/internal/publish"
)

func TestObserverCountsPublishesAndConnects(t *testing.T) {
	m := New()
	obs := m.Observer()

	obs(publish.Event{Kind: publish.EventStateChanged, Previous: publish.StateDisconnected, State: publish.StateConnecting})
	obs(publish.Event{Kind: publish.EventStateChanged, Previous: publish.StateConnecting, State: publish.StateDisconnected, Err: errors.New("refused")})
	obs(publish.Event{Kind: publish.EventStateChanged, Previous: publish.StateDisconnected, State: publish.StateConnecting})
	obs(publish.Event{Kind: publish.EventStateChanged, Previous: publish.StateConnecting, State: publish.StateConnected})
	obs(publish.Event{Kind: publish.EventPublished})
	obs(publish.Event{Kind: publish.EventPublished})
	obs(publish.Event{Kind: publish.EventPublishFailed})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(publish.StateConnected), testutil.ToFloat64(m.loopState))
}

func TestVerifiedAndLedger(t *testing.T) {
	m := New()
	m.Verified("accepted")
	m.Verified("rejected")
	m.Verified("accepted")
	m.LedgerRecorded()
	m.SetCircuitBreakerState("kafka", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.verifyTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifyTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cbState.WithLabelValues("kafka")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Verified("accepted")
	m.LedgerRecorded()
	m.SetCircuitBreakerState("kafka", 0)
	m.Observer()(publish.Event{Kind: publish.EventPublished})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.LedgerRecorded()
	wrapped := m.WrapHandler("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "meterchain_ledger_records_total 1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/metrics", "200")))
}
