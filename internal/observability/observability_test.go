package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.Joined()
		m.ObserveAppend(ResultOK, time.Millisecond)
		m.Delivery(DeliveryDropped)
		m.HistoryRequest("200")
		m.HubError("X")
	})
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObserveAppend(ResultOK, time.Millisecond)
	m.ObserveAppend(ResultUnavailable, time.Millisecond)
	m.Delivery(DeliveryDelivered)
	m.Delivery(DeliveryDelivered)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesAppended.WithLabelValues(ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesAppended.WithLabelValues(ResultUnavailable)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FanoutDeliveries.WithLabelValues(DeliveryDelivered)))
}

func TestRegister_Endpoints(t *testing.T) {
	reg := NewRegistry()
	m := NewMetrics(reg)
	m.Joined()

	var ready atomic.Bool
	mux := http.NewServeMux()
	Register(mux, reg, func(*http.Request) bool { return ready.Load() })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/healthz/liveness")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/healthz/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "not ready")

	ready.Store(true)
	code, _ = get("/healthz/readiness")
	assert.Equal(t, http.StatusOK, code)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "schoolchat_channel_joins_total")
}
