// Package observability exposes Prometheus metrics and health probes.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Append results.
const (
	ResultOK          = "ok"
	ResultValidation  = "validation"
	ResultUnavailable = "unavailable"
)

// Fan-out results.
const (
	DeliveryDelivered = "delivered"
	DeliveryDropped   = "dropped"
)

// Metrics holds the messaging core's collectors. A nil *Metrics is valid and
// records nothing, so components can run without observability wired in.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ChannelJoins      prometheus.Counter
	MessagesAppended  *prometheus.CounterVec
	AppendDuration    prometheus.Histogram
	FanoutDeliveries  *prometheus.CounterVec
	HistoryRequests   *prometheus.CounterVec
	HubErrors         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schoolchat_connections_active",
			Help: "Number of open websocket connections",
		}),
		ChannelJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolchat_channel_joins_total",
			Help: "Total number of accepted channel joins",
		}),
		MessagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolchat_messages_appended_total",
			Help: "Total number of append attempts by result",
		}, []string{"result"}),
		AppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "schoolchat_store_append_seconds",
			Help:    "Latency of message store appends",
			Buckets: prometheus.DefBuckets,
		}),
		FanoutDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolchat_fanout_deliveries_total",
			Help: "Total number of per-member live deliveries by result",
		}, []string{"result"}),
		HistoryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolchat_history_requests_total",
			Help: "Total number of history requests by HTTP status",
		}, []string{"status"}),
		HubErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolchat_hub_errors_total",
			Help: "Total number of error frames sent to clients by code",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ChannelJoins,
		m.MessagesAppended,
		m.AppendDuration,
		m.FanoutDeliveries,
		m.HistoryRequests,
		m.HubErrors,
	)
	return m
}

// NewRegistry returns a registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) Joined() {
	if m != nil {
		m.ChannelJoins.Inc()
	}
}

// ObserveAppend records one append attempt.
func (m *Metrics) ObserveAppend(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.MessagesAppended.WithLabelValues(result).Inc()
	if result != ResultValidation {
		m.AppendDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Delivery(result string) {
	if m != nil {
		m.FanoutDeliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) HistoryRequest(status string) {
	if m != nil {
		m.HistoryRequests.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) HubError(code string) {
	if m != nil {
		m.HubErrors.WithLabelValues(code).Inc()
	}
}
