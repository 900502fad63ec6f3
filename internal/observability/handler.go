package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker returns whether the service can accept traffic.
type ReadinessChecker func(r *http.Request) bool

// Register mounts /metrics and the liveness and readiness probes on mux.
func Register(mux *http.ServeMux, reg *prometheus.Registry, isReady ReadinessChecker) {
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", handleLiveness)
	mux.HandleFunc("/healthz/readiness", func(w http.ResponseWriter, r *http.Request) {
		handleReadiness(w, r, isReady)
	})
}

func handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func handleReadiness(w http.ResponseWriter, r *http.Request, isReady ReadinessChecker) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if isReady == nil || isReady(r) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready\n"))
}
