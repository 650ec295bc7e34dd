// Package obs holds the server's Prometheus instrumentation and the
// metrics/health endpoint.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PendingSessions   = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrpc_pending_sessions", Help: "Admitted sessions awaiting transport upgrade"})
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrpc_connected_sessions", Help: "Sessions with an attached socket"})
	HandshakesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrpc_handshakes_total", Help: "Handshake attempts by outcome"}, []string{"outcome"})
	RPCRequestsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrpc_rpc_requests_total", Help: "Dispatched JSON-RPC requests by method and transport"}, []string{"method", "transport"})
	CallsDropped      = promauto.NewCounter(prometheus.CounterOpts{Name: "wsrpc_uncorrelated_messages_total", Help: "Inbound messages with no registered waiter"})
)

// Handler serves Prometheus metrics plus a liveness endpoint.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
