// Package admin serves /metrics and /debug/pprof/* on a side port,
// exposing the fabric's own Prometheus collectors: active
// subscriptions, pending ackmes and prune runs.
package admin

import (
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors a daemon or server updates
// as it runs.
type Metrics struct {
	ActiveSubscriptions prometheus.Gauge
	PendingAckmes       prometheus.Gauge
	PruneRuns           prometheus.Counter
	BubblesCreated      prometheus.Counter
	UpdatesReceived     prometheus.Counter
	EchoesSuppressed    prometheus.Counter
}

// NewMetrics registers the fabric's collectors against a fresh
// registry and returns both for use by NewServer.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braidfs_active_subscriptions",
			Help: "Number of currently open subscription streams.",
		}),
		PendingAckmes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braidfs_pending_ackmes",
			Help: "Number of in-flight antimatter ackme handshakes.",
		}),
		PruneRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braidfs_prune_runs_total",
			Help: "Number of completed antimatter prune passes.",
		}),
		BubblesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braidfs_bubbles_created_total",
			Help: "Number of CRDT bubbles created during pruning.",
		}),
		UpdatesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braidfs_updates_received_total",
			Help: "Number of wire updates applied by the antimatter coordinator.",
		}),
		EchoesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braidfs_echoes_suppressed_total",
			Help: "Number of local writes suppressed as echoes of our own sync.",
		}),
	}
	reg.MustRegister(m.ActiveSubscriptions, m.PendingAckmes, m.PruneRuns, m.BubblesCreated, m.UpdatesReceived, m.EchoesSuppressed)
	return m, reg
}

// NewServer returns an *http.Server exposing /metrics, /ping, /ready
// and, when enablePprof is set, /debug/pprof/*, against reg.
func NewServer(addr string, reg *prometheus.Registry, enablePprof bool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong\n"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	if enablePprof {
		// net/http/pprof only self-registers on DefaultServeMux, so the
		// handlers are attached here by hand.
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
}
