package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"dexcore/internal/dexerr"
	"dexcore/internal/events"
)

// Metrics holds all Prometheus metrics for the exchange engine. Every
// method is safe to call on a nil *Metrics.
type Metrics struct {
	// Call metrics
	Calls       *prometheus.CounterVec
	CallLatency *prometheus.HistogramVec
	Errors      *prometheus.CounterVec

	// Swap metrics
	SwapHops  prometheus.Histogram
	SwapPaths prometheus.Histogram

	// Pool metrics
	PoolsCreated *prometheus.CounterVec
	PoolsTracked prometheus.Gauge

	// Event metrics
	EventsCommitted *prometheus.CounterVec
	LastHeight      prometheus.Gauge

	// Stream metrics
	StreamClients prometheus.Gauge

	// Graph metrics
	GraphNodes      prometheus.Gauge
	GraphEdges      prometheus.Gauge
	SnapshotLatency prometheus.Histogram

	registry prometheus.Gatherer
	server   *http.Server
}

// New creates all metrics and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dex_calls_total",
				Help: "Total number of engine calls by operation and status",
			},
			[]string{"op", "status"},
		),
		CallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dex_call_latency_seconds",
				Help:    "Engine call latency by operation",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~0.3s
			},
			[]string{"op"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dex_errors_total",
				Help: "Total number of failed calls by operation and error kind",
			},
			[]string{"op", "kind"},
		),
		SwapHops: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dex_swap_hops",
				Help:    "Number of pool hops per committed swap",
				Buckets: prometheus.LinearBuckets(1, 1, 6),
			},
		),
		SwapPaths: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dex_swap_paths",
				Help:    "Number of paths per committed swap",
				Buckets: prometheus.LinearBuckets(1, 1, 4),
			},
		),
		PoolsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dex_pools_created_total",
				Help: "Total number of pools created by kind",
			},
			[]string{"kind"},
		),
		PoolsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dex_pools_tracked",
				Help: "Number of pools in the registry",
			},
		),
		EventsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dex_events_committed_total",
				Help: "Total number of committed logs by event",
			},
			[]string{"event"},
		),
		LastHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dex_last_height",
				Help: "Height of the last committed call",
			},
		),
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dex_stream_clients",
				Help: "Number of connected event stream clients",
			},
		),
		GraphNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dex_graph_nodes",
				Help: "Number of token nodes in the route graph",
			},
		),
		GraphEdges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dex_graph_edges",
				Help: "Number of directed pool edges in the route graph",
			},
		),
		SnapshotLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dex_graph_snapshot_seconds",
				Help:    "Time to apply reserve updates and snapshot the route graph",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 16),
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.Calls,
		m.CallLatency,
		m.Errors,
		m.SwapHops,
		m.SwapPaths,
		m.PoolsCreated,
		m.PoolsTracked,
		m.EventsCommitted,
		m.LastHeight,
		m.StreamClients,
		m.GraphNodes,
		m.GraphEdges,
		m.SnapshotLatency,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	if m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m != nil && m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordCall records the outcome and latency of an engine call.
func (m *Metrics) RecordCall(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.CallLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		m.Calls.WithLabelValues(op, "error").Inc()
		m.Errors.WithLabelValues(op, dexerr.KindOf(err).String()).Inc()
		return
	}
	m.Calls.WithLabelValues(op, "ok").Inc()
}

// RecordSwap records the shape of a committed swap.
func (m *Metrics) RecordSwap(paths, hops int) {
	if m == nil {
		return
	}
	m.SwapPaths.Observe(float64(paths))
	m.SwapHops.Observe(float64(hops))
}

// RecordPoolCreated increments the pool counter for kind.
func (m *Metrics) RecordPoolCreated(kind string) {
	if m == nil {
		return
	}
	m.PoolsCreated.WithLabelValues(kind).Inc()
}

// SetPoolsTracked sets the current registry size.
func (m *Metrics) SetPoolsTracked(count int) {
	if m == nil {
		return
	}
	m.PoolsTracked.Set(float64(count))
}

// SetStreamClients sets the number of connected stream clients.
func (m *Metrics) SetStreamClients(count int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(count))
}

// RecordGraphStats sets the route graph size.
func (m *Metrics) RecordGraphStats(nodes, edges int) {
	if m == nil {
		return
	}
	m.GraphNodes.Set(float64(nodes))
	m.GraphEdges.Set(float64(edges))
}

// RecordSnapshotLatency observes the time spent building a graph snapshot.
func (m *Metrics) RecordSnapshotLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotLatency.Observe(d.Seconds())
}

// HandleLog counts committed logs by event name.
func (m *Metrics) HandleLog(l events.Log) {
	if m == nil {
		return
	}
	m.EventsCommitted.WithLabelValues(events.Name(l)).Inc()
	m.LastHeight.Set(float64(l.BlockNumber))
}
