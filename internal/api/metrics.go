package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pm-arb/pkg/types"
)

// Metrics is the prometheus surface for the trading engine. One instance
// per process; the engine records into it and MetricsServer exposes it.
type Metrics struct {
	registry *prometheus.Registry

	OpportunitiesFound    prometheus.Counter
	OpportunitiesRejected *prometheus.CounterVec
	TradesTotal           *prometheus.CounterVec
	EdgeBps               prometheus.Histogram
	BreakerOpen           *prometheus.GaugeVec
	ScanDuration          prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OpportunitiesFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "arb_opportunities_found_total",
			Help: "Opportunities emitted by discovery scans.",
		}),
		OpportunitiesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_opportunities_rejected_total",
			Help: "Opportunities rejected by the risk gates, by reason.",
		}, []string{"reason"}),
		TradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_trades_total",
			Help: "Trades by terminal status.",
		}, []string{"status"}),
		EdgeBps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_opportunity_edge_bps",
			Help:    "Edge of discovered opportunities in basis points.",
			Buckets: []float64{50, 100, 200, 400, 800, 1600, 3200},
		}),
		BreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arb_breaker_open",
			Help: "1 when a venue's circuit breaker is open.",
		}, []string{"venue"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_scan_duration_seconds",
			Help:    "Wall time of discovery scans.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveOpportunity records one discovered opportunity.
func (m *Metrics) ObserveOpportunity(opp types.Opportunity) {
	m.OpportunitiesFound.Inc()
	m.EdgeBps.Observe(opp.EdgeBps)
}

// ObserveRejection records a risk rejection by stable reason string.
func (m *Metrics) ObserveRejection(reason string) {
	m.OpportunitiesRejected.WithLabelValues(reason).Inc()
}

// ObserveTrade records a trade reaching a terminal status.
func (m *Metrics) ObserveTrade(status types.TradeStatus) {
	m.TradesTotal.WithLabelValues(string(status)).Inc()
}

// SetBreaker reflects a venue's breaker state.
func (m *Metrics) SetBreaker(v types.Venue, open bool) {
	val := 0.0
	if open {
		val = 1.0
	}
	m.BreakerOpen.WithLabelValues(string(v)).Set(val)
}

// MetricsServer exposes /metrics on its own port.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger
}

func NewMetricsServer(port int, metrics *Metrics, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		logger: logger.With("component", "metrics-server"),
	}
}

func (s *MetricsServer) Start() error {
	s.logger.Info("metrics server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (s *MetricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
