package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExchangeMetrics tracks conversion and settlement activity.
type ExchangeMetrics struct {
	trades      *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	settlements *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

var (
	exchangeMetricsOnce sync.Once
	exchangeRegistry    *ExchangeMetrics
)

// Exchange returns the lazily-initialised metrics registry for the exchange
// engine.
func Exchange() *ExchangeMetrics {
	exchangeMetricsOnce.Do(func() {
		exchangeRegistry = &ExchangeMetrics{
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synthex",
				Subsystem: "exchange",
				Name:      "trades_total",
				Help:      "Total conversions segmented by path and outcome.",
			}, []string{"path", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synthex",
				Subsystem: "exchange",
				Name:      "rejections_total",
				Help:      "Conversions rejected before any state change, segmented by path and reason.",
			}, []string{"path", "reason"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synthex",
				Subsystem: "exchange",
				Name:      "settlements_total",
				Help:      "Settlement calls segmented by outcome (reclaimed, refunded, noop).",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "synthex",
				Subsystem: "exchange",
				Name:      "trade_duration_seconds",
				Help:      "Latency distribution for conversion calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"}),
		}
		prometheus.MustRegister(
			exchangeRegistry.trades,
			exchangeRegistry.rejections,
			exchangeRegistry.settlements,
			exchangeRegistry.latency,
		)
	})
	return exchangeRegistry
}

// RecordTrade records one completed or failed conversion attempt.
func (m *ExchangeMetrics) RecordTrade(path, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	path = normaliseLabel(path, "standard")
	outcome = normaliseLabel(outcome, "unknown")
	m.trades.WithLabelValues(path, outcome).Inc()
	m.latency.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordRejection counts a conversion rejected before any state change.
func (m *ExchangeMetrics) RecordRejection(path, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normaliseLabel(path, "standard"), normaliseLabel(reason, "unknown")).Inc()
}

// RecordSettlement counts a settlement call by its outcome.
func (m *ExchangeMetrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(normaliseLabel(outcome, "noop")).Inc()
}

func normaliseLabel(value, fallback string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return fallback
	}
	return value
}
