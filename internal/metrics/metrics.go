// Package metrics collects task lifecycle and settlement telemetry on a
// private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is safe to use as a nil pointer; every method becomes a no-op.
type Collector struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	settlementDuration prometheus.Histogram
	walletCalls        *prometheus.CounterVec
	pendingSettlements prometheus.Gauge
}

// NewCollector creates a collector. namespace defaults to "bountyline".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "bountyline"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Accepted task transitions by activity kind",
		},
		[]string{"kind"},
	)
	c.settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by result (settled, recovered, retryable, failed, not_ready)",
		},
		[]string{"result"},
	)
	c.settlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time spent in a settlement attempt, including the wallet call",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
	)
	c.walletCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_calls_total",
			Help:      "Wallet ledger adapter calls by operation and result",
		},
		[]string{"op", "result"},
	)
	c.pendingSettlements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_settlements",
			Help:      "Tasks awaiting settlement seen by the last retrier pass",
		},
	)

	c.registry.MustRegister(
		c.transitions,
		c.settlements,
		c.settlementDuration,
		c.walletCalls,
		c.pendingSettlements,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordTransition(kind string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordSettlement(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.settlements.WithLabelValues(result).Inc()
	c.settlementDuration.Observe(d.Seconds())
}

func (c *Collector) RecordWalletCall(op string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.walletCalls.WithLabelValues(op, result).Inc()
}

func (c *Collector) SetPendingSettlements(n int) {
	if c == nil {
		return
	}
	c.pendingSettlements.Set(float64(n))
}
