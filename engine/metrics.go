package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "measurely",
		Name:      "executions_total",
		Help:      "Executions finished, by terminal status.",
	}, []string{"status"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "measurely",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of one execution, prompt render through result write.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "measurely",
		Name:      "queue_depth",
		Help:      "Work items currently queued or leased.",
	})

	backendTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "measurely",
		Name:      "backend_tokens_total",
		Help:      "Tokens consumed by backend invocations.",
	})

	backendCostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "measurely",
		Name:      "backend_cost_usd_total",
		Help:      "Estimated backend spend in USD.",
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "measurely",
		Name:      "notifications_total",
		Help:      "Notifications published, by kind.",
	}, []string{"kind"})
)
