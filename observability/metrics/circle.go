package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CircleMetrics tracks savings circle activity for the Prometheus endpoint.
type CircleMetrics struct {
	circlesCreated prometheus.Counter
	circlesActive  prometheus.Gauge
	joins          prometheus.Counter
	deposits       *prometheus.CounterVec
	payouts        *prometheus.CounterVec
	completed      prometheus.Counter
	rateLimited    prometheus.Counter
	rpcRequests    *prometheus.CounterVec
}

var (
	circleOnce     sync.Once
	circleRegistry *CircleMetrics
)

func Circle() *CircleMetrics {
	circleOnce.Do(func() {
		circleRegistry = &CircleMetrics{
			circlesCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circle_created_total",
				Help: "Count of savings circles created.",
			}),
			circlesActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "circle_active",
				Help: "Number of circles currently in the active state.",
			}),
			joins: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circle_joins_total",
				Help: "Count of successful circle joins.",
			}),
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "circle_deposits_total",
				Help: "Count of accepted contribution deposits by token.",
			}, []string{"token"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "circle_payouts_total",
				Help: "Count of settled cycle payouts by token.",
			}, []string{"token"}),
			completed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circle_completed_total",
				Help: "Count of circles that reached completion.",
			}),
			rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circle_create_rate_limited_total",
				Help: "Count of circle creations rejected by the creation cooldown.",
			}),
			rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "circle_rpc_requests_total",
				Help: "Count of JSON-RPC requests by method and outcome.",
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(
			circleRegistry.circlesCreated,
			circleRegistry.circlesActive,
			circleRegistry.joins,
			circleRegistry.deposits,
			circleRegistry.payouts,
			circleRegistry.completed,
			circleRegistry.rateLimited,
			circleRegistry.rpcRequests,
		)
	})
	return circleRegistry
}

func (m *CircleMetrics) ObserveCreated() {
	if m == nil {
		return
	}
	m.circlesCreated.Inc()
}

func (m *CircleMetrics) ObserveJoin(activated bool) {
	if m == nil {
		return
	}
	m.joins.Inc()
	if activated {
		m.circlesActive.Inc()
	}
}

func (m *CircleMetrics) ObserveDeposit(token string) {
	if m == nil {
		return
	}
	if token == "" {
		token = "unknown"
	}
	m.deposits.WithLabelValues(token).Inc()
}

func (m *CircleMetrics) ObservePayout(token string, completed bool) {
	if m == nil {
		return
	}
	if token == "" {
		token = "unknown"
	}
	m.payouts.WithLabelValues(token).Inc()
	if completed {
		m.completed.Inc()
		m.circlesActive.Dec()
	}
}

func (m *CircleMetrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *CircleMetrics) ObserveRPC(method, outcome string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}
