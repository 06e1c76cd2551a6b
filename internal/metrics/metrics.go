// Package metrics exposes the Prometheus collectors for the rewards service.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RewardsMetrics groups the settlement and delivery collectors.
type RewardsMetrics struct {
	scheduled      *prometheus.CounterVec
	settled        *prometheus.CounterVec
	points         *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	outbox         *prometheus.CounterVec
	reconcileDrift prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

// Rewards returns the lazily-initialised collectors registered with the
// default Prometheus registry.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "visits",
				Name:      "scheduled_total",
				Help:      "Visits scheduled, segmented by whether a registered user owns them.",
			}, []string{"owner"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "visits",
				Name:      "settled_total",
				Help:      "Visits moved to a terminal status.",
			}, []string{"status"}),
			points: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "points",
				Name:      "moved_total",
				Help:      "Points moved by settlement, segmented by movement kind.",
			}, []string{"kind"}),
			conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "settlement",
				Name:      "conflicts_total",
				Help:      "Settlement attempts refused because the visit was already terminal or the commit failed.",
			}, []string{"reason"}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"scope"}),
			outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "outbox",
				Name:      "messages_total",
				Help:      "Outbox publish attempts by outcome.",
			}, []string{"outcome"}),
			reconcileDrift: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "reconcile",
				Name:      "corrections_total",
				Help:      "Pending balances corrected by the reconciliation job.",
			}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route pattern, method and status code.",
			}, []string{"route", "method", "code"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP handler latency by route pattern.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			rewardsRegistry.scheduled,
			rewardsRegistry.settled,
			rewardsRegistry.points,
			rewardsRegistry.conflicts,
			rewardsRegistry.rateLimited,
			rewardsRegistry.outbox,
			rewardsRegistry.reconcileDrift,
			rewardsRegistry.httpRequests,
			rewardsRegistry.httpLatency,
		)
	})
	return rewardsRegistry
}

func (m *RewardsMetrics) VisitScheduled(guest bool, pendingPoints int64) {
	if m == nil {
		return
	}
	owner := "user"
	if guest {
		owner = "guest"
	}
	m.scheduled.WithLabelValues(owner).Inc()
	if !guest && pendingPoints > 0 {
		m.points.WithLabelValues("pending_credited").Add(float64(pendingPoints))
	}
}

func (m *RewardsMetrics) VisitSettled(status string, awarded, pendingReleased int64) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(status).Inc()
	if awarded > 0 {
		m.points.WithLabelValues("awarded").Add(float64(awarded))
	}
	if pendingReleased > 0 {
		m.points.WithLabelValues("pending_released").Add(float64(pendingReleased))
	}
}

func (m *RewardsMetrics) PointsRedeemed(cost int64) {
	if m == nil || cost <= 0 {
		return
	}
	m.points.WithLabelValues("redeemed").Add(float64(cost))
}

func (m *RewardsMetrics) SettlementConflict(reason string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(reason).Inc()
}

func (m *RewardsMetrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *RewardsMetrics) OutboxResult(outcome string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(outcome).Inc()
}

func (m *RewardsMetrics) PendingCorrected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileDrift.Add(float64(n))
}

// ObserveHTTP records one served request. route should be the router pattern,
// not the raw path, to keep label cardinality bounded.
func (m *RewardsMetrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
