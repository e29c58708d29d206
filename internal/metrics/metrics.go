// Package metrics holds the prometheus collectors exported by cartshared.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cartshare"

// Metrics groups the server's collectors. A nil *Metrics is valid and
// records nothing, so components can be built without one.
type Metrics struct {
	registry *prometheus.Registry

	storeOps         *prometheus.CounterVec
	storeOpDuration  *prometheus.HistogramVec
	changesPublished *prometheus.CounterVec
	subscribers      prometheus.Gauge
	laggedTotal      *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	rateLimited      prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		storeOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Row store operations by collection, operation and outcome",
		}, []string{"collection", "op", "outcome"}),
		storeOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Duration of row store operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection", "op"}),
		changesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_published_total",
			Help:      "Change events published to the feed",
		}, []string{"collection", "kind"}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Open change feed subscriptions",
		}),
		laggedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_lagged_subscribers_total",
			Help:      "Subscriptions closed because their buffer overflowed",
		}, []string{"collection"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_created_total",
			Help:      "Notifications created by server-side triggers",
		}, []string{"type"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Write requests rejected by the rate limiter",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveStoreOp records one store operation.
func (m *Metrics) ObserveStoreOp(collection, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeOps.WithLabelValues(collection, op, outcome).Inc()
	m.storeOpDuration.WithLabelValues(collection, op).Observe(time.Since(start).Seconds())
}

// ChangePublished counts a change event handed to the feed.
func (m *Metrics) ChangePublished(collection, kind string) {
	if m == nil {
		return
	}
	m.changesPublished.WithLabelValues(collection, kind).Inc()
}

// SetSubscribers records the number of open feed subscriptions.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// SubscriberLagged counts a subscription closed for falling behind.
func (m *Metrics) SubscriberLagged(collection string) {
	if m == nil {
		return
	}
	m.laggedTotal.WithLabelValues(collection).Inc()
}

// NotificationCreated counts a notification inserted by a trigger.
func (m *Metrics) NotificationCreated(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// RateLimited counts a rejected write.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
