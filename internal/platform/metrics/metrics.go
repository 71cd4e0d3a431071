// Package metrics provides Prometheus metrics for the telehealth service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telehealth"

var (
	// IntakeSubmissionsTotal tracks intake submissions by outcome
	// (created, replayed, duplicate, invalid, error).
	IntakeSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_submissions_total",
			Help:      "Total number of intake submissions by outcome",
		},
		[]string{"outcome"},
	)

	// ConsultationTransitionsTotal tracks committed status transitions.
	ConsultationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultation_transitions_total",
			Help:      "Total number of consultation status transitions by target status",
		},
		[]string{"to_status"},
	)

	// OutboxEnqueuedTotal tracks CreateOnce calls and whether they inserted.
	OutboxEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total number of outbox enqueue calls by event type and whether a row was created",
		},
		[]string{"type", "created"},
	)

	// OutboxDeliveriesTotal tracks delivery attempts by result
	// (delivered, failed, dead_letter).
	OutboxDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Total number of outbox delivery attempts by result",
		},
		[]string{"result"},
	)

	// OutboxDeliveryDuration tracks how long a single delivery attempt took.
	OutboxDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of outbox delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// OutboxDeadLettersTotal tracks events that exhausted their attempts.
	OutboxDeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dead_letters_total",
			Help:      "Total number of outbox events moved to dead letter by event type",
		},
		[]string{"type"},
	)

	// TenantSecurityEventsTotal tracks cross-tenant access and enumeration attempts.
	TenantSecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "security_events_total",
			Help:      "Total number of tenant isolation security events by kind",
		},
		[]string{"kind"},
	)

	// TenantCacheLookupsTotal tracks resolver cache hits and misses per layer.
	TenantCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "cache_lookups_total",
			Help:      "Total number of tenant resolver cache lookups by result",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal tracks inbound HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks inbound HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of inbound HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordIntake records an intake outcome.
func RecordIntake(outcome string) {
	IntakeSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition records a committed consultation transition.
func RecordTransition(toStatus string) {
	ConsultationTransitionsTotal.WithLabelValues(toStatus).Inc()
}

// RecordOutboxEnqueue records a CreateOnce call.
func RecordOutboxEnqueue(eventType string, created bool) {
	c := "false"
	if created {
		c = "true"
	}
	OutboxEnqueuedTotal.WithLabelValues(eventType, c).Inc()
}

// RecordOutboxDelivery records a single delivery attempt.
func RecordOutboxDelivery(result string, d time.Duration) {
	OutboxDeliveriesTotal.WithLabelValues(result).Inc()
	OutboxDeliveryDuration.Observe(d.Seconds())
}

// RecordDeadLetter records an event moved to dead letter.
func RecordDeadLetter(eventType string) {
	OutboxDeadLettersTotal.WithLabelValues(eventType).Inc()
}

// RecordSecurityEvent records a tenant isolation event.
func RecordSecurityEvent(kind string) {
	TenantSecurityEventsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheLookup records a resolver cache lookup (local_hit, redis_hit, miss).
func RecordCacheLookup(result string) {
	TenantCacheLookupsTotal.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency keyed by the matched route.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status == http.StatusOK {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry for scraping.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
