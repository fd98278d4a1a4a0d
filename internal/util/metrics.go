package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of order creations rejected",
	}, []string{"reason"})

	PaymentSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_sessions_total",
		Help: "Payment session open attempts by gateway and result",
	}, []string{"gateway", "result"})

	PaymentSessionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_session_latency_seconds",
		Help:    "Latency of gateway session open calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notifications_total",
		Help: "Inbound gateway notifications by gateway and result",
	}, []string{"gateway", "result"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order status transitions applied by the fulfillment engine",
	}, []string{"from", "to"})

	AccessGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "access_grants_total",
		Help: "Access grants written, by product type",
	}, []string{"product_type"})

	GrantFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_grant_failures_total",
		Help: "Fulfillment transactions rolled back because an access grant failed",
	})

	AuditWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_audit_write_failures_total",
		Help: "Audit log appends that failed",
	})

	FulfillmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_latency_seconds",
		Help:    "Latency of applying one payment event",
		Buckets: prometheus.DefBuckets,
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Domain events written to Kafka, by topic and result",
	}, []string{"topic", "result"})

	ConsumerMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Kafka messages consumed, by topic and result",
	}, []string{"topic", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
