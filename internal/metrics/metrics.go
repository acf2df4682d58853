package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_events_submitted_total",
			Help: "Total number of curation events accepted into the outbox.",
		},
		[]string{"kind"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_deliveries_total",
			Help: "Total number of delivery attempts by kind and status.",
		},
		[]string{"kind", "status"}, // status: success, failed
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "curation_delivery_latency_seconds",
			Help:    "Round trip time of a delivery attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_retries_total",
			Help: "Total number of failed attempts left in the outbox for retry, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_4xx, http_429, timeout, network
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "curation_outbox_pending",
			Help: "Number of events waiting in the outbox.",
		},
	)

	MissingSessionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "curation_missing_session_total",
			Help: "Non-begin events sent while no curation session was known.",
		},
	)

	DeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_deferred_total",
			Help: "Sync attempts that ended without sending, by reason.",
		},
		[]string{"reason"}, // unauthenticated, busy
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_notifications_total",
			Help: "Status notifications published, by sink and status.",
		},
		[]string{"sink", "status"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsSubmittedTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		RetriesTotal,
		OutboxPending,
		MissingSessionTotal,
		DeferredTotal,
		NotificationsTotal,
	)
}

// RecordSubmitted counts an event accepted into the outbox
func RecordSubmitted(kind string) {
	EventsSubmittedTotal.WithLabelValues(kind).Inc()
}

// RecordDelivery counts one attempt and observes its latency
func RecordDelivery(kind, status string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(kind, status).Inc()
	DeliveryLatencySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordMissingSession() {
	MissingSessionTotal.Inc()
}

func RecordDeferred(reason string) {
	DeferredTotal.WithLabelValues(reason).Inc()
}

func RecordNotification(sink, status string) {
	NotificationsTotal.WithLabelValues(sink, status).Inc()
}

// UpdatePending sets the outbox depth gauge
func UpdatePending(n int) {
	OutboxPending.Set(float64(n))
}
