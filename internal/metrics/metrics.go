// Package metrics holds the Prometheus collectors of the chat service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages committed to the store",
	})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_send_failures_total",
		Help: "Send attempts rejected or failed, by reason",
	}, []string{"reason"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_publish_failures_total",
		Help: "Best-effort push notifications that could not be published, by topic kind",
	}, []string{"kind"})

	BootstrapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bootstrap_attempts_total",
		Help: "Bootstrap step attempts, by step and outcome",
	}, []string{"step", "outcome"})

	StoreReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_store_reconnects_total",
		Help: "Reconnect attempts issued against the store",
	})

	StoreConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_store_connected",
		Help: "1 while the store connection is up",
	})

	PartialEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_contact_partial_edges_total",
		Help: "Contact additions that wrote only one direction",
	})

	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_active_streams",
		Help: "Open client push streams, by transport",
	}, []string{"transport"})

	IdleSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_idle_users_marked_offline_total",
		Help: "Users set offline by the idle sweeper",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_duration_seconds",
		Help:    "HTTP request latency, by route and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "class"})
)

// SetConnected mirrors the store connection flag.
func SetConnected(up bool) {
	if up {
		StoreConnected.Set(1)
		return
	}
	StoreConnected.Set(0)
}

// ObserveRequest records one HTTP request.
func ObserveRequest(route string, status int, elapsed time.Duration) {
	RequestDuration.WithLabelValues(route, statusClass(status)).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
