// Package observability holds the Prometheus collectors of the messaging service.
package observability

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	SubscriptionChats    = "chats"
	SubscriptionMessages = "messages"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_ws_active_connections",
			Help: "Number of open websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ws_events_total",
			Help: "Websocket events received from clients.",
		},
		[]string{"event"},
	)
	subscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messenger_subscriptions_active",
			Help: "Live snapshot subscriptions.",
		},
		[]string{"kind"},
	)
	snapshotDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_snapshot_deliveries_total",
			Help: "Snapshots delivered to subscribers.",
		},
		[]string{"kind"},
	)
	snapshotErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_snapshot_errors_total",
			Help: "Snapshot loads that failed; the subscription keeps running.",
		},
		[]string{"kind"},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_messages_sent_total",
			Help: "Messages accepted by the log store.",
		},
		[]string{"kind"},
	)
	eventPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_event_publish_errors_total",
			Help: "Domain events that could not be published to AMQP.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		subscriptionsActive,
		snapshotDeliveriesTotal,
		snapshotErrorsTotal,
		messagesSentTotal,
		eventPublishErrorsTotal,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the metrics middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// HTTPMetrics counts requests by chi route pattern, so path parameters do not explode cardinality.
func HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(event string) { wsEventsTotal.WithLabelValues(event).Inc() }

func IncSubscriptions(kind string) { subscriptionsActive.WithLabelValues(kind).Inc() }

func DecSubscriptions(kind string) { subscriptionsActive.WithLabelValues(kind).Dec() }

func IncSnapshotDelivered(kind string) { snapshotDeliveriesTotal.WithLabelValues(kind).Inc() }

func IncSnapshotError(kind string) { snapshotErrorsTotal.WithLabelValues(kind).Inc() }

func IncMessageSent(kind string) { messagesSentTotal.WithLabelValues(kind).Inc() }

func IncEventPublishError() { eventPublishErrorsTotal.Inc() }
