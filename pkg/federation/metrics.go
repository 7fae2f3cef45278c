package federation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks feeds, propagation and discovery activity of one server
type Metrics struct {
	// Feed metrics
	PostsTotal        prometheus.Counter
	MessagesDelivered prometheus.Counter
	FeedsDeleted      prometheus.Counter

	// Propagation metrics
	PropagationsDispatched *prometheus.CounterVec
	PropagationFailures    *prometheus.CounterVec
	PropagationsDropped    prometheus.Counter
	PropagationLatency     prometheus.Histogram

	// Remote call metrics
	RetryAttempts      *prometheus.CounterVec
	RemoteCallTimeouts *prometheus.CounterVec

	// Discovery metrics
	AnnouncementsSent      prometheus.Counter
	AnnouncementsReceived  prometheus.Counter
	AnnouncementsMalformed prometheus.Counter
	KnownServiceURIs       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers Prometheus metrics. A nil registry
// registers with the default registerer.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if registry != nil {
		reg = registry
		gatherer = registry
	}
	factory := promauto.With(reg)

	return &Metrics{
		PostsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedfeeds_posts_total",
			Help: "Total number of messages posted by local users",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedfeeds_messages_delivered_total",
			Help: "Total number of message copies filed from peer propagation",
		}),
		FeedsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedfeeds_feeds_deleted_total",
			Help: "Total number of user feeds deleted",
		}),

		PropagationsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedfeeds_propagations_dispatched_total",
			Help: "Total number of propagation calls issued to peer domains",
		}, []string{"kind"}),
		PropagationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedfeeds_propagation_failures_total",
			Help: "Total number of failed propagation calls",
		}, []string{"kind"}),
		PropagationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedfeeds_propagations_dropped_total",
			Help: "Total number of propagation jobs dropped because the queue was full",
		}),
		PropagationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedfeeds_propagation_latency_seconds",
			Help:    "Latency of asynchronous propagation jobs",
			Buckets: prometheus.DefBuckets,
		}),

		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedfeeds_retry_attempts_total",
			Help: "Total number of remote call retries",
		}, []string{"operation"}),
		RemoteCallTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedfeeds_remote_call_timeouts_total",
			Help: "Total number of remote calls that exhausted their retries",
		}, []string{"operation"}),

		AnnouncementsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedfeeds_discovery_announcements_sent_total",
			Help: "Total number of discovery announcements sent",
		}),
		AnnouncementsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedfeeds_discovery_announcements_received_total",
			Help: "Total number of well-formed discovery announcements received",
		}),
		AnnouncementsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedfeeds_discovery_announcements_malformed_total",
			Help: "Total number of malformed discovery datagrams dropped",
		}),
		KnownServiceURIs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedfeeds_discovery_known_uris",
			Help: "Number of distinct service URIs learned through discovery",
		}),

		gatherer: gatherer,
	}
}

// NopMetrics returns metrics registered on a private registry, for callers
// that do not export them.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// HealthEndpoint provides HTTP health and metrics endpoints
type HealthEndpoint struct {
	metrics *Metrics
	ready   func() bool
	logger  *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers. ready may be nil, in
// which case the server always reports ready.
func NewHealthEndpoint(metrics *Metrics, ready func() bool, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HealthEndpoint{
		metrics: metrics,
		ready:   ready,
		logger:  logger,
	}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.metrics.gatherer, promhttp.HandlerOpts{}))
}

// handleLiveness checks if the service is alive
func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness checks if the service is ready to handle requests
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.ready != nil && !he.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}
