package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	sessionsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_sessions_issued_total",
			Help: "Sessions created, by kind (credential, upstream, impersonation).",
		},
		[]string{"kind"},
	)

	sessionsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_sessions_revoked_total",
		Help: "Sessions revoked through any path.",
	})

	invitationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_invitation_transitions_total",
			Help: "Invitation lifecycle transitions, by resulting status.",
		},
		[]string{"status"},
	)

	twoFactorFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_two_factor_failures_total",
		Help: "Rejected two-factor codes.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		sessionsIssued, sessionsRevoked, invitationTransitions, twoFactorFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionIssued counts a new session of the given kind.
func SessionIssued(kind string) { sessionsIssued.WithLabelValues(kind).Inc() }

// SessionRevoked counts one revoked session.
func SessionRevoked() { sessionsRevoked.Inc() }

// SessionsRevoked counts n revoked sessions.
func SessionsRevoked(n int) { sessionsRevoked.Add(float64(n)) }

// InvitationTransition counts an invitation reaching status.
func InvitationTransition(status string) { invitationTransitions.WithLabelValues(status).Inc() }

// TwoFactorFailure counts a rejected code.
func TwoFactorFailure() { twoFactorFailures.Inc() }

// Instrument wraps a handler with RPS, latency and in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
