package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus collectors for the clubpass service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provisioning metrics.
	ProvisioningOutcomesTotal *prometheus.CounterVec
	RedemptionConflictsTotal  prometheus.Counter
	OrphanedCredentialsTotal  prometheus.Counter
	IdentityAnomaliesTotal    *prometheus.CounterVec
	CodesIssuedTotal          *prometheus.CounterVec

	RateLimitRejectionsTotal *prometheus.CounterVec

	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal prometheus.Counter

	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubpass_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clubpass_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		ProvisioningOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubpass_provisioning_outcomes_total",
			Help: "Provisioning calls by operation and result (resolution path or error code).",
		}, []string{"operation", "result"}),

		RedemptionConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clubpass_redemption_conflicts_total",
			Help: "Redemptions that lost every optimistic retry.",
		}),

		OrphanedCredentialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clubpass_orphaned_credentials_total",
			Help: "Credentials whose rollback failed and need manual reconciliation.",
		}),

		IdentityAnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubpass_identity_anomalies_total",
			Help: "Credentials found without a matching directory record.",
		}, []string{"action"}),

		CodesIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubpass_referral_codes_issued_total",
			Help: "Referral codes issued by role.",
		}, []string{"role"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubpass_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"scope"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubpass_auth_failures_total",
			Help: "Session authentication failures.",
		}, []string{"reason"}),

		AuthSuccessesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clubpass_auth_successes_total",
			Help: "Successful session authentications.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clubpass_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProvisioningOutcomesTotal,
		m.RedemptionConflictsTotal,
		m.OrphanedCredentialsTotal,
		m.IdentityAnomaliesTotal,
		m.CodesIssuedTotal,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector exposes connection pool gauges.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterEventQueue exposes the number of events waiting for the broker.
func (m *Metrics) RegisterEventQueue(pending func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "clubpass_event_queue_size",
		Help: "Events buffered for publishing.",
	}, func() float64 { return float64(pending()) }))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, pattern string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(d.Seconds())
}

// Outcome counts a provisioning result.
func (m *Metrics) Outcome(op, result string) {
	m.ProvisioningOutcomesTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RedemptionConflict() {
	m.RedemptionConflictsTotal.Inc()
}

func (m *Metrics) OrphanedCredential() {
	m.OrphanedCredentialsTotal.Inc()
}

func (m *Metrics) Anomaly(action string) {
	m.IdentityAnomaliesTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) IncCodeIssued(role string) {
	m.CodesIssuedTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) IncAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncAuthSuccess() {
	m.AuthSuccessesTotal.Inc()
}
