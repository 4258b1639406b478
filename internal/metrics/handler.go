package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON body of the operator metrics endpoint.
type Summary struct {
	HTTP         httpSummary         `json:"http"`
	Provisioning provisioningSummary `json:"provisioning"`
	RateLimit    counterInfo         `json:"rateLimit"`
	Auth         authInfo            `json:"auth"`
	Events       eventsInfo          `json:"events"`
	DB           dbInfo              `json:"db"`
	Server       serverInfo          `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type provisioningSummary struct {
	Signups             float64            `json:"signups"`
	Claims              float64            `json:"claims"`
	SignIns             float64            `json:"signIns"`
	Healed              float64            `json:"healed"`
	AwaitingCode        float64            `json:"awaitingCode"`
	Rejections          map[string]float64 `json:"rejections"`
	RedemptionConflicts float64            `json:"redemptionConflicts"`
	OrphanedCredentials float64            `json:"orphanedCredentials"`
	Anomalies           float64            `json:"anomalies"`
	CodesIssued         float64            `json:"codesIssued"`
}

type counterInfo struct {
	Rejections float64 `json:"rejections"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type eventsInfo struct {
	Queued float64 `json:"queued"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

var successResults = map[string]bool{
	"signup": true, "claim": true, "signin": true, "healed": true, "needs_referral_code": true,
}

// Handler serves a JSON digest of the registry for the admin dashboard.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		families, err := m.registry.Gather()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		fam := make(map[string]*dto.MetricFamily, len(families))
		for _, f := range families {
			fam[f.GetName()] = f
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summarize(fam, time.Now()))
	}
}

func summarize(fam map[string]*dto.MetricFamily, now time.Time) Summary {
	requests := fam["clubpass_http_requests_total"]
	latency := fam["clubpass_http_request_duration_seconds"]
	outcomes := fam["clubpass_provisioning_outcomes_total"]
	start := sumGauge(fam["clubpass_server_start_time_seconds"])

	byResult := func(result string) float64 {
		return sumCounter(outcomes, func(m *dto.Metric) bool { return hasLabel(m, "result", result) })
	}
	rejections := map[string]float64{}
	if outcomes != nil {
		for _, m := range outcomes.GetMetric() {
			result := labelValue(m, "result")
			if !successResults[result] {
				rejections[result] += m.GetCounter().GetValue()
			}
		}
	}

	return Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(requests, nil),
			ErrorRate:     errorRate(requests),
			P50Latency:    histogramPercentile(latency, 0.50),
			P95Latency:    histogramPercentile(latency, 0.95),
			P99Latency:    histogramPercentile(latency, 0.99),
		},
		Provisioning: provisioningSummary{
			Signups:             byResult("signup"),
			Claims:              byResult("claim"),
			SignIns:             byResult("signin"),
			Healed:              byResult("healed"),
			AwaitingCode:        byResult("needs_referral_code"),
			Rejections:          rejections,
			RedemptionConflicts: sumCounter(fam["clubpass_redemption_conflicts_total"], nil),
			OrphanedCredentials: sumCounter(fam["clubpass_orphaned_credentials_total"], nil),
			Anomalies:           sumCounter(fam["clubpass_identity_anomalies_total"], nil),
			CodesIssued:         sumCounter(fam["clubpass_referral_codes_issued_total"], nil),
		},
		RateLimit: counterInfo{Rejections: sumCounter(fam["clubpass_ratelimit_rejections_total"], nil)},
		Auth: authInfo{
			Failures:  sumCounter(fam["clubpass_auth_failures_total"], nil),
			Successes: sumCounter(fam["clubpass_auth_successes_total"], nil),
		},
		Events: eventsInfo{Queued: sumGauge(fam["clubpass_event_queue_size"])},
		DB: dbInfo{
			TotalConns:    sumGauge(fam["clubpass_db_pool_total_conns"]),
			IdleConns:     sumGauge(fam["clubpass_db_pool_idle_conns"]),
			AcquiredConns: sumGauge(fam["clubpass_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(now.Unix()) - start,
		},
	}
}

// ---- Prometheus helpers ----

func hasLabel(m *dto.Metric, name, value string) bool {
	return labelValue(m, name) == value
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// sumCounter adds the counters in f accepted by keep (all when nil).
func sumCounter(f *dto.MetricFamily, keep func(*dto.Metric) bool) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil || (keep != nil && !keep(m)) {
			continue
		}
		total += m.GetCounter().GetValue()
	}
	return total
}

func sumGauge(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

// errorRate is the share of requests answered with a 5xx. Provisioning
// rejections are 4xx and expected.
func errorRate(f *dto.MetricFamily) float64 {
	total := sumCounter(f, nil)
	if total == 0 {
		return 0
	}
	failed := sumCounter(f, func(m *dto.Metric) bool {
		return strings.HasPrefix(labelValue(m, "status_code"), "5")
	})
	return failed / total
}

// histogramPercentile estimates quantile q across every series in f by
// linear interpolation inside the bucket holding the rank.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	var samples uint64
	cumulative := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		samples += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			if !math.IsInf(b.GetUpperBound(), 1) {
				cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
			}
		}
	}
	if samples == 0 || len(cumulative) == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(cumulative))
	for ub := range cumulative {
		bounds = append(bounds, ub)
	}
	sort.Float64s(bounds)

	rank := q * float64(samples)
	var lower float64
	var below uint64
	for _, ub := range bounds {
		count := cumulative[ub]
		if float64(count) >= rank {
			inBucket := count - below
			if inBucket == 0 {
				return ub
			}
			return lower + (rank-float64(below))/float64(inBucket)*(ub-lower)
		}
		lower, below = ub, count
	}
	return bounds[len(bounds)-1]
}
