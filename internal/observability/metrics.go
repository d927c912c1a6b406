// Package observability provides Prometheus metrics and OpenTelemetry spans
// for the extraction pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets covers generation and judging latencies from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// SandboxBuckets covers snippet runs from 1ms up to the longest sane deadline.
var SandboxBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 10, 30}

var (
	// ExtractionsTotal counts finished extraction runs by where the snippet
	// came from and how the run ended.
	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hikugen_extractions_total",
			Help: "Extraction runs",
		},
		[]string{"source", "outcome"},
	)

	// ExtractionDuration records end-to-end run duration in seconds.
	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hikugen_extraction_duration_seconds",
			Help:    "Extraction duration",
			Buckets: LLMBuckets,
		},
		[]string{"source"},
	)

	// AttemptsTotal counts snippet attempts by stage and failure kind ("ok" on success).
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hikugen_attempts_total",
			Help: "Snippet attempts",
		},
		[]string{"stage", "result"},
	)

	// JudgeVerdictsTotal counts judge outcomes: pass, reject or unavailable.
	JudgeVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hikugen_judge_verdicts_total",
			Help: "Judge verdicts",
		},
		[]string{"verdict"},
	)

	// CacheOpsTotal counts cache store operations by backend, op and result.
	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hikugen_cache_ops_total",
			Help: "Cache operations",
		},
		[]string{"backend", "op", "result"},
	)

	// SandboxExecutionsTotal counts executor runs by result.
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hikugen_sandbox_executions_total",
			Help: "Sandbox executions",
		},
		[]string{"result"},
	)

	// SandboxDuration records snippet run time in seconds.
	SandboxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hikugen_sandbox_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: SandboxBuckets,
		},
	)

	// SandboxAbandoned tracks live workers whose caller gave up on them.
	SandboxAbandoned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hikugen_sandbox_workers_abandoned",
			Help: "Abandoned sandbox workers still running",
		},
	)

	// LLMRequestsTotal counts provider calls by provider, purpose and status.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hikugen_llm_requests_total",
			Help: "LLM requests",
		},
		[]string{"provider", "purpose", "status"},
	)

	// LLMLatency records provider latency in seconds.
	LLMLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hikugen_llm_latency_seconds",
			Help:    "LLM latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(
		ExtractionsTotal,
		ExtractionDuration,
		AttemptsTotal,
		JudgeVerdictsTotal,
		CacheOpsTotal,
		SandboxExecutionsTotal,
		SandboxDuration,
		SandboxAbandoned,
		LLMRequestsTotal,
		LLMLatency,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ResultLabel maps an error to a low-cardinality label value.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
