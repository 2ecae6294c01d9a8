package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Scan metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_scans_total",
			Help: "Total number of scans by kind and terminal event",
		},
		[]string{"kind", "terminal_event"},
	)

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanforge_scan_duration_seconds",
			Help:    "Scan wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)

	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_findings_total",
			Help: "Total number of findings by severity",
		},
		[]string{"severity"},
	)

	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanforge_containers_running",
			Help: "Number of scanner containers currently running",
		},
	)

	ContainersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_containers_reaped_total",
			Help: "Total number of containers removed by the reaper",
		},
	)

	// Scheduler metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanforge_queue_depth",
			Help: "Pending items per queue",
		},
		[]string{"queue"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_tasks_total",
			Help: "Total tasks processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanforge_task_duration_seconds",
			Help:    "Task handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	TaskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_task_retries_total",
			Help: "Total task retries by queue",
		},
		[]string{"queue"},
	)

	// Pipeline metrics
	TemplatesGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_templates_generated_total",
			Help: "Templates produced by the synthesis pipeline",
		},
	)

	TemplatesValidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_templates_validated_total",
			Help: "Templates that passed validation scans",
		},
	)

	ValidationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_validations_failed_total",
			Help: "Validation scans that found no match",
		},
	)

	RefinementsAttempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_refinements_attempted_total",
			Help: "Template refinement round-trips to the LLM",
		},
	)

	RefinementsExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_refinements_exhausted_total",
			Help: "Templates abandoned after the refinement budget",
		},
	)

	// LLM metrics
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_llm_requests_total",
			Help: "LLM completion requests by status",
		},
		[]string{"status"},
	)

	LLMRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanforge_llm_request_duration_seconds",
			Help:    "LLM completion latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		ScanDuration,
		FindingsTotal,
		ContainersRunning,
		ContainersReaped,
		QueueDepth,
		TasksTotal,
		TaskDuration,
		TaskRetries,
		TemplatesGenerated,
		TemplatesValidated,
		ValidationsFailed,
		RefinementsAttempted,
		RefinementsExhausted,
		LLMRequestsTotal,
		LLMRequestDuration,
	)
}
