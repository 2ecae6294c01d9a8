package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Job is a tracked unit of work. Jobs are created by the manager or the
// pipeline, dispatched by the scheduler, and persisted in the registry.
type Job struct {
	ID            string          `json:"id"`
	Kind          JobKind         `json:"kind"`
	State         JobState        `json:"state"`
	Queue         string          `json:"queue"`
	ParentID      string          `json:"parent_id,omitempty"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	ContainerName string          `json:"container_name,omitempty"`
	WorkerID      string          `json:"worker_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`

	// NotBefore is the earliest dispatch time for a retrying job.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// JobKind identifies the handler a job is dispatched to.
type JobKind string

const (
	JobKindScan             JobKind = "scan"
	JobKindCustomScan       JobKind = "custom_scan"
	JobKindAIScan           JobKind = "ai_scan"
	JobKindFetchCVEs        JobKind = "fetch_cves"
	JobKindGenerateTemplate JobKind = "generate_template"
	JobKindStoreTemplates   JobKind = "store_templates"
	JobKindValidateTemplate JobKind = "validate_template"
	JobKindRefineTemplate   JobKind = "refine_template"
	JobKindPipelineRoot     JobKind = "pipeline_root"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSuccess   JobState = "success"
	JobStateFailure   JobState = "failure"
	JobStateRetrying  JobState = "retrying"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStateFailure, JobStateCancelled:
		return true
	}
	return false
}

// legalTransitions enumerates every permitted state edge. Transitions are
// monotonic except retrying -> queued -> running.
var legalTransitions = map[JobState][]JobState{
	JobStateQueued:   {JobStateRunning, JobStateCancelled, JobStateFailure},
	JobStateRunning:  {JobStateSuccess, JobStateFailure, JobStateRetrying, JobStateCancelled},
	JobStateRetrying: {JobStateQueued, JobStateCancelled},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to JobState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State.Terminal()
}

// Severity is a normalized finding severity.
type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

// severityRank orders severities for comparison; informational is lowest.
var severityRank = map[Severity]int{
	SeverityInformational: 0,
	SeverityLow:           1,
	SeverityMedium:        2,
	SeverityHigh:          3,
	SeverityCritical:      4,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Finding is a single match reported by the scanner during a run.
type Finding struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	TemplateID      string    `json:"template_id"`
	Protocol        string    `json:"protocol"`
	Severity        Severity  `json:"severity"`
	UnknownSeverity bool      `json:"unknown_severity,omitempty"`
	Target          string    `json:"target"`
	MatchedAt       string    `json:"matched_at"`
	Details         []string  `json:"details,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ComputeID derives the stable finding id so log replays are idempotent.
func (f *Finding) ComputeID() string {
	h := sha256.New()
	h.Write([]byte(f.TemplateID))
	h.Write([]byte{0})
	h.Write([]byte(f.Protocol))
	h.Write([]byte{0})
	h.Write([]byte(f.Severity))
	h.Write([]byte{0})
	h.Write([]byte(f.Target))
	h.Write([]byte{0})
	h.Write([]byte(f.MatchedAt))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// TemplateSelector identifies which templates a scan should use. Exactly one
// of the three forms is set: all templates, a list of template directories,
// or a single template file from the library.
type TemplateSelector struct {
	All  bool     `json:"all,omitempty"`
	Dirs []string `json:"dirs,omitempty"`
	File string   `json:"file,omitempty"`
}

// Valid reports whether exactly one selector form is populated.
func (ts TemplateSelector) Valid() bool {
	n := 0
	if ts.All {
		n++
	}
	if len(ts.Dirs) > 0 {
		n++
	}
	if ts.File != "" {
		n++
	}
	return n == 1
}

// TemplateOrigin records how a template entered the library.
type TemplateOrigin string

const (
	OriginCurated      TemplateOrigin = "curated"
	OriginAIGenerated  TemplateOrigin = "ai_generated"
	OriginAIRefined    TemplateOrigin = "ai_refined"
	OriginUserUploaded TemplateOrigin = "user_uploaded"
)

// ValidationState tracks a template through the validation pipeline.
type ValidationState string

const (
	ValidationUnvalidated     ValidationState = "unvalidated"
	ValidationValidating      ValidationState = "validating"
	ValidationValid           ValidationState = "valid"
	ValidationInvalidMaxRetry ValidationState = "invalid_max_retries"
)

// Template is a declarative detection rule consumed by the scanner.
type Template struct {
	ID                string          `json:"id"`
	CVEID             string          `json:"cve_id,omitempty"`
	Filename          string          `json:"filename"`
	Body              string          `json:"body,omitempty"`
	Origin            TemplateOrigin  `json:"origin"`
	GenerationAttempt int             `json:"generation_attempt"`
	ValidationState   ValidationState `json:"validation_state"`
}

// CVERecord is one entry from the vulnerability feed.
type CVERecord struct {
	ID          string    `json:"id"`
	PublishedAt time.Time `json:"published_at"`
	Description string    `json:"description"`
	References  []string  `json:"references,omitempty"`
}

// TriggerKind records how a pipeline run was started.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// PipelineRun is one execution of the CVE-to-validated-template workflow.
type PipelineRun struct {
	ID          string      `json:"id"`
	TriggerKind TriggerKind `json:"trigger_kind"`
	RootJobID   string      `json:"root_job_id"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
	CVEBatch    []string    `json:"cve_batch,omitempty"`
}

// Pipeline metric counter names, kept in sync with the Redis keyspace
// metrics:pipeline:{counter}.
const (
	MetricTemplatesGenerated   = "templates_generated"
	MetricTemplatesValidated   = "templates_validated"
	MetricValidationsFailed    = "validations_failed"
	MetricRefinementsAttempted = "refinements_attempted"
	MetricRefinementsExhausted = "refinements_exhausted"
)

// ScanRequest is the payload of a scan-kind job.
type ScanRequest struct {
	ScanID   string           `json:"scan_id"`
	Target   string           `json:"target"`
	Selector TemplateSelector `json:"selector"`

	// ContainerName, when set by the submitter, names the scanner
	// container up front so clients learn it without polling.
	ContainerName string `json:"container_name,omitempty"`
}

// TerminalEvent classifies how a scan run ended.
type TerminalEvent string

const (
	TerminalCompleted    TerminalEvent = "completed"
	TerminalNoResults    TerminalEvent = "no_results"
	TerminalLoopDetected TerminalEvent = "loop_detected"
	TerminalTimeout      TerminalEvent = "timeout"
	TerminalRuntimeError TerminalEvent = "runtime_error"
)

// ScanOutcome is the result payload of a completed scan job.
type ScanOutcome struct {
	ExitCode      int           `json:"exit_code"`
	FindingsCount int           `json:"findings_count"`
	TerminalEvent TerminalEvent `json:"terminal_event"`
}
