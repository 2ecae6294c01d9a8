package manager

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/events"
	"github.com/scanforge/scanforge/pkg/library"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/nuclei"
	"github.com/scanforge/scanforge/pkg/pipeline"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/runtime"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

// Manager is the service facade: scan submission, job inspection,
// cancellation, template upload, and pipeline control behind one API.
type Manager struct {
	sched  *scheduler.Scheduler
	reg    *registry.Registry
	lib    *library.Library
	pipe   *pipeline.Pipeline
	broker *events.Broker
	logger zerolog.Logger
}

// NewManager wires the facade.
func NewManager(
	sched *scheduler.Scheduler,
	reg *registry.Registry,
	lib *library.Library,
	pipe *pipeline.Pipeline,
	broker *events.Broker,
) *Manager {
	return &Manager{
		sched:  sched,
		reg:    reg,
		lib:    lib,
		pipe:   pipe,
		broker: broker,
		logger: log.WithComponent("manager"),
	}
}

// JobDetail is a job with its findings and direct children.
type JobDetail struct {
	Job      *types.Job       `json:"job"`
	Findings []*types.Finding `json:"findings,omitempty"`
	Children []*types.Job     `json:"children,omitempty"`
}

// SubmitScan queues a scan of the target. A zero selector scans with the
// image's full template corpus.
func (m *Manager) SubmitScan(ctx context.Context, target string, sel types.TemplateSelector) (*types.Job, error) {
	if !sel.All && len(sel.Dirs) == 0 && sel.File == "" {
		sel.All = true
	}
	return m.submitScan(ctx, types.JobKindScan, target, sel)
}

// SubmitCustomScan stores the uploaded template body in the library and
// queues a scan using only that template.
func (m *Manager) SubmitCustomScan(ctx context.Context, target, templateBody string) (*types.Job, error) {
	tpl, err := m.lib.Upload(ctx, templateBody)
	if err != nil {
		return nil, err
	}
	return m.submitScan(ctx, types.JobKindCustomScan, target, types.TemplateSelector{File: m.lib.Path(tpl)})
}

// SubmitAIScan queues a scan using the generated template library.
func (m *Manager) SubmitAIScan(ctx context.Context, target string) (*types.Job, error) {
	return m.submitScan(ctx, types.JobKindAIScan, target, types.TemplateSelector{Dirs: []string{nuclei.AIMountDir}})
}

func (m *Manager) submitScan(ctx context.Context, kind types.JobKind, target string, sel types.TemplateSelector) (*types.Job, error) {
	if err := runtime.ValidateTarget(target); err != nil {
		return nil, err
	}
	if !sel.Valid() {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "exactly one template selector form must be set")
	}

	// Allocate the container name up front so callers get it with the
	// job id instead of polling for it.
	containerName := runtime.ContainerPrefix + uuid.NewString()[:12]
	payload, err := json.Marshal(types.ScanRequest{
		Target:        target,
		Selector:      sel,
		ContainerName: containerName,
	})
	if err != nil {
		return nil, err
	}
	job, err := m.sched.Submit(ctx, scheduler.SubmitRequest{
		Kind:    kind,
		Queue:   scheduler.QueueScans,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if err := m.reg.SetContainerName(ctx, job.ID, containerName); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("record container name")
	}
	job.ContainerName = containerName

	m.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Str("target", target).
		Msg("scan submitted")
	return job, nil
}

// GetJob returns a job with its findings and children.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := m.reg.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	findings, err := m.reg.ListFindings(ctx, jobID)
	if err != nil {
		return nil, err
	}
	children, err := m.reg.ListChildren(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Findings: findings, Children: children}, nil
}

// CancelJob requests cancellation of a job and its descendants.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	return m.sched.Cancel(ctx, jobID)
}

// UploadTemplate stores a user-supplied template in the library.
func (m *Manager) UploadTemplate(ctx context.Context, body string) (*types.Template, error) {
	return m.lib.Upload(ctx, body)
}

// ListTemplates returns every template in the library.
func (m *Manager) ListTemplates(ctx context.Context) ([]*types.Template, error) {
	return m.lib.List(ctx)
}

// TriggerPipeline starts a synthesis run. An empty run id mints one; an
// existing id returns the existing run.
func (m *Manager) TriggerPipeline(ctx context.Context, kind types.TriggerKind, runID string) (*types.PipelineRun, error) {
	return m.pipe.Trigger(ctx, kind, runID)
}

// GetPipelineRun returns a pipeline run record.
func (m *Manager) GetPipelineRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	return m.pipe.GetRun(ctx, runID)
}

// GetPipelineMetrics returns the global synthesis counters.
func (m *Manager) GetPipelineMetrics(ctx context.Context) (map[string]int64, error) {
	return m.pipe.Metrics(ctx)
}

// GetCVEMetrics returns the synthesis counters for one CVE.
func (m *Manager) GetCVEMetrics(ctx context.Context, cveID string) (map[string]int64, error) {
	return m.pipe.CVEMetrics(ctx, cveID)
}

// Subscribe returns a channel of lifecycle events. The caller must
// Unsubscribe when done.
func (m *Manager) Subscribe() events.Subscriber {
	return m.broker.Subscribe()
}

// Unsubscribe releases an event subscription.
func (m *Manager) Unsubscribe(sub events.Subscriber) {
	m.broker.Unsubscribe(sub)
}
