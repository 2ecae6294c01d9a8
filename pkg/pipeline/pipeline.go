package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/cvefeed"
	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/events"
	"github.com/scanforge/scanforge/pkg/library"
	"github.com/scanforge/scanforge/pkg/llm"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

const (
	runKeyPrefix     = "pipelinerun:"
	pendingKeySuffix = ":pending"

	// metricsKey is the global pipeline counter hash; per-CVE counters
	// live under metricsTemplatePrefix.
	metricsKey            = "metrics:pipeline"
	metricsTemplatePrefix = "metrics:template:"
)

func runKey(id string) string     { return runKeyPrefix + id }
func pendingKey(id string) string { return runKeyPrefix + id + pendingKeySuffix }

// rootRunKey maps a run's root job back to the run id, so stages that
// only know their job ancestry can find the run.
func rootRunKey(rootJobID string) string { return runKeyPrefix + "root:" + rootJobID }
func cveMetricsKey(cveID string) string {
	return metricsTemplatePrefix + cveID
}

// Config tunes the synthesis pipeline.
type Config struct {
	// ReferenceTarget is the host validation scans run against; it is
	// expected to be vulnerable to the CVE families under test.
	ReferenceTarget string

	// MaxRefinements bounds the refine loop per template.
	MaxRefinements int

	// GenerateAttempts bounds LLM tries inside one generation or
	// refinement job before the CVE is skipped.
	GenerateAttempts int

	// ValidationTimeout bounds one validation scan end to end.
	ValidationTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRefinements <= 0 {
		c.MaxRefinements = 3
	}
	if c.GenerateAttempts <= 0 {
		c.GenerateAttempts = 3
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 35 * time.Minute
	}
}

// Pipeline drives fetch, generate, store, validate, and refine for each
// pipeline run, composed out of scheduler tasks.
type Pipeline struct {
	sched  *scheduler.Scheduler
	reg    *registry.Registry
	lib    *library.Library
	feed   *cvefeed.Client
	model  *llm.Client
	rdb    redis.UniversalClient
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
}

// NewPipeline wires the synthesis pipeline. RegisterHandlers must be
// called before the scheduler starts.
func NewPipeline(
	sched *scheduler.Scheduler,
	reg *registry.Registry,
	lib *library.Library,
	feed *cvefeed.Client,
	model *llm.Client,
	rdb redis.UniversalClient,
	broker *events.Broker,
	cfg Config,
) *Pipeline {
	cfg.withDefaults()
	return &Pipeline{
		sched:  sched,
		reg:    reg,
		lib:    lib,
		feed:   feed,
		model:  model,
		rdb:    rdb,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("pipeline"),
	}
}

// RegisterHandlers binds the pipeline stage handlers to their job kinds.
func (p *Pipeline) RegisterHandlers(s *scheduler.Scheduler) {
	s.Register(types.JobKindFetchCVEs, p.HandleFetch)
	s.Register(types.JobKindGenerateTemplate, p.HandleGenerate)
	s.Register(types.JobKindStoreTemplates, p.HandleStore)
	s.Register(types.JobKindValidateTemplate, p.HandleValidate)
	s.Register(types.JobKindRefineTemplate, p.HandleRefine)
}

// Trigger starts a pipeline run. A run id that already exists returns the
// existing run unchanged, making triggers idempotent.
func (p *Pipeline) Trigger(ctx context.Context, kind types.TriggerKind, runID string) (*types.PipelineRun, error) {
	if runID == "" {
		runID = uuid.NewString()
	} else if existing, err := p.GetRun(ctx, runID); err == nil {
		return existing, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	root := &types.Job{Kind: types.JobKindPipelineRoot, Queue: scheduler.QueuePipeline}
	if err := p.reg.Create(ctx, root); err != nil {
		return nil, err
	}
	if _, err := p.reg.Transition(ctx, root.ID, types.JobStateRunning, nil); err != nil {
		return nil, err
	}

	run := &types.PipelineRun{
		ID:          runID,
		TriggerKind: kind,
		RootJobID:   root.ID,
		StartedAt:   time.Now().UTC(),
	}
	if err := p.saveRun(ctx, run); err != nil {
		return nil, err
	}
	if err := p.rdb.Set(ctx, rootRunKey(root.ID), runID, 0).Err(); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "index run %s: %v", runID, err)
	}

	payload, err := json.Marshal(fetchPayload{RunID: runID, Seed: runSeed(runID)})
	if err != nil {
		return nil, err
	}
	if _, err := p.sched.Submit(ctx, scheduler.SubmitRequest{
		Kind:        types.JobKindFetchCVEs,
		Queue:       scheduler.QueuePipeline,
		Payload:     payload,
		ParentID:    root.ID,
		MaxAttempts: 3,
	}); err != nil {
		return nil, err
	}

	if p.broker != nil {
		p.broker.Publish(&events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventPipelineStarted,
			JobID:     root.ID,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]string{"run_id": runID, "trigger": string(kind)},
		})
	}
	p.logger.Info().Str("run_id", runID).Str("trigger", string(kind)).Msg("pipeline run started")
	return run, nil
}

// GetRun returns a pipeline run record.
func (p *Pipeline) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	data, err := p.rdb.Get(ctx, runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "pipeline run %s", runID)
	}
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "pipeline run %s: %v", runID, err)
	}
	var run types.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline run %s: %w", runID, err)
	}
	return &run, nil
}

func (p *Pipeline) saveRun(ctx context.Context, run *types.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline run %s: %w", run.ID, err)
	}
	if err := p.rdb.Set(ctx, runKey(run.ID), data, 0).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "save pipeline run %s: %v", run.ID, err)
	}
	return nil
}

// Metrics returns the global pipeline counters.
func (p *Pipeline) Metrics(ctx context.Context) (map[string]int64, error) {
	vals, err := p.rdb.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "pipeline metrics: %v", err)
	}
	out := map[string]int64{
		types.MetricTemplatesGenerated:   0,
		types.MetricTemplatesValidated:   0,
		types.MetricValidationsFailed:    0,
		types.MetricRefinementsAttempted: 0,
		types.MetricRefinementsExhausted: 0,
	}
	for k, v := range vals {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[k] = n
	}
	return out, nil
}

// CVEMetrics returns the per-CVE counters.
func (p *Pipeline) CVEMetrics(ctx context.Context, cveID string) (map[string]int64, error) {
	vals, err := p.rdb.HGetAll(ctx, cveMetricsKey(cveID)).Result()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "cve metrics %s: %v", cveID, err)
	}
	out := make(map[string]int64, len(vals))
	for k, v := range vals {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[k] = n
	}
	return out, nil
}

// bump increments a pipeline counter globally and for one CVE. Counters
// only ever go up.
func (p *Pipeline) bump(ctx context.Context, counter, cveID string) {
	pipe := p.rdb.Pipeline()
	pipe.HIncrBy(ctx, metricsKey, counter, 1)
	if cveID != "" {
		pipe.HIncrBy(ctx, cveMetricsKey(cveID), counter, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn().Err(err).Str("counter", counter).Msg("bump pipeline counter")
	}
}

// addPending adds to the run's outstanding-validation count.
func (p *Pipeline) addPending(ctx context.Context, runID string, n int64) error {
	if err := p.rdb.IncrBy(ctx, pendingKey(runID), n).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "pending count of %s: %v", runID, err)
	}
	return nil
}

// donePending retires one outstanding validation; at zero the run
// finishes.
func (p *Pipeline) donePending(ctx context.Context, runID string) {
	left, err := p.rdb.Decr(ctx, pendingKey(runID)).Result()
	if err != nil {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("pending count")
		return
	}
	if left <= 0 {
		p.finishRun(ctx, runID)
	}
}

// finishRun closes out the run record and its root job.
func (p *Pipeline) finishRun(ctx context.Context, runID string) {
	run, err := p.GetRun(ctx, runID)
	if err != nil {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("finish run")
		return
	}
	if !run.FinishedAt.IsZero() {
		return
	}
	run.FinishedAt = time.Now().UTC()
	if err := p.saveRun(ctx, run); err != nil {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("save finished run")
	}
	p.rdb.Del(ctx, pendingKey(runID), rootRunKey(run.RootJobID))

	if _, err := p.reg.Transition(ctx, run.RootJobID, types.JobStateSuccess, nil); err != nil && !errdefs.IsIllegalTransition(err) {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("close root job")
	}

	if p.broker != nil {
		p.broker.Publish(&events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventPipelineFinished,
			JobID:     run.RootJobID,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]string{"run_id": runID},
		})
	}
	p.logger.Info().
		Str("run_id", runID).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("pipeline run finished")
}

// failRun closes out the run record with its root job failed.
func (p *Pipeline) failRun(ctx context.Context, runID string, cause error) {
	run, err := p.GetRun(ctx, runID)
	if err != nil {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("fail run")
		return
	}
	if !run.FinishedAt.IsZero() {
		return
	}
	run.FinishedAt = time.Now().UTC()
	if err := p.saveRun(ctx, run); err != nil {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("save failed run")
	}
	p.rdb.Del(ctx, pendingKey(runID), rootRunKey(run.RootJobID))

	if _, err := p.reg.Transition(ctx, run.RootJobID, types.JobStateFailure, func(j *types.Job) {
		j.Error = cause.Error()
		j.ErrorKind = errdefs.Kind(cause)
	}); err != nil && !errdefs.IsIllegalTransition(err) {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("fail root job")
	}
	p.logger.Error().Err(cause).Str("run_id", runID).Msg("pipeline run failed")
}

// runIDForCallback resolves the run that owns a group callback through
// the group root's ancestry, for result vectors that carry no readable
// member payloads.
func (p *Pipeline) runIDForCallback(ctx context.Context, job *types.Job) string {
	if job.ParentID == "" {
		return ""
	}
	groupRoot, err := p.reg.Get(ctx, job.ParentID)
	if err != nil || groupRoot.ParentID == "" {
		return ""
	}
	id, err := p.rdb.Get(ctx, rootRunKey(groupRoot.ParentID)).Result()
	if err != nil {
		return ""
	}
	return id
}

// runSeed derives the deterministic sampling seed for a run.
func runSeed(runID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(runID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
