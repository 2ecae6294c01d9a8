package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/llm"
	"github.com/scanforge/scanforge/pkg/metrics"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

type fetchPayload struct {
	RunID string `json:"run_id"`
	Seed  int64  `json:"seed"`
}

type generatePayload struct {
	RunID string          `json:"run_id"`
	Seed  int64           `json:"seed"`
	CVE   types.CVERecord `json:"cve"`
}

// generateResult is one member's contribution to the store stage. A
// skipped marker means generation gave up on the CVE without aborting the
// batch.
type generateResult struct {
	RunID   string `json:"run_id"`
	CVEID   string `json:"cve_id"`
	Body    string `json:"body,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Seed    int64  `json:"seed"`
}

// HandleFetch queries the feed, drops CVEs seen recently or already
// covered by a valid template, and fans out one generation job per novel
// CVE with the store stage as the group callback.
func (p *Pipeline) HandleFetch(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var payload fetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "fetch payload: %v", err)
	}

	records, err := p.feed.Fetch(ctx)
	if err != nil {
		p.abortRunIfFinal(ctx, payload.RunID, job, err)
		return nil, err
	}
	novel, err := p.feed.FilterNovel(ctx, records)
	if err != nil {
		p.abortRunIfFinal(ctx, payload.RunID, job, err)
		return nil, err
	}

	// Skip CVEs that already carry a valid template.
	batch := novel[:0]
	for _, rec := range novel {
		covered, err := p.lib.ActiveForCVE(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if !covered {
			batch = append(batch, rec)
		}
	}

	run, err := p.GetRun(ctx, payload.RunID)
	if err != nil {
		return nil, err
	}
	run.CVEBatch = make([]string, 0, len(batch))
	for _, rec := range batch {
		run.CVEBatch = append(run.CVEBatch, rec.ID)
	}
	if err := p.saveRun(ctx, run); err != nil {
		return nil, err
	}

	if len(batch) == 0 {
		p.logger.Info().Str("run_id", payload.RunID).Msg("no novel cves, run complete")
		p.finishRun(ctx, payload.RunID)
		return json.Marshal(run.CVEBatch)
	}

	members := make([]scheduler.SubmitRequest, 0, len(batch))
	for _, rec := range batch {
		mp, err := json.Marshal(generatePayload{RunID: payload.RunID, Seed: payload.Seed, CVE: rec})
		if err != nil {
			return nil, err
		}
		members = append(members, scheduler.SubmitRequest{
			Kind:    types.JobKindGenerateTemplate,
			Queue:   scheduler.QueueGenerate,
			Payload: mp,
		})
	}

	if _, _, err := p.sched.Group(ctx, scheduler.GroupSpec{
		ParentID: run.RootJobID,
		Members:  members,
		Callback: &scheduler.ChainLink{
			Kind:  types.JobKindStoreTemplates,
			Queue: scheduler.QueuePipeline,
		},
	}); err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("run_id", payload.RunID).
		Int("cves", len(batch)).
		Msg("generation fan-out submitted")
	return json.Marshal(run.CVEBatch)
}

// HandleGenerate renders the CVE into a prompt and asks the model for a
// template, retrying internally before emitting a skipped marker. The
// job itself only fails on infrastructure errors, so one bad CVE never
// sinks the batch.
func (p *Pipeline) HandleGenerate(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var payload generatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "generate payload: %v", err)
	}

	res := generateResult{RunID: payload.RunID, CVEID: payload.CVE.ID, Seed: payload.Seed}

	body, err := p.synthesize(ctx, llm.GenerationPrompt(payload.CVE), payload.CVE.ID, payload.Seed)
	if err != nil {
		if errdefs.Retryable(err) {
			return nil, err // infrastructure trouble: let the scheduler retry
		}
		res.Skipped = true
		res.Reason = err.Error()
		p.logger.Warn().
			Str("cve_id", payload.CVE.ID).
			Str("reason", res.Reason).
			Msg("template generation skipped")
		return json.Marshal(res)
	}

	res.Body = body
	return json.Marshal(res)
}

// synthesize asks the model for a template and parse-validates it, with a
// bounded number of tries. Each try perturbs the seed so a deterministic
// failure is not simply replayed.
func (p *Pipeline) synthesize(ctx context.Context, prompt, cveID string, seed int64) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.GenerateAttempts; attempt++ {
		raw, err := p.model.Generate(ctx, prompt, seed+int64(attempt))
		if err != nil {
			if errdefs.Retryable(err) {
				return "", err
			}
			lastErr = err
			continue
		}
		body, err := llm.ExtractYAML(raw)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := llm.ValidateTemplate(body, cveID); err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	return "", errdefs.Wrapf(errdefs.ErrInvalidOutput, "no usable template after %d tries: %v", p.cfg.GenerateAttempts, lastErr)
}

// HandleStore receives the generation group's result vector, writes the
// usable templates to the library, and fans out one validation per
// stored template.
func (p *Pipeline) HandleStore(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var vector []json.RawMessage
	if err := json.Unmarshal(job.Payload, &vector); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "store payload: %v", err)
	}

	var (
		runID    string
		stored   []string
		failures int
	)
	type toValidate struct {
		templateID string
		cveID      string
		seed       int64
	}
	var pending []toValidate

	for _, raw := range vector {
		if len(raw) == 0 || string(raw) == "null" {
			failures++
			continue
		}
		var res generateResult
		if err := json.Unmarshal(raw, &res); err != nil {
			p.logger.Warn().Err(err).Msg("unreadable generation result")
			failures++
			continue
		}
		runID = res.RunID
		if res.Skipped {
			continue
		}

		tpl, err := p.lib.StoreAI(ctx, res.CVEID, res.Body, 0, types.OriginAIGenerated)
		if err != nil {
			p.logger.Error().Err(err).Str("cve_id", res.CVEID).Msg("store template")
			continue
		}
		p.bump(ctx, types.MetricTemplatesGenerated, res.CVEID)
		metrics.TemplatesGenerated.Inc()
		stored = append(stored, tpl.ID)
		pending = append(pending, toValidate{templateID: tpl.ID, cveID: res.CVEID, seed: res.Seed})
	}

	if runID == "" {
		// Every member failed at the job level, leaving only null holes
		// in the vector; recover the run through the group root instead.
		runID = p.runIDForCallback(ctx, job)
	}
	if runID == "" {
		p.logger.Warn().Str("job_id", job.ID).Msg("store stage could not resolve its run")
		return json.Marshal(stored)
	}
	if len(pending) == 0 {
		// Nothing to validate: the run ends here, failed when any member
		// died rather than skipping cleanly.
		if failures > 0 {
			p.failRun(ctx, runID, fmt.Errorf("no templates generated: %d of %d members failed", failures, len(vector)))
		} else {
			p.finishRun(ctx, runID)
		}
		return json.Marshal(stored)
	}

	if err := p.addPending(ctx, runID, int64(len(pending))); err != nil {
		return nil, err
	}
	for _, v := range pending {
		vp, err := json.Marshal(validatePayload{
			RunID:      runID,
			TemplateID: v.templateID,
			CVEID:      v.cveID,
			Seed:       v.seed,
		})
		if err != nil {
			return nil, err
		}
		if _, err := p.sched.Submit(ctx, scheduler.SubmitRequest{
			Kind:     types.JobKindValidateTemplate,
			Queue:    scheduler.QueueValidate,
			Payload:  vp,
			ParentID: job.ID,
		}); err != nil {
			return nil, err
		}
	}

	p.logger.Info().
		Str("run_id", runID).
		Int("stored", len(stored)).
		Msg("templates stored, validations submitted")
	return json.Marshal(stored)
}

// abortRunIfFinal fails the run's root job when the fetch stage is out of
// options: a non-retryable error, or the last allowed attempt. Retryable
// errors with budget left leave the run open for the scheduler's retry.
func (p *Pipeline) abortRunIfFinal(ctx context.Context, runID string, job *types.Job, cause error) {
	if errdefs.Retryable(cause) && job.Attempt < job.MaxAttempts {
		return
	}
	p.logger.Error().Err(cause).Str("run_id", runID).Msg("pipeline run aborted at fetch stage")
	p.failRun(ctx, runID, cause)
}
