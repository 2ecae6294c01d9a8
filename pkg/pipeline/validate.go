package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/llm"
	"github.com/scanforge/scanforge/pkg/metrics"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

type validatePayload struct {
	RunID      string `json:"run_id"`
	TemplateID string `json:"template_id"`
	CVEID      string `json:"cve_id"`

	// Attempt is the refinement round this template came from; 0 is the
	// initial generation.
	Attempt int   `json:"attempt"`
	Seed    int64 `json:"seed"`
}

type refinePayload struct {
	RunID      string `json:"run_id"`
	TemplateID string `json:"template_id"`
	CVEID      string `json:"cve_id"`
	Diagnostic string `json:"diagnostic"`

	// NextAttempt numbers the refinement being produced.
	NextAttempt int   `json:"next_attempt"`
	Seed        int64 `json:"seed"`
}

type validateResult struct {
	TemplateID string `json:"template_id"`
	Valid      bool   `json:"valid"`
	Refining   bool   `json:"refining,omitempty"`
	Exhausted  bool   `json:"exhausted,omitempty"`
}

// diagnosticTailBytes bounds how much scan output feeds the refinement
// prompt.
const diagnosticTailBytes = 8 * 1024

// HandleValidate runs a scan against the reference target with just the
// template under test. Success needs at least one finding whose template
// id matches and whose severity is at least the declared one; any other
// terminal outcome enters the refine loop until the budget runs out.
func (p *Pipeline) HandleValidate(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var payload validatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "validate payload: %v", err)
	}

	tpl, err := p.lib.Get(ctx, payload.TemplateID)
	if err != nil {
		p.failPending(ctx, payload.RunID, job, err)
		return nil, err
	}
	declared, err := llm.ValidateTemplate(tpl.Body, payload.CVEID)
	if err != nil {
		// A template that no longer parses cannot be scanned; send it
		// straight to refinement with the parse error as diagnostic.
		return p.validationFailed(ctx, job, payload, err.Error())
	}

	if err := p.lib.SetValidationState(ctx, payload.TemplateID, types.ValidationValidating); err != nil {
		p.failPending(ctx, payload.RunID, job, err)
		return nil, err
	}

	outcome, findings, scanLog, err := p.runValidationScan(ctx, tpl.ID, p.lib.Path(tpl))
	if err != nil {
		p.failPending(ctx, payload.RunID, job, err)
		return nil, err
	}

	for _, f := range findings {
		if strings.EqualFold(f.TemplateID, declared.ID) && f.Severity.AtLeast(declared.Severity) {
			if err := p.lib.SetValidationState(ctx, payload.TemplateID, types.ValidationValid); err != nil {
				p.failPending(ctx, payload.RunID, job, err)
				return nil, err
			}
			p.bump(ctx, types.MetricTemplatesValidated, payload.CVEID)
			metrics.TemplatesValidated.Inc()
			p.donePending(ctx, payload.RunID)
			p.logger.Info().
				Str("template_id", payload.TemplateID).
				Str("cve_id", payload.CVEID).
				Msg("template validated")
			return json.Marshal(validateResult{TemplateID: payload.TemplateID, Valid: true})
		}
	}

	diagnostic := "terminal event: " + string(outcome.TerminalEvent) + "\n" + tailOf(scanLog, diagnosticTailBytes)
	return p.validationFailed(ctx, job, payload, diagnostic)
}

// validationFailed counts the failure and either schedules a refinement
// or retires the template as invalid_max_retries.
func (p *Pipeline) validationFailed(ctx context.Context, job *types.Job, payload validatePayload, diagnostic string) (json.RawMessage, error) {
	p.bump(ctx, types.MetricValidationsFailed, payload.CVEID)
	metrics.ValidationsFailed.Inc()

	if payload.Attempt >= p.cfg.MaxRefinements {
		return p.exhaust(ctx, payload)
	}

	rp, err := json.Marshal(refinePayload{
		RunID:       payload.RunID,
		TemplateID:  payload.TemplateID,
		CVEID:       payload.CVEID,
		Diagnostic:  diagnostic,
		NextAttempt: payload.Attempt + 1,
		Seed:        payload.Seed,
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.sched.Submit(ctx, scheduler.SubmitRequest{
		Kind:    types.JobKindRefineTemplate,
		Queue:   scheduler.QueueRefine,
		Payload: rp,
	}); err != nil {
		p.failPending(ctx, payload.RunID, job, err)
		return nil, err
	}

	p.logger.Info().
		Str("template_id", payload.TemplateID).
		Int("next_attempt", payload.Attempt+1).
		Msg("validation failed, refinement scheduled")
	return json.Marshal(validateResult{TemplateID: payload.TemplateID, Refining: true})
}

// exhaust retires a template family after the refinement budget is spent.
func (p *Pipeline) exhaust(ctx context.Context, payload validatePayload) (json.RawMessage, error) {
	if err := p.lib.SetValidationState(ctx, payload.TemplateID, types.ValidationInvalidMaxRetry); err != nil && !errdefs.IsIllegalTransition(err) {
		p.logger.Warn().Err(err).Str("template_id", payload.TemplateID).Msg("retire template")
	}
	p.bump(ctx, types.MetricRefinementsExhausted, payload.CVEID)
	metrics.RefinementsExhausted.Inc()
	p.donePending(ctx, payload.RunID)

	p.logger.Warn().
		Str("template_id", payload.TemplateID).
		Str("cve_id", payload.CVEID).
		Int("refinements", payload.Attempt).
		Msg("refinement budget exhausted")
	return json.Marshal(validateResult{TemplateID: payload.TemplateID, Exhausted: true})
}

// HandleRefine asks the model to correct a failed template, stores the
// refined version, and re-enters validation.
func (p *Pipeline) HandleRefine(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var payload refinePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "refine payload: %v", err)
	}

	p.bump(ctx, types.MetricRefinementsAttempted, payload.CVEID)
	metrics.RefinementsAttempted.Inc()

	base, err := p.lib.Get(ctx, payload.TemplateID)
	if err != nil {
		p.failPending(ctx, payload.RunID, job, err)
		return nil, err
	}

	prompt := llm.RefinementPrompt(payload.CVEID, base.Body, payload.Diagnostic)
	body, err := p.synthesize(ctx, prompt, payload.CVEID, payload.Seed+int64(payload.NextAttempt)*1000)
	if err != nil {
		if errdefs.Retryable(err) && job.Attempt < job.MaxAttempts {
			return nil, err
		}
		// The model cannot produce a usable correction; spend the slot.
		return p.exhaust(ctx, validatePayload{
			RunID:      payload.RunID,
			TemplateID: payload.TemplateID,
			CVEID:      payload.CVEID,
			Attempt:    payload.NextAttempt,
		})
	}

	refined, err := p.lib.StoreAI(ctx, payload.CVEID, body, payload.NextAttempt, types.OriginAIRefined)
	if err != nil {
		p.failPending(ctx, payload.RunID, job, err)
		return nil, err
	}

	vp, err := json.Marshal(validatePayload{
		RunID:      payload.RunID,
		TemplateID: refined.ID,
		CVEID:      payload.CVEID,
		Attempt:    payload.NextAttempt,
		Seed:       payload.Seed,
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.sched.Submit(ctx, scheduler.SubmitRequest{
		Kind:    types.JobKindValidateTemplate,
		Queue:   scheduler.QueueValidate,
		Payload: vp,
	}); err != nil {
		p.failPending(ctx, payload.RunID, job, err)
		return nil, err
	}

	p.logger.Info().
		Str("template_id", refined.ID).
		Int("attempt", payload.NextAttempt).
		Msg("refined template stored, revalidating")
	return json.Marshal(validateResult{TemplateID: refined.ID, Refining: true})
}

// runValidationScan submits a scan job against the reference target using
// only the template under test, then waits for it to finish.
func (p *Pipeline) runValidationScan(ctx context.Context, templateID, templatePath string) (*types.ScanOutcome, []*types.Finding, string, error) {
	req := types.ScanRequest{
		Target:   p.cfg.ReferenceTarget,
		Selector: types.TemplateSelector{File: templatePath},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, "", err
	}

	scanJob, err := p.sched.Submit(ctx, scheduler.SubmitRequest{
		Kind:    types.JobKindScan,
		Queue:   scheduler.QueueScans,
		Payload: payload,
	})
	if err != nil {
		return nil, nil, "", err
	}

	deadline := time.NewTimer(p.cfg.ValidationTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, "", errdefs.Wrapf(errdefs.ErrCancelled, "validation scan for %s", templateID)
		case <-deadline.C:
			return nil, nil, "", errdefs.Wrapf(errdefs.ErrTimeout, "validation scan for %s", templateID)
		case <-poll.C:
		}

		job, err := p.reg.Get(ctx, scanJob.ID)
		if err != nil {
			return nil, nil, "", err
		}
		if !job.State.Terminal() {
			continue
		}

		var outcome types.ScanOutcome
		if job.State == types.JobStateSuccess && job.Result != nil {
			if err := json.Unmarshal(job.Result, &outcome); err != nil {
				return nil, nil, "", errdefs.Wrapf(errdefs.ErrInvalidOutput, "scan outcome: %v", err)
			}
		} else {
			outcome.TerminalEvent = types.TerminalRuntimeError
		}

		findings, err := p.reg.ListFindings(ctx, scanJob.ID)
		if err != nil {
			return nil, nil, "", err
		}
		logBytes, _, err := p.reg.ReadLog(ctx, scanJob.ID, 0)
		if err != nil {
			return nil, nil, "", err
		}
		return &outcome, findings, string(logBytes), nil
	}
}

// failPending retires the run's pending slot only when the scheduler is
// out of retries for this job; a retried attempt must not spend the same
// slot twice.
func (p *Pipeline) failPending(ctx context.Context, runID string, job *types.Job, err error) {
	if errdefs.Retryable(err) && job.Attempt < job.MaxAttempts {
		return
	}
	p.donePending(ctx, runID)
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
