package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/metrics"
	"github.com/scanforge/scanforge/pkg/types"
)

func (s *Scheduler) workerLoop(ctx context.Context, queue string) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := s.pop(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("queue", queue).Msg("dequeue")
			time.Sleep(time.Second)
			continue
		}
		if jobID == "" {
			continue
		}

		s.dispatch(ctx, queue, jobID)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, queue, jobID string) {
	job, err := s.registry.Get(ctx, jobID)
	if errdefs.IsNotFound(err) {
		return // reaped while queued
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("load job")
		return
	}

	// Cancelled while waiting in the queue.
	if job.State != types.JobStateQueued {
		return
	}

	job, err = s.registry.Transition(ctx, jobID, types.JobStateRunning, func(j *types.Job) {
		j.WorkerID = s.workerID
	})
	if err != nil {
		if !errdefs.IsIllegalTransition(err) {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("mark running")
		}
		return
	}
	if err := s.registry.BindJob(ctx, s.workerID, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("bind job")
	}

	handler, ok := s.handler(job.Kind)
	if !ok {
		s.finish(ctx, job, nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "no handler for kind %q", job.Kind))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.trackRunning(jobID, cancel)
	go s.watchCancel(jobCtx, jobID, cancel)
	defer func() {
		cancel()
		s.untrackRunning(jobID)
		if err := s.registry.ReleaseJob(ctx, s.workerID, jobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("release job")
		}
	}()

	start := time.Now()
	result, herr := handler(jobCtx, job)
	metrics.TaskDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())

	// Cancellation wins over whatever the handler returned: the flag may
	// have been set from another process, or the handler may have finished
	// on its own before observing the context.
	if s.cancelRequested(ctx, jobID) {
		herr = errdefs.Wrapf(errdefs.ErrCancelled, "job %s", jobID)
	}

	s.finish(ctx, job, result, herr)
}

// finish drives the job to its post-handler state: success, cancelled,
// retrying, or failure, then runs the composition hooks.
func (s *Scheduler) finish(ctx context.Context, job *types.Job, result json.RawMessage, herr error) {
	switch {
	case herr == nil:
		updated, err := s.registry.Transition(ctx, job.ID, types.JobStateSuccess, func(j *types.Job) {
			j.Result = result
		})
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark success")
			return
		}
		metrics.TasksTotal.WithLabelValues(job.Queue, "success").Inc()
		s.logger.Info().
			Str("job_id", job.ID).
			Str("kind", string(job.Kind)).
			Msg("job succeeded")
		s.onTerminal(ctx, updated)

	case errdefs.IsCancelled(herr):
		updated, err := s.registry.Transition(ctx, job.ID, types.JobStateCancelled, func(j *types.Job) {
			j.Error = herr.Error()
			j.ErrorKind = errdefs.Kind(errdefs.ErrCancelled)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark cancelled")
			return
		}
		metrics.TasksTotal.WithLabelValues(job.Queue, "cancelled").Inc()
		s.logger.Info().Str("job_id", job.ID).Msg("job cancelled")
		s.onTerminal(ctx, updated)

	case errdefs.Retryable(herr) && job.Attempt < job.MaxAttempts:
		delay := s.backoff(job.Attempt)
		notBefore := time.Now().Add(delay)
		_, err := s.registry.Transition(ctx, job.ID, types.JobStateRetrying, func(j *types.Job) {
			j.Error = herr.Error()
			j.ErrorKind = errdefs.Kind(herr)
			j.NotBefore = notBefore
		})
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark retrying")
			return
		}
		if err := s.scheduleRetry(ctx, job.Queue, job.ID, notBefore); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("schedule retry")
			return
		}
		metrics.TasksTotal.WithLabelValues(job.Queue, "retry").Inc()
		metrics.TaskRetries.WithLabelValues(job.Queue).Inc()
		s.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", job.Attempt).
			Dur("backoff", delay).
			Err(herr).
			Msg("job retrying")

	default:
		updated, err := s.registry.Transition(ctx, job.ID, types.JobStateFailure, func(j *types.Job) {
			j.Error = herr.Error()
			j.ErrorKind = errdefs.Kind(herr)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark failure")
			return
		}
		metrics.TasksTotal.WithLabelValues(job.Queue, "failure").Inc()
		s.logger.Error().
			Str("job_id", job.ID).
			Str("kind", string(job.Kind)).
			Err(herr).
			Msg("job failed")
		s.onTerminal(ctx, updated)
	}
}

// requeueRetry moves a retrying job whose backoff expired back to queued
// and onto its queue, bumping the attempt counter.
func (s *Scheduler) requeueRetry(ctx context.Context, queue, jobID string) error {
	job, err := s.registry.Transition(ctx, jobID, types.JobStateQueued, func(j *types.Job) {
		j.Attempt++
		j.NotBefore = time.Time{}
		j.WorkerID = ""
	})
	if err != nil {
		if errdefs.IsIllegalTransition(err) || errdefs.IsNotFound(err) {
			return nil // cancelled or reaped while parked
		}
		return err
	}
	return s.push(ctx, queue, job.ID)
}

// backoff computes min(cap, base * 2^(n-1)) plus jitter in [0, base).
func (s *Scheduler) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(s.opts.RetryBase) * math.Pow(2, float64(attempt-1)))
	if d > s.opts.RetryCap || d <= 0 {
		d = s.opts.RetryCap
	}
	jitter := time.Duration(rand.Int63n(int64(s.opts.RetryBase)))
	return d + jitter
}

// onTerminal runs the composition hooks after a job reaches a terminal
// state: advancing chains and completing groups.
func (s *Scheduler) onTerminal(ctx context.Context, job *types.Job) {
	if err := s.advanceChain(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("advance chain")
	}
	if err := s.completeGroupMember(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("complete group member")
	}
}

func (s *Scheduler) cancelRequested(ctx context.Context, jobID string) bool {
	n, err := s.rdb.Exists(ctx, cancelKey(jobID)).Result()
	return err == nil && n > 0
}

// watchCancel polls the shared cancel flag while a job runs, so a Cancel
// issued in another process interrupts the handler here.
func (s *Scheduler) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.opts.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cancelRequested(ctx, jobID) {
				cancel()
				return
			}
		}
	}
}
