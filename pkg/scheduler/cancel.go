package scheduler

import (
	"context"
	"time"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/types"
)

// cancelFlagTTL keeps the cancellation marker around long enough for a
// running handler to observe it, without accumulating keys forever.
const cancelFlagTTL = time.Hour

func cancelKey(jobID string) string { return "cancel:" + jobID }

// Cancel requests cooperative cancellation of a job and, transitively, of
// its descendants. Queued and retrying jobs move straight to cancelled;
// running jobs get their handler context cancelled and finish as
// cancelled. Terminal jobs are unaffected, making Cancel idempotent.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case types.JobStateQueued, types.JobStateRetrying:
		if err := s.cancelNow(ctx, jobID); err != nil {
			return err
		}

	case types.JobStateRunning:
		// Group and pipeline roots go running without ever being
		// dispatched; no handler will observe a flag for them, so they
		// terminate here.
		if job.WorkerID == "" {
			if err := s.cancelNow(ctx, jobID); err != nil {
				return err
			}
			break
		}
		// Mark intent for whichever process runs it, then interrupt
		// locally in case it is ours.
		if err := s.rdb.Set(ctx, cancelKey(jobID), 1, cancelFlagTTL).Err(); err != nil {
			return errdefs.Wrapf(errdefs.ErrKVUnavailable, "mark cancel for %s: %v", jobID, err)
		}
		s.runMu.Lock()
		cancel, ok := s.running[jobID]
		s.runMu.Unlock()
		if ok {
			cancel()
		}

	default:
		// Terminal; nothing to do.
	}

	children, err := s.registry.ListChildren(ctx, jobID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		if err := s.Cancel(ctx, child.ID); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// cancelNow terminates a job that no worker holds. The transition must
// run the same composition hooks a worker's finish would, or a group
// with a cancelled member never completes.
func (s *Scheduler) cancelNow(ctx context.Context, jobID string) error {
	updated, err := s.registry.Transition(ctx, jobID, types.JobStateCancelled, func(j *types.Job) {
		j.Error = "cancelled"
		j.ErrorKind = errdefs.Kind(errdefs.ErrCancelled)
	})
	if err != nil {
		if errdefs.IsIllegalTransition(err) {
			return nil // lost the race to a terminal state
		}
		return err
	}
	s.onTerminal(ctx, updated)
	return nil
}
