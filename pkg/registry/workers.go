package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/types"
)

const (
	workersKey       = "workers"
	workerAlivePre   = "worker:alive:"
	workerJobsPre    = "worker:jobs:"
	heartbeatFactor  = 3 // liveness key TTL = factor * heartbeat interval
	DefaultHeartbeat = 15 * time.Second
)

func workerAliveKey(id string) string { return workerAlivePre + id }
func workerJobsKey(id string) string  { return workerJobsPre + id }

// RegisterWorker records the worker and marks it alive. Must be followed
// by periodic Heartbeat calls.
func (r *Registry) RegisterWorker(ctx context.Context, workerID string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, workersKey, workerID)
	pipe.Set(ctx, workerAliveKey(workerID), time.Now().UTC().Format(time.RFC3339), interval*heartbeatFactor)
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "register worker %s: %v", workerID, err)
	}
	return nil
}

// Heartbeat refreshes the worker's liveness marker.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	err := r.rdb.Set(ctx, workerAliveKey(workerID), time.Now().UTC().Format(time.RFC3339), interval*heartbeatFactor).Err()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "heartbeat worker %s: %v", workerID, err)
	}
	return nil
}

// DeregisterWorker removes the worker after a clean shutdown. Its job
// bindings must already be released.
func (r *Registry) DeregisterWorker(ctx context.Context, workerID string) error {
	pipe := r.rdb.Pipeline()
	pipe.SRem(ctx, workersKey, workerID)
	pipe.Del(ctx, workerAliveKey(workerID))
	pipe.Del(ctx, workerJobsKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "deregister worker %s: %v", workerID, err)
	}
	return nil
}

// BindJob records that the worker is executing the job, for crash recovery.
func (r *Registry) BindJob(ctx context.Context, workerID, jobID string) error {
	if err := r.rdb.SAdd(ctx, workerJobsKey(workerID), jobID).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "bind job %s to %s: %v", jobID, workerID, err)
	}
	return nil
}

// ReleaseJob drops the binding once the job reaches a terminal state.
func (r *Registry) ReleaseJob(ctx context.Context, workerID, jobID string) error {
	if err := r.rdb.SRem(ctx, workerJobsKey(workerID), jobID).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "release job %s from %s: %v", jobID, workerID, err)
	}
	return nil
}

// RecoverLost scans for workers whose liveness marker has expired and
// fails their running jobs with a worker-lost error. Returns the IDs of
// the jobs it failed. Called on process startup before workers start.
func (r *Registry) RecoverLost(ctx context.Context) ([]string, error) {
	workerIDs, err := r.rdb.SMembers(ctx, workersKey).Result()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "list workers: %v", err)
	}

	var failed []string
	for _, wid := range workerIDs {
		_, err := r.rdb.Get(ctx, workerAliveKey(wid)).Result()
		if err == nil {
			continue // still alive
		}
		if err != redis.Nil {
			return failed, errdefs.Wrapf(errdefs.ErrKVUnavailable, "check worker %s: %v", wid, err)
		}

		jobIDs, err := r.rdb.SMembers(ctx, workerJobsKey(wid)).Result()
		if err != nil {
			return failed, errdefs.Wrapf(errdefs.ErrKVUnavailable, "jobs of worker %s: %v", wid, err)
		}

		for _, jid := range jobIDs {
			job, err := r.Get(ctx, jid)
			if errdefs.IsNotFound(err) {
				continue
			}
			if err != nil {
				return failed, err
			}
			if job.State != types.JobStateRunning {
				continue
			}
			_, err = r.Transition(ctx, jid, types.JobStateFailure, func(j *types.Job) {
				j.Error = "worker " + wid + " lost"
				j.ErrorKind = errdefs.Kind(errdefs.ErrWorkerLost)
			})
			if err != nil && !errdefs.IsIllegalTransition(err) {
				return failed, err
			}
			failed = append(failed, jid)
			r.logger.Warn().Str("job_id", jid).Str("worker_id", wid).Msg("job failed: worker lost")
		}

		if err := r.DeregisterWorker(ctx, wid); err != nil {
			return failed, err
		}
	}
	return failed, nil
}
