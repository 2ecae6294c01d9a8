package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/events"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/types"
)

const (
	jobKeyPrefix      = "job:"
	jobIndexKey       = "jobs:index"
	childrenKeyPrefix = "jobchildren:"

	// casRetries bounds optimistic-lock retries on a contended transition.
	casRetries = 5
)

// Registry is the single source of truth for job lifecycle, backed by
// Redis. All writes are atomic at key granularity; Transition is a CAS.
type Registry struct {
	rdb    redis.UniversalClient
	broker *events.Broker
	logger zerolog.Logger
}

// NewRegistry creates a registry on the given Redis client. The broker is
// optional; when present, lifecycle transitions are published to it.
func NewRegistry(rdb redis.UniversalClient, broker *events.Broker) *Registry {
	return &Registry{
		rdb:    rdb,
		broker: broker,
		logger: log.WithComponent("registry"),
	}
}

func jobKey(id string) string      { return jobKeyPrefix + id }
func childrenKey(id string) string { return childrenKeyPrefix + id }

// Create persists a new job in the queued state. A zero ID is assigned a
// fresh UUID; attempt starts at 1.
func (r *Registry) Create(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 1
	}
	job.State = types.JobStateQueued
	job.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "create job %s: %v", job.ID, err)
	}
	if !ok {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "job %s already exists", job.ID)
	}

	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, jobIndexKey, redis.Z{Score: float64(job.CreatedAt.Unix()), Member: job.ID})
	if job.ParentID != "" {
		pipe.SAdd(ctx, childrenKey(job.ParentID), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "index job %s: %v", job.ID, err)
	}

	r.publish(job, events.EventJobQueued)
	r.logger.Debug().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("job created")
	return nil
}

// Get returns the job or NotFound.
func (r *Registry) Get(ctx context.Context, id string) (*types.Job, error) {
	data, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "get job %s: %v", id, err)
	}

	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Transition moves a job to a new state with a compare-and-set on the
// current state. The patch, if non-nil, mutates the job inside the
// transaction. An illegal edge fails with IllegalTransition and leaves the
// job untouched.
func (r *Registry) Transition(ctx context.Context, id string, to types.JobState, patch func(*types.Job)) (*types.Job, error) {
	var updated *types.Job

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(id)).Bytes()
		if err == redis.Nil {
			return errdefs.Wrapf(errdefs.ErrNotFound, "job %s", id)
		}
		if err != nil {
			return err
		}

		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}

		if !types.CanTransition(job.State, to) {
			return errdefs.Wrapf(errdefs.ErrIllegalTransition, "job %s: %s -> %s", id, job.State, to)
		}

		job.State = to
		now := time.Now().UTC()
		switch {
		case to == types.JobStateRunning && job.StartedAt.IsZero():
			job.StartedAt = now
		case to.Terminal():
			job.FinishedAt = now
		}
		if patch != nil {
			patch(&job)
		}

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &job
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := r.rdb.Watch(ctx, txn, jobKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errdefs.IsIllegalTransition(err) || errdefs.IsNotFound(err) {
				return nil, err
			}
			return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "transition job %s: %v", id, err)
		}
		r.publishTransition(updated)
		return updated, nil
	}
	return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "transition job %s: too much contention", id)
}

// SetContainerName records the container created for a running scan job.
// The owning worker is the only writer.
func (r *Registry) SetContainerName(ctx context.Context, id, name string) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	job.ContainerName = name
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", id, err)
	}
	if err := r.rdb.Set(ctx, jobKey(id), data, 0).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "set container name of %s: %v", id, err)
	}
	return nil
}

// SetPayload rewrites a job's payload. Callers must hold exclusive
// ownership of the job, i.e. it is queued and invisible to workers.
func (r *Registry) SetPayload(ctx context.Context, id string, payload json.RawMessage) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Payload = payload
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", id, err)
	}
	if err := r.rdb.Set(ctx, jobKey(id), data, 0).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "set payload of %s: %v", id, err)
	}
	return nil
}

// ListChildren returns the jobs whose parent_id is the given id, in
// creation order.
func (r *Registry) ListChildren(ctx context.Context, parentID string) ([]*types.Job, error) {
	ids, err := r.rdb.SMembers(ctx, childrenKey(parentID)).Result()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "list children of %s: %v", parentID, err)
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if errdefs.IsNotFound(err) {
			continue // reaped concurrently
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sortJobsByCreation(jobs)
	return jobs, nil
}

// Reap removes terminal jobs created before the cutoff, along with their
// logs and child indexes. Jobs still referenced by a live parent are kept.
func (r *Registry) Reap(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, jobIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", before.Unix()),
	}).Result()
	if err != nil {
		return 0, errdefs.Wrapf(errdefs.ErrKVUnavailable, "scan reapable jobs: %v", err)
	}

	reaped := 0
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if errdefs.IsNotFound(err) {
			r.rdb.ZRem(ctx, jobIndexKey, id)
			continue
		}
		if err != nil {
			return reaped, err
		}
		if !job.State.Terminal() {
			continue
		}
		if job.ParentID != "" {
			if live, err := r.parentAlive(ctx, job.ParentID); err != nil {
				return reaped, err
			} else if live {
				continue
			}
		}

		pipe := r.rdb.Pipeline()
		pipe.Del(ctx, jobKey(id))
		pipe.Del(ctx, childrenKey(id))
		pipe.ZRem(ctx, jobIndexKey, id)
		if job.ParentID != "" {
			pipe.SRem(ctx, childrenKey(job.ParentID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, errdefs.Wrapf(errdefs.ErrKVUnavailable, "reap job %s: %v", id, err)
		}
		if err := r.dropLog(ctx, id); err != nil {
			return reaped, err
		}
		if err := r.dropFindings(ctx, id); err != nil {
			return reaped, err
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info().Int("count", reaped).Time("before", before).Msg("jobs reaped")
	}
	return reaped, nil
}

func (r *Registry) parentAlive(ctx context.Context, parentID string) (bool, error) {
	parent, err := r.Get(ctx, parentID)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !parent.State.Terminal(), nil
}

func (r *Registry) publish(job *types.Job, typ events.EventType) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		JobID:     job.ID,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]string{
			"kind":  string(job.Kind),
			"state": string(job.State),
		},
	})
}

func (r *Registry) publishTransition(job *types.Job) {
	var typ events.EventType
	switch job.State {
	case types.JobStateQueued:
		typ = events.EventJobQueued
	case types.JobStateRunning:
		typ = events.EventJobRunning
	case types.JobStateSuccess:
		typ = events.EventJobSucceeded
	case types.JobStateFailure:
		typ = events.EventJobFailed
	case types.JobStateRetrying:
		typ = events.EventJobRetrying
	case types.JobStateCancelled:
		typ = events.EventJobCancelled
	default:
		return
	}
	r.publish(job, typ)
}

func sortJobsByCreation(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
