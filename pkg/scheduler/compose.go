package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/types"
)

// Composition state lives in Redis so completion hooks fire regardless of
// which worker finishes a member.
func chainNextKey(jobID string) string  { return "chain:next:" + jobID }
func chainRootKey(jobID string) string  { return "chain:root:" + jobID }
func groupOfKey(jobID string) string    { return "group:of:" + jobID }
func groupMembersKey(id string) string  { return "group:members:" + id }
func groupPendingKey(id string) string  { return "group:pending:" + id }
func groupResultsKey(id string) string  { return "group:results:" + id }
func groupFailedKey(id string) string   { return "group:failed:" + id }
func groupCallbackKey(id string) string { return "group:callback:" + id }
func groupJobKey(id string) string      { return "group:job:" + id }

// ChainLink is one stage of a chain.
type ChainLink struct {
	Kind        types.JobKind
	Queue       string
	MaxAttempts int
}

// Chain submits A then runs each following link when its predecessor
// succeeds, feeding the predecessor's result in as payload. Any failure
// marks the remaining links and the chain root failed. Returns the jobs
// in order; the first is already queued, the rest are created but held.
func (s *Scheduler) Chain(ctx context.Context, parentID string, payload json.RawMessage, links []ChainLink) ([]*types.Job, error) {
	if len(links) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "empty chain")
	}

	// Create the held links first so the chain pointers exist before the
	// head can finish.
	jobs := make([]*types.Job, len(links))
	for i := len(links) - 1; i >= 1; i-- {
		job := &types.Job{
			Kind:        links[i].Kind,
			Queue:       links[i].Queue,
			ParentID:    parentID,
			MaxAttempts: links[i].MaxAttempts,
		}
		if job.MaxAttempts == 0 {
			job.MaxAttempts = defaultMaxAttempts(job.Kind)
		}
		if err := s.registry.Create(ctx, job); err != nil {
			return nil, err
		}
		jobs[i] = job
	}

	head := &types.Job{
		Kind:        links[0].Kind,
		Queue:       links[0].Queue,
		ParentID:    parentID,
		Payload:     payload,
		MaxAttempts: links[0].MaxAttempts,
	}
	if head.MaxAttempts == 0 {
		head.MaxAttempts = defaultMaxAttempts(head.Kind)
	}
	if err := s.registry.Create(ctx, head); err != nil {
		return nil, err
	}
	jobs[0] = head

	rootID := parentID
	if rootID == "" {
		rootID = head.ID
	}
	pipe := s.rdb.Pipeline()
	for i := 0; i < len(jobs)-1; i++ {
		pipe.Set(ctx, chainNextKey(jobs[i].ID), jobs[i+1].ID, 0)
	}
	for _, j := range jobs {
		pipe.Set(ctx, chainRootKey(j.ID), rootID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "wire chain: %v", err)
	}

	if err := s.checkCap(ctx, head.Queue); err != nil {
		return nil, err
	}
	if err := s.push(ctx, head.Queue, head.ID); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GroupSpec describes a fan-out of independent tasks with an optional
// callback that receives the vector of member results.
type GroupSpec struct {
	ParentID string
	Members  []SubmitRequest

	// Callback, when set, is submitted once every member finished. Its
	// payload is the JSON vector of member results in member order.
	Callback *ChainLink
}

// Group submits every member and registers completion bookkeeping. The
// returned job is the group root: it succeeds iff all members succeed,
// and its result is the vector of member results.
func (s *Scheduler) Group(ctx context.Context, spec GroupSpec) (*types.Job, []*types.Job, error) {
	if len(spec.Members) == 0 {
		return nil, nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "empty group")
	}

	root := &types.Job{
		Kind:     types.JobKindPipelineRoot,
		Queue:    QueuePipeline,
		ParentID: spec.ParentID,
	}
	if err := s.registry.Create(ctx, root); err != nil {
		return nil, nil, err
	}
	// The group root is not dispatched; it goes running immediately and
	// is completed by the last member's hook.
	if _, err := s.registry.Transition(ctx, root.ID, types.JobStateRunning, nil); err != nil {
		return nil, nil, err
	}

	members := make([]*types.Job, 0, len(spec.Members))
	for _, req := range spec.Members {
		req.ParentID = root.ID
		job := &types.Job{
			Kind:        req.Kind,
			Queue:       req.Queue,
			Payload:     req.Payload,
			ParentID:    root.ID,
			MaxAttempts: req.MaxAttempts,
		}
		if job.MaxAttempts == 0 {
			job.MaxAttempts = defaultMaxAttempts(job.Kind)
		}
		if err := s.registry.Create(ctx, job); err != nil {
			return nil, nil, err
		}
		members = append(members, job)
	}

	pipe := s.rdb.Pipeline()
	memberIDs := make([]interface{}, 0, len(members))
	for i, m := range members {
		memberIDs = append(memberIDs, m.ID)
		pipe.Set(ctx, groupOfKey(m.ID), root.ID, 0)
		pipe.HSet(ctx, groupResultsKey(root.ID), "order:"+m.ID, i)
	}
	pipe.RPush(ctx, groupMembersKey(root.ID), memberIDs...)
	pipe.Set(ctx, groupPendingKey(root.ID), len(members), 0)
	pipe.Set(ctx, groupJobKey(root.ID), root.ID, 0)
	if spec.Callback != nil {
		cb := &types.Job{
			Kind:        spec.Callback.Kind,
			Queue:       spec.Callback.Queue,
			ParentID:    root.ID,
			MaxAttempts: spec.Callback.MaxAttempts,
		}
		if cb.MaxAttempts == 0 {
			cb.MaxAttempts = defaultMaxAttempts(cb.Kind)
		}
		if err := s.registry.Create(ctx, cb); err != nil {
			return nil, nil, err
		}
		pipe.Set(ctx, groupCallbackKey(root.ID), cb.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "wire group: %v", err)
	}

	for _, m := range members {
		if err := s.push(ctx, m.Queue, m.ID); err != nil {
			return nil, nil, err
		}
	}
	return root, members, nil
}

// advanceChain runs after a terminal transition: on success it feeds the
// result to the next link and queues it; on failure or cancellation it
// fails the rest of the chain and the chain root.
func (s *Scheduler) advanceChain(ctx context.Context, job *types.Job) error {
	nextID, err := s.rdb.Get(ctx, chainNextKey(job.ID)).Result()
	if err == redis.Nil {
		return nil // not in a chain, or the tail
	}
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "chain next of %s: %v", job.ID, err)
	}
	s.rdb.Del(ctx, chainNextKey(job.ID))

	if job.State == types.JobStateSuccess {
		next, err := s.registry.Get(ctx, nextID)
		if err != nil {
			return err
		}
		// The successor inherits the predecessor's result as its input.
		if job.Result != nil {
			if err := s.setPayload(ctx, nextID, job.Result); err != nil {
				return err
			}
		}
		return s.push(ctx, next.Queue, nextID)
	}

	// Abort: fail the remaining links and the root.
	reason := fmt.Sprintf("chain aborted: %s %s", job.ID, job.State)
	for id := nextID; id != ""; {
		_, terr := s.registry.Transition(ctx, id, types.JobStateFailure, func(j *types.Job) {
			j.Error = reason
			j.ErrorKind = job.ErrorKind
		})
		if terr != nil && !errdefs.IsIllegalTransition(terr) && !errdefs.IsNotFound(terr) {
			return terr
		}
		following, err := s.rdb.Get(ctx, chainNextKey(id)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrKVUnavailable, "chain next of %s: %v", id, err)
		}
		s.rdb.Del(ctx, chainNextKey(id))
		id = following
	}

	rootID, err := s.rdb.Get(ctx, chainRootKey(job.ID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "chain root of %s: %v", job.ID, err)
	}
	if rootID == job.ID {
		return nil // the failed link is the root itself
	}
	_, terr := s.registry.Transition(ctx, rootID, types.JobStateFailure, func(j *types.Job) {
		j.Error = reason
		j.ErrorKind = job.ErrorKind
	})
	if terr != nil && !errdefs.IsIllegalTransition(terr) && !errdefs.IsNotFound(terr) {
		return terr
	}
	return nil
}

// completeGroupMember records a member's terminal state and, when it was
// the last one, completes the group root and dispatches the callback.
func (s *Scheduler) completeGroupMember(ctx context.Context, job *types.Job) error {
	groupID, err := s.rdb.Get(ctx, groupOfKey(job.ID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "group of %s: %v", job.ID, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, groupResultsKey(groupID), "result:"+job.ID, string(job.Result))
	if job.State != types.JobStateSuccess {
		pipe.Set(ctx, groupFailedKey(groupID), 1, 0)
	}
	pending := pipe.Decr(ctx, groupPendingKey(groupID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "group bookkeeping for %s: %v", groupID, err)
	}
	if pending.Val() > 0 {
		return nil
	}

	return s.completeGroup(ctx, groupID)
}

func (s *Scheduler) completeGroup(ctx context.Context, groupID string) error {
	memberIDs, err := s.rdb.LRange(ctx, groupMembersKey(groupID), 0, -1).Result()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "group members of %s: %v", groupID, err)
	}
	fields, err := s.rdb.HGetAll(ctx, groupResultsKey(groupID)).Result()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "group results of %s: %v", groupID, err)
	}

	results := make([]json.RawMessage, len(memberIDs))
	for i, id := range memberIDs {
		if raw, ok := fields["result:"+id]; ok && raw != "" {
			results[i] = json.RawMessage(raw)
		} else {
			results[i] = json.RawMessage("null")
		}
	}
	vector, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal group results: %w", err)
	}

	failed, err := s.rdb.Exists(ctx, groupFailedKey(groupID)).Result()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "group failure flag of %s: %v", groupID, err)
	}

	finalState := types.JobStateSuccess
	if failed > 0 {
		finalState = types.JobStateFailure
	}
	_, terr := s.registry.Transition(ctx, groupID, finalState, func(j *types.Job) {
		j.Result = vector
		if failed > 0 {
			j.Error = "one or more group members failed"
		}
	})
	if terr != nil && !errdefs.IsIllegalTransition(terr) {
		return terr
	}

	// The callback runs on group completion regardless of outcome,
	// receiving the result vector.
	cbID, err := s.rdb.Get(ctx, groupCallbackKey(groupID)).Result()
	if err == redis.Nil {
		s.cleanupGroup(ctx, groupID, memberIDs)
		return nil
	}
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "group callback of %s: %v", groupID, err)
	}

	cb, err := s.registry.Get(ctx, cbID)
	if err != nil {
		return err
	}
	if err := s.setPayload(ctx, cbID, vector); err != nil {
		return err
	}
	if err := s.push(ctx, cb.Queue, cbID); err != nil {
		return err
	}
	s.cleanupGroup(ctx, groupID, memberIDs)
	return nil
}

func (s *Scheduler) cleanupGroup(ctx context.Context, groupID string, memberIDs []string) {
	pipe := s.rdb.Pipeline()
	for _, id := range memberIDs {
		pipe.Del(ctx, groupOfKey(id))
	}
	pipe.Del(ctx, groupMembersKey(groupID))
	pipe.Del(ctx, groupPendingKey(groupID))
	pipe.Del(ctx, groupResultsKey(groupID))
	pipe.Del(ctx, groupFailedKey(groupID))
	pipe.Del(ctx, groupCallbackKey(groupID))
	pipe.Del(ctx, groupJobKey(groupID))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("group_id", groupID).Msg("group cleanup")
	}
}

// setPayload rewrites a job's payload in place. Only used on jobs that
// are queued and not yet visible to any worker.
func (s *Scheduler) setPayload(ctx context.Context, jobID string, payload json.RawMessage) error {
	return s.registry.SetPayload(ctx, jobID, payload)
}
