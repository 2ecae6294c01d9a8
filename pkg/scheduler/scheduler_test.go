package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := registry.NewRegistry(rdb, nil)
	s := NewScheduler(rdb, reg, Options{
		RetryBase:         10 * time.Millisecond,
		RetryCap:          100 * time.Millisecond,
		HeartbeatInterval: time.Second,
	})
	return s, reg
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
}

func waitForState(t *testing.T, reg *registry.Registry, jobID string, want types.JobState) *types.Job {
	t.Helper()
	var got *types.Job
	require.Eventually(t, func() bool {
		job, err := reg.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = job
		return job.State == want
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", jobID, want)
	return got
}

func TestSubmitAndExecute(t *testing.T) {
	s, reg := newTestScheduler(t)

	s.Register(types.JobKindScan, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), SubmitRequest{
		Kind:    types.JobKindScan,
		Queue:   QueueScans,
		Payload: json.RawMessage(`{"target":"example.com"}`),
	})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, types.JobStateSuccess)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	assert.False(t, done.StartedAt.IsZero())
	assert.False(t, done.FinishedAt.IsZero())
}

func TestSubmitUnregisteredKind(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, err := s.Submit(context.Background(), SubmitRequest{
		Kind:  types.JobKindScan,
		Queue: QueueScans,
	})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestQueueFull(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.opts.QueueSoftCap = 2
	s.Register(types.JobKindScan, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		return nil, nil
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, SubmitRequest{Kind: types.JobKindScan, Queue: QueueScans})
		require.NoError(t, err)
	}

	_, err := s.Submit(ctx, SubmitRequest{Kind: types.JobKindScan, Queue: QueueScans})
	assert.ErrorIs(t, err, errdefs.ErrQueueFull)
}

func TestRetryableFailureRetries(t *testing.T) {
	s, reg := newTestScheduler(t)

	var attempts atomic.Int32
	s.Register(types.JobKindGenerateTemplate, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		if attempts.Add(1) < 3 {
			return nil, errdefs.Wrapf(errdefs.ErrLLMUnavailable, "transient")
		}
		return json.RawMessage(`"done"`), nil
	})
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), SubmitRequest{
		Kind:  types.JobKindGenerateTemplate,
		Queue: QueueGenerate,
	})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, types.JobStateSuccess)
	assert.Equal(t, 3, done.Attempt)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	s, reg := newTestScheduler(t)

	var attempts atomic.Int32
	s.Register(types.JobKindGenerateTemplate, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "garbage from model")
	})
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), SubmitRequest{
		Kind:  types.JobKindGenerateTemplate,
		Queue: QueueGenerate,
	})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, types.JobStateFailure)
	assert.Equal(t, errdefs.Kind(errdefs.ErrInvalidOutput), done.ErrorKind)
	assert.EqualValues(t, 1, attempts.Load(), "invalid output must not retry")
}

func TestRetryBudgetExhausted(t *testing.T) {
	s, reg := newTestScheduler(t)

	var attempts atomic.Int32
	s.Register(types.JobKindGenerateTemplate, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errdefs.Wrapf(errdefs.ErrLLMUnavailable, "still down")
	})
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), SubmitRequest{
		Kind:        types.JobKindGenerateTemplate,
		Queue:       QueueGenerate,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, types.JobStateFailure)
	assert.Equal(t, 2, done.Attempt)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestBackoffFormula(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.opts.RetryBase = 5 * time.Second
	s.opts.RetryCap = 5 * time.Minute

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 5 * time.Second, 10 * time.Second},
		{2, 10 * time.Second, 15 * time.Second},
		{3, 20 * time.Second, 25 * time.Second},
		{10, 5 * time.Minute, 5*time.Minute + 5*time.Second},
	}
	for _, tt := range tests {
		d := s.backoff(tt.attempt)
		assert.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
		assert.LessOrEqual(t, d, tt.max, "attempt %d", tt.attempt)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s, reg := newTestScheduler(t)
	s.Register(types.JobKindScan, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		return nil, nil
	})
	// Not started: the job stays queued.

	job, err := s.Submit(context.Background(), SubmitRequest{
		Kind:  types.JobKindScan,
		Queue: QueueScans,
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), job.ID))

	got, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCancelled, got.State)

	// Idempotent on a terminal job.
	assert.NoError(t, s.Cancel(context.Background(), job.ID))
}

func TestCancelRunningJob(t *testing.T) {
	s, reg := newTestScheduler(t)

	started := make(chan struct{})
	s.Register(types.JobKindScan, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), SubmitRequest{
		Kind:  types.JobKindScan,
		Queue: QueueScans,
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, s.Cancel(context.Background(), job.ID))
	waitForState(t, reg, job.ID, types.JobStateCancelled)
}

func TestCancelRunningJobFromAnotherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	reg := registry.NewRegistry(rdb, nil)

	opts := Options{
		RetryBase:          10 * time.Millisecond,
		RetryCap:           100 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		CancelPollInterval: 10 * time.Millisecond,
	}
	worker := NewScheduler(rdb, reg, opts)

	started := make(chan struct{})
	worker.Register(types.JobKindScan, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startScheduler(t, worker)

	// A second scheduler over the same Redis, never started, models a
	// process that only submits and cancels.
	client := NewScheduler(rdb, reg, opts)

	job, err := worker.Submit(context.Background(), SubmitRequest{
		Kind:  types.JobKindScan,
		Queue: QueueScans,
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, client.Cancel(context.Background(), job.ID))
	waitForState(t, reg, job.ID, types.JobStateCancelled)
}

func TestCancelQueuedGroupMemberCompletesGroup(t *testing.T) {
	s, reg := newTestScheduler(t)

	release := make(chan struct{})
	s.Register(types.JobKindGenerateTemplate, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		<-release
		return job.Payload, nil
	})
	var callbackRan atomic.Bool
	s.Register(types.JobKindStoreTemplates, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		callbackRan.Store(true)
		return nil, nil
	})

	root, members, err := s.Group(context.Background(), GroupSpec{
		Members: []SubmitRequest{
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"a"`)},
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"b"`)},
		},
		Callback: &ChainLink{Kind: types.JobKindStoreTemplates, Queue: QueuePipeline},
	})
	require.NoError(t, err)

	// Cancelled while still queued: the member must count toward group
	// completion or the root hangs running forever.
	require.NoError(t, s.Cancel(context.Background(), members[1].ID))

	startScheduler(t, s)
	close(release)

	done := waitForState(t, reg, root.ID, types.JobStateFailure)
	assert.Contains(t, done.Error, "group members failed")
	require.Eventually(t, func() bool {
		return callbackRan.Load()
	}, 10*time.Second, 20*time.Millisecond, "callback must still fire")
}

func TestCancelGroupRoot(t *testing.T) {
	s, reg := newTestScheduler(t)
	// Not started: members stay queued, the root sits running unowned.

	root, members, err := s.Group(context.Background(), GroupSpec{
		Members: []SubmitRequest{
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"a"`)},
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"b"`)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), root.ID))

	got, err := reg.Get(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCancelled, got.State)

	for _, m := range members {
		child, err := reg.Get(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, types.JobStateCancelled, child.State)
	}
}

func TestChain(t *testing.T) {
	s, reg := newTestScheduler(t)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	s.Register(types.JobKindFetchCVEs, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		record("fetch")
		return json.RawMessage(`["CVE-2024-0001"]`), nil
	})
	s.Register(types.JobKindStoreTemplates, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		record("store")
		// The predecessor's result arrives as payload.
		assert.JSONEq(t, `["CVE-2024-0001"]`, string(job.Payload))
		return json.RawMessage(`"stored"`), nil
	})
	startScheduler(t, s)

	jobs, err := s.Chain(context.Background(), "", nil, []ChainLink{
		{Kind: types.JobKindFetchCVEs, Queue: QueuePipeline},
		{Kind: types.JobKindStoreTemplates, Queue: QueuePipeline},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	done := waitForState(t, reg, jobs[1].ID, types.JobStateSuccess)
	assert.JSONEq(t, `"stored"`, string(done.Result))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fetch", "store"}, order)
}

func TestChainAbortsOnFailure(t *testing.T) {
	s, reg := newTestScheduler(t)

	var secondRan atomic.Bool
	s.Register(types.JobKindFetchCVEs, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "bad feed")
	})
	s.Register(types.JobKindStoreTemplates, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		secondRan.Store(true)
		return nil, nil
	})
	startScheduler(t, s)

	jobs, err := s.Chain(context.Background(), "", nil, []ChainLink{
		{Kind: types.JobKindFetchCVEs, Queue: QueuePipeline},
		{Kind: types.JobKindStoreTemplates, Queue: QueuePipeline},
	})
	require.NoError(t, err)

	waitForState(t, reg, jobs[0].ID, types.JobStateFailure)
	waitForState(t, reg, jobs[1].ID, types.JobStateFailure)
	assert.False(t, secondRan.Load(), "aborted link must not execute")
}

func TestGroupAllSucceed(t *testing.T) {
	s, reg := newTestScheduler(t)

	s.Register(types.JobKindGenerateTemplate, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		return job.Payload, nil
	})
	startScheduler(t, s)

	root, members, err := s.Group(context.Background(), GroupSpec{
		Members: []SubmitRequest{
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"a"`)},
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"b"`)},
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"c"`)},
		},
	})
	require.NoError(t, err)
	require.Len(t, members, 3)

	done := waitForState(t, reg, root.ID, types.JobStateSuccess)
	assert.JSONEq(t, `["a","b","c"]`, string(done.Result), "results keep member order")
}

func TestGroupFailsWhenMemberFails(t *testing.T) {
	s, reg := newTestScheduler(t)

	s.Register(types.JobKindGenerateTemplate, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		if string(job.Payload) == `"bad"` {
			return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "nope")
		}
		return job.Payload, nil
	})
	startScheduler(t, s)

	root, _, err := s.Group(context.Background(), GroupSpec{
		Members: []SubmitRequest{
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"ok"`)},
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"bad"`)},
		},
	})
	require.NoError(t, err)

	done := waitForState(t, reg, root.ID, types.JobStateFailure)
	assert.Contains(t, done.Error, "group members failed")
}

func TestGroupCallback(t *testing.T) {
	s, reg := newTestScheduler(t)

	s.Register(types.JobKindGenerateTemplate, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		return job.Payload, nil
	})
	var callbackInput atomic.Value
	s.Register(types.JobKindStoreTemplates, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		callbackInput.Store(string(job.Payload))
		return json.RawMessage(`"cb done"`), nil
	})
	startScheduler(t, s)

	root, _, err := s.Group(context.Background(), GroupSpec{
		Members: []SubmitRequest{
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"x"`)},
			{Kind: types.JobKindGenerateTemplate, Queue: QueueGenerate, Payload: json.RawMessage(`"y"`)},
		},
		Callback: &ChainLink{Kind: types.JobKindStoreTemplates, Queue: QueuePipeline},
	})
	require.NoError(t, err)

	waitForState(t, reg, root.ID, types.JobStateSuccess)
	require.Eventually(t, func() bool {
		v, _ := callbackInput.Load().(string)
		return v != ""
	}, 10*time.Second, 20*time.Millisecond)
	assert.JSONEq(t, `["x","y"]`, callbackInput.Load().(string))
}
