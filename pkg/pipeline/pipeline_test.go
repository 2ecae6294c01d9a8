package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/pkg/cvefeed"
	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/events"
	"github.com/scanforge/scanforge/pkg/library"
	"github.com/scanforge/scanforge/pkg/llm"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

const testCVE = "CVE-2024-9001"

const testTemplate = `id: cve-2024-9001
info:
  name: Test Panel Exposure
  severity: high
http:
  - method: GET
    path:
      - "{{BaseURL}}/panel"
    matchers:
      - type: status
        status:
          - 200
`

type testEnv struct {
	mr    *miniredis.Miniredis
	rdb   redis.UniversalClient
	reg   *registry.Registry
	sched *scheduler.Scheduler
	lib   *library.Library
	pipe  *Pipeline

	// scanFindings controls what the stubbed scan handler reports.
	scanFindings atomic.Int32
	scanCalls    atomic.Int32
}

// newTestEnv stands up the whole pipeline against miniredis, an NVD-shaped
// feed stub, an Ollama-shaped model stub, and a scan handler stub that
// reports scanFindings matching findings per run.
func newTestEnv(t *testing.T, feedBody string, modelResponse string, cfg Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody)
	}))
	t.Cleanup(feedSrv.Close)

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"response": modelResponse, "done": true})
	}))
	t.Cleanup(llmSrv.Close)

	reg := registry.NewRegistry(rdb, broker)
	sched := scheduler.NewScheduler(rdb, reg, scheduler.Options{
		RetryBase: 10 * time.Millisecond,
		RetryCap:  50 * time.Millisecond,
	})
	lib := library.NewLibrary(t.TempDir(), rdb)
	require.NoError(t, lib.Init(context.Background()))

	feed := cvefeed.NewClient(cvefeed.Config{URL: feedSrv.URL}, rdb)
	model := llm.NewClient(llm.Config{URL: llmSrv.URL, Model: "codellama", Timeout: 5 * time.Second})

	if cfg.ReferenceTarget == "" {
		cfg.ReferenceTarget = "https://target.test"
	}
	if cfg.ValidationTimeout == 0 {
		cfg.ValidationTimeout = 10 * time.Second
	}
	pipe := NewPipeline(sched, reg, lib, feed, model, rdb, broker, cfg)
	pipe.RegisterHandlers(sched)

	env := &testEnv{mr: mr, rdb: rdb, reg: reg, sched: sched, lib: lib, pipe: pipe}

	sched.Register(types.JobKindScan, func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		env.scanCalls.Add(1)
		var req types.ScanRequest
		require.NoError(t, json.Unmarshal(job.Payload, &req))
		require.True(t, req.Selector.Valid())

		n := int(env.scanFindings.Load())
		for i := 0; i < n; i++ {
			_, err := reg.AddFinding(ctx, &types.Finding{
				JobID:      job.ID,
				TemplateID: "cve-2024-9001",
				Protocol:   "http",
				Severity:   types.SeverityHigh,
				Target:     req.Target,
				MatchedAt:  req.Target + "/panel",
				Timestamp:  time.Now().UTC(),
			})
			require.NoError(t, err)
		}
		event := types.TerminalCompleted
		if n == 0 {
			event = types.TerminalNoResults
		}
		return json.Marshal(types.ScanOutcome{FindingsCount: n, TerminalEvent: event})
	})

	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)
	return env
}

func feedWith(ids ...string) string {
	type vuln struct {
		CVE map[string]interface{} `json:"cve"`
	}
	vulns := make([]vuln, 0, len(ids))
	for _, id := range ids {
		vulns = append(vulns, vuln{CVE: map[string]interface{}{
			"id":        id,
			"published": time.Now().UTC().Format("2006-01-02T15:04:05.000"),
			"descriptions": []map[string]string{
				{"lang": "en", "value": "An exposed admin panel."},
			},
			"references": []map[string]string{
				{"url": "https://example.com/advisory"},
			},
		}})
	}
	out, _ := json.Marshal(map[string]interface{}{"vulnerabilities": vulns})
	return string(out)
}

func fenced(body string) string {
	return "Here you go:\n```yaml\n" + body + "```\n"
}

func (env *testEnv) waitFinished(t *testing.T, runID string) *types.PipelineRun {
	t.Helper()
	var run *types.PipelineRun
	require.Eventually(t, func() bool {
		var err error
		run, err = env.pipe.GetRun(context.Background(), runID)
		return err == nil && !run.FinishedAt.IsZero()
	}, 15*time.Second, 25*time.Millisecond, "pipeline run did not finish")
	return run
}

func TestPipelineHappyPath(t *testing.T) {
	env := newTestEnv(t, feedWith(testCVE), fenced(testTemplate), Config{})
	env.scanFindings.Store(1)
	ctx := context.Background()

	run, err := env.pipe.Trigger(ctx, types.TriggerManual, "")
	require.NoError(t, err)

	run = env.waitFinished(t, run.ID)
	assert.Equal(t, []string{testCVE}, run.CVEBatch)

	tpl, err := env.lib.Get(ctx, "cve-2024-9001")
	require.NoError(t, err)
	assert.Equal(t, types.ValidationValid, tpl.ValidationState)
	assert.Equal(t, types.OriginAIGenerated, tpl.Origin)

	root, err := env.reg.Get(ctx, run.RootJobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSuccess, root.State)

	counters, err := env.pipe.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters[types.MetricTemplatesGenerated])
	assert.EqualValues(t, 1, counters[types.MetricTemplatesValidated])
	assert.EqualValues(t, 0, counters[types.MetricValidationsFailed])

	perCVE, err := env.pipe.CVEMetrics(ctx, testCVE)
	require.NoError(t, err)
	assert.EqualValues(t, 1, perCVE[types.MetricTemplatesValidated])
}

func TestPipelineRefinementExhausted(t *testing.T) {
	env := newTestEnv(t, feedWith(testCVE), fenced(testTemplate), Config{MaxRefinements: 1})
	// The reference target never matches, so every validation fails.
	env.scanFindings.Store(0)
	ctx := context.Background()

	run, err := env.pipe.Trigger(ctx, types.TriggerManual, "")
	require.NoError(t, err)
	run = env.waitFinished(t, run.ID)

	// Initial validation plus one refinement round.
	assert.EqualValues(t, 2, env.scanCalls.Load())

	refined, err := env.lib.Get(ctx, "cve-2024-9001.r1")
	require.NoError(t, err)
	assert.Equal(t, types.ValidationInvalidMaxRetry, refined.ValidationState)
	assert.Equal(t, types.OriginAIRefined, refined.Origin)

	counters, err := env.pipe.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counters[types.MetricValidationsFailed])
	assert.EqualValues(t, 1, counters[types.MetricRefinementsAttempted])
	assert.EqualValues(t, 1, counters[types.MetricRefinementsExhausted])
	assert.EqualValues(t, 0, counters[types.MetricTemplatesValidated])

	root, err := env.reg.Get(ctx, run.RootJobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSuccess, root.State, "an exhausted template still completes the run")
}

func TestPipelineNoNovelCVEs(t *testing.T) {
	env := newTestEnv(t, feedWith(), fenced(testTemplate), Config{})
	ctx := context.Background()

	run, err := env.pipe.Trigger(ctx, types.TriggerScheduled, "")
	require.NoError(t, err)
	run = env.waitFinished(t, run.ID)

	assert.Empty(t, run.CVEBatch)
	assert.Zero(t, env.scanCalls.Load())
}

func TestPipelineSkipsUnusableModelOutput(t *testing.T) {
	env := newTestEnv(t, feedWith(testCVE), "I cannot write that template, sorry.", Config{GenerateAttempts: 1})
	ctx := context.Background()

	run, err := env.pipe.Trigger(ctx, types.TriggerManual, "")
	require.NoError(t, err)
	run = env.waitFinished(t, run.ID)

	assert.Equal(t, []string{testCVE}, run.CVEBatch)
	assert.Zero(t, env.scanCalls.Load(), "nothing stored, nothing validated")

	_, err = env.lib.Get(ctx, "cve-2024-9001")
	assert.Error(t, err)

	counters, err := env.pipe.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counters[types.MetricTemplatesGenerated])
}

func TestPipelineSkipsCoveredCVE(t *testing.T) {
	env := newTestEnv(t, feedWith(testCVE), fenced(testTemplate), Config{})
	ctx := context.Background()

	// Pre-seed a valid template for the CVE; fetch must drop it.
	tpl, err := env.lib.StoreAI(ctx, testCVE, testTemplate, 0, types.OriginAIGenerated)
	require.NoError(t, err)
	require.NoError(t, env.lib.SetValidationState(ctx, tpl.ID, types.ValidationValidating))
	require.NoError(t, env.lib.SetValidationState(ctx, tpl.ID, types.ValidationValid))

	run, err := env.pipe.Trigger(ctx, types.TriggerScheduled, "")
	require.NoError(t, err)
	run = env.waitFinished(t, run.ID)

	assert.Empty(t, run.CVEBatch)
	assert.Zero(t, env.scanCalls.Load())
}

func TestTriggerIsIdempotent(t *testing.T) {
	env := newTestEnv(t, feedWith(), fenced(testTemplate), Config{})
	ctx := context.Background()

	first, err := env.pipe.Trigger(ctx, types.TriggerManual, "run-42")
	require.NoError(t, err)
	env.waitFinished(t, "run-42")

	second, err := env.pipe.Trigger(ctx, types.TriggerManual, "run-42")
	require.NoError(t, err)
	assert.Equal(t, first.RootJobID, second.RootJobID)
}

func TestPipelineFetchFailureFailsRun(t *testing.T) {
	mrFeed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer mrFeed.Close()

	env := newTestEnv(t, feedWith(), fenced(testTemplate), Config{})
	// Point the feed at the broken server.
	env.pipe.feed = cvefeed.NewClient(cvefeed.Config{URL: mrFeed.URL}, env.rdb)
	ctx := context.Background()

	run, err := env.pipe.Trigger(ctx, types.TriggerScheduled, "")
	require.NoError(t, err)

	var root *types.Job
	require.Eventually(t, func() bool {
		var err error
		root, err = env.reg.Get(ctx, run.RootJobID)
		return err == nil && root.State == types.JobStateFailure
	}, 15*time.Second, 25*time.Millisecond, "root job should fail once fetch retries are spent")
	assert.Equal(t, "FeedUnavailable", root.ErrorKind)

	got, err := env.pipe.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestPipelineFailsRunWhenEveryGenerationFails(t *testing.T) {
	downSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer downSrv.Close()

	env := newTestEnv(t, feedWith(testCVE), fenced(testTemplate), Config{})
	// Point the model at an outage that outlasts every retry: the whole
	// generation group dies, leaving only null holes in the vector.
	env.pipe.model = llm.NewClient(llm.Config{URL: downSrv.URL, Model: "codellama", Timeout: time.Second})
	ctx := context.Background()

	run, err := env.pipe.Trigger(ctx, types.TriggerManual, "")
	require.NoError(t, err)
	run = env.waitFinished(t, run.ID)

	root, err := env.reg.Get(ctx, run.RootJobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailure, root.State)
	assert.Contains(t, root.Error, "no templates generated")
	assert.Zero(t, env.scanCalls.Load())
}

// seedRunWithPending creates a run record with n outstanding validation
// slots, bypassing the fetch stage.
func seedRunWithPending(t *testing.T, env *testEnv, runID string, n int64) *types.PipelineRun {
	t.Helper()
	ctx := context.Background()

	root := &types.Job{Kind: types.JobKindPipelineRoot, Queue: scheduler.QueuePipeline}
	require.NoError(t, env.reg.Create(ctx, root))
	_, err := env.reg.Transition(ctx, root.ID, types.JobStateRunning, nil)
	require.NoError(t, err)

	run := &types.PipelineRun{ID: runID, RootJobID: root.ID, StartedAt: time.Now().UTC()}
	require.NoError(t, env.pipe.saveRun(ctx, run))
	require.NoError(t, env.pipe.addPending(ctx, runID, n))
	return run
}

func TestFailPendingHonorsRetryBudget(t *testing.T) {
	env := newTestEnv(t, feedWith(), fenced(testTemplate), Config{})
	ctx := context.Background()
	run := seedRunWithPending(t, env, "run-slots", 2)

	transient := errdefs.Wrapf(errdefs.ErrKVUnavailable, "blip")
	job := &types.Job{Attempt: 1, MaxAttempts: 3}

	// Attempts the scheduler will re-run must not spend the slot.
	env.pipe.failPending(ctx, run.ID, job, transient)
	env.pipe.failPending(ctx, run.ID, job, transient)
	left, err := env.rdb.Get(ctx, pendingKey(run.ID)).Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 2, left)

	// The final attempt spends it.
	job.Attempt = 3
	env.pipe.failPending(ctx, run.ID, job, transient)
	left, err = env.rdb.Get(ctx, pendingKey(run.ID)).Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)

	// Non-retryable failures spend it regardless of remaining budget,
	// and the last slot closes the run.
	job.Attempt = 1
	env.pipe.failPending(ctx, run.ID, job, errdefs.Wrapf(errdefs.ErrInvalidOutput, "garbage"))
	got, err := env.pipe.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestRefineMissingTemplateSpendsSlotOnce(t *testing.T) {
	env := newTestEnv(t, feedWith(), fenced(testTemplate), Config{})
	ctx := context.Background()
	run := seedRunWithPending(t, env, "run-missing", 2)

	payload, err := json.Marshal(refinePayload{
		RunID:       run.ID,
		TemplateID:  "cve-2024-0000",
		CVEID:       "CVE-2024-0000",
		NextAttempt: 1,
	})
	require.NoError(t, err)
	job := &types.Job{Kind: types.JobKindRefineTemplate, Payload: payload, Attempt: 1, MaxAttempts: 3}

	_, err = env.pipe.HandleRefine(ctx, job)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	left, err := env.rdb.Get(ctx, pendingKey(run.ID)).Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 1, left, "a dead refinement spends exactly one slot")
}

func TestRunSeedIsDeterministic(t *testing.T) {
	assert.Equal(t, runSeed("run-a"), runSeed("run-a"))
	assert.NotEqual(t, runSeed("run-a"), runSeed("run-b"))
	assert.GreaterOrEqual(t, runSeed("run-a"), int64(0))
}
