package scan

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/runtime"
	"github.com/scanforge/scanforge/pkg/types"
)

// fakeRunner scripts a scan's output without a container runtime.
type fakeRunner struct {
	stdout    []string
	exitCode  uint32
	launchErr error

	// holdOpen keeps the log stream open until the context dies, for
	// timeout and loop scenarios.
	holdOpen bool

	launched  atomic.Bool
	destroyed atomic.Bool
}

func (f *fakeRunner) Launch(ctx context.Context, spec runtime.LaunchSpec) (*runtime.Handle, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launched.Store(true)
	return &runtime.Handle{ContainerName: spec.ContainerName, Target: spec.Target, StartTime: time.Now()}, nil
}

func (f *fakeRunner) StreamLogs(ctx context.Context, h *runtime.Handle) (<-chan runtime.LogChunk, func(), error) {
	out := make(chan runtime.LogChunk)
	go func() {
		defer close(out)
		var offset int64
		for _, line := range f.stdout {
			data := []byte(line + "\n")
			select {
			case out <- runtime.LogChunk{Source: runtime.SourceStdout, Offset: offset, Data: data}:
				offset += int64(len(data))
			case <-ctx.Done():
				return
			}
		}
		if f.holdOpen {
			<-ctx.Done()
		}
	}()
	return out, func() {}, nil
}

func (f *fakeRunner) Wait(ctx context.Context, h *runtime.Handle) (uint32, error) {
	if f.holdOpen {
		<-ctx.Done()
		return 0, errdefs.Wrapf(errdefs.ErrTimeout, "container %s", h.ContainerName)
	}
	return f.exitCode, nil
}

func (f *fakeRunner) Destroy(ctx context.Context, h *runtime.Handle) error {
	f.destroyed.Store(true)
	return nil
}

func newTestExecutor(t *testing.T, runner runtime.Runner) (*Executor, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := registry.NewRegistry(rdb, nil)
	e := NewExecutor(runner, reg, nil, Config{
		Image:   "projectdiscovery/nuclei:latest",
		Timeout: 5 * time.Second,
	})
	return e, reg
}

func scanJob(t *testing.T, reg *registry.Registry, req types.ScanRequest) *types.Job {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	job := &types.Job{Kind: types.JobKindScan, Queue: "scans", Payload: payload}
	require.NoError(t, reg.Create(context.Background(), job))
	_, err = reg.Transition(context.Background(), job.ID, types.JobStateRunning, nil)
	require.NoError(t, err)
	return job
}

func TestHandleCompletedScan(t *testing.T) {
	runner := &fakeRunner{
		stdout: []string{
			"[INF] Current nuclei version: v3.1.0",
			"[INF] Templates loaded for current scan: 712",
			"[CVE-2021-44228] [http] [critical] https://example.com:8080",
			"[tech-detect] [http] [info] https://example.com nginx",
			"[INF] scan completed in 12s",
		},
	}
	e, reg := newTestExecutor(t, runner)
	job := scanJob(t, reg, types.ScanRequest{
		Target:   "https://example.com",
		Selector: types.TemplateSelector{All: true},
	})

	result, err := e.Handle(context.Background(), job)
	require.NoError(t, err)

	var outcome types.ScanOutcome
	require.NoError(t, json.Unmarshal(result, &outcome))
	assert.Equal(t, types.TerminalCompleted, outcome.TerminalEvent)
	assert.Equal(t, 2, outcome.FindingsCount)
	assert.True(t, runner.destroyed.Load(), "container must be destroyed")

	findings, err := reg.ListFindings(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "CVE-2021-44228", findings[0].TemplateID)
	assert.Equal(t, types.SeverityCritical, findings[0].Severity)

	// Raw output landed in the job log.
	data, _, err := reg.ReadLog(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, string(data), "scan completed")

	got, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ContainerName)
}

func TestHandleNoResults(t *testing.T) {
	runner := &fakeRunner{
		stdout: []string{
			"[INF] Templates loaded for current scan: 3",
			"[INF] No results found. Better luck next time!",
		},
	}
	e, reg := newTestExecutor(t, runner)
	job := scanJob(t, reg, types.ScanRequest{
		Target:   "example.com",
		Selector: types.TemplateSelector{All: true},
	})

	result, err := e.Handle(context.Background(), job)
	require.NoError(t, err)

	var outcome types.ScanOutcome
	require.NoError(t, json.Unmarshal(result, &outcome))
	assert.Equal(t, types.TerminalNoResults, outcome.TerminalEvent)
	assert.Zero(t, outcome.FindingsCount)
}

func TestHandleLoopDetected(t *testing.T) {
	lines := make([]string, 60)
	for i := range lines {
		lines[i] = "runner stuck on the same host"
	}
	runner := &fakeRunner{stdout: lines, holdOpen: true}

	e, reg := newTestExecutor(t, runner)
	job := scanJob(t, reg, types.ScanRequest{
		Target:   "example.com",
		Selector: types.TemplateSelector{All: true},
	})

	result, err := e.Handle(context.Background(), job)
	require.NoError(t, err)

	var outcome types.ScanOutcome
	require.NoError(t, json.Unmarshal(result, &outcome))
	assert.Equal(t, types.TerminalLoopDetected, outcome.TerminalEvent)
	assert.True(t, runner.destroyed.Load())
}

func TestHandleTimeout(t *testing.T) {
	runner := &fakeRunner{holdOpen: true}
	e, reg := newTestExecutor(t, runner)
	e.cfg.Timeout = 100 * time.Millisecond

	job := scanJob(t, reg, types.ScanRequest{
		Target:   "example.com",
		Selector: types.TemplateSelector{All: true},
	})

	result, err := e.Handle(context.Background(), job)
	require.NoError(t, err)

	var outcome types.ScanOutcome
	require.NoError(t, json.Unmarshal(result, &outcome))
	assert.Equal(t, types.TerminalTimeout, outcome.TerminalEvent)
	assert.True(t, runner.destroyed.Load())
}

func TestHandleLaunchFailure(t *testing.T) {
	runner := &fakeRunner{launchErr: errdefs.Wrapf(errdefs.ErrImageMissing, "pull failed")}
	e, reg := newTestExecutor(t, runner)

	job := scanJob(t, reg, types.ScanRequest{
		Target:   "example.com",
		Selector: types.TemplateSelector{All: true},
	})

	_, err := e.Handle(context.Background(), job)
	assert.ErrorIs(t, err, errdefs.ErrImageMissing)
}

func TestHandleInvalidSelector(t *testing.T) {
	e, reg := newTestExecutor(t, &fakeRunner{})

	job := scanJob(t, reg, types.ScanRequest{
		Target: "example.com",
		Selector: types.TemplateSelector{
			All:  true,
			File: "also-a-file.yaml",
		},
	})

	_, err := e.Handle(context.Background(), job)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestFindingReplayIsIdempotent(t *testing.T) {
	line := "[CVE-2021-44228] [http] [critical] https://example.com"
	runner := &fakeRunner{stdout: []string{line, line, "[INF] scan completed in 1s"}}

	e, reg := newTestExecutor(t, runner)
	job := scanJob(t, reg, types.ScanRequest{
		Target:   "https://example.com",
		Selector: types.TemplateSelector{All: true},
	})

	result, err := e.Handle(context.Background(), job)
	require.NoError(t, err)

	var outcome types.ScanOutcome
	require.NoError(t, json.Unmarshal(result, &outcome))
	assert.Equal(t, 1, outcome.FindingsCount)

	findings, err := reg.ListFindings(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}
