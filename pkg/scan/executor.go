package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/events"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/metrics"
	"github.com/scanforge/scanforge/pkg/nuclei"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/runtime"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

// Config tunes scan execution.
type Config struct {
	Image       string
	Timeout     time.Duration
	NetworkMode string
	Resources   runtime.Resources

	// CustomTemplatesDir is the host directory mounted into the scanner
	// when a scan selects a single template file by bare name.
	CustomTemplatesDir string

	// AITemplatesDir is the host directory of the generated template
	// library, mounted when a selector names nuclei.AIMountDir.
	AITemplatesDir string
}

// Executor runs scan-kind jobs: it launches the scanner container, pumps
// its output through the parser into the registry, waits for exit, and
// always destroys the container.
type Executor struct {
	runner   runtime.Runner
	registry *registry.Registry
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger
}

// NewExecutor wires a scan executor.
func NewExecutor(runner runtime.Runner, reg *registry.Registry, broker *events.Broker, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = runtime.DefaultTimeout
	}
	return &Executor{
		runner:   runner,
		registry: reg,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("scan"),
	}
}

// RegisterHandlers binds every scan-kind job to this executor.
func (e *Executor) RegisterHandlers(s *scheduler.Scheduler) {
	s.Register(types.JobKindScan, e.Handle)
	s.Register(types.JobKindCustomScan, e.Handle)
	s.Register(types.JobKindAIScan, e.Handle)
}

// Handle implements the scan dispatch contract: launch, pump, wait,
// destroy. The result is a ScanOutcome; launch failures fail the job.
func (e *Executor) Handle(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	var req types.ScanRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "scan payload: %v", err)
	}
	if !req.Selector.Valid() {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "exactly one template selector form must be set")
	}
	scanID := req.ScanID
	if scanID == "" {
		scanID = job.ID
	}
	containerName := req.ContainerName
	if containerName == "" {
		containerName = runtime.ContainerPrefix + uuid.NewString()[:12]
	}

	spec := runtime.LaunchSpec{
		Image:         e.cfg.Image,
		Target:        req.Target,
		Args:          nuclei.BuildArgs(req.Target, req.Selector),
		ContainerName: containerName,
		Timeout:       e.cfg.Timeout,
		NetworkMode:   e.cfg.NetworkMode,
		Resources:     e.cfg.Resources,
		Mounts:        e.mounts(req.Selector),
	}

	start := time.Now()
	handle, err := e.runner.Launch(ctx, spec)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(string(job.Kind), string(types.TerminalRuntimeError)).Inc()
		return nil, err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer dcancel()
		if derr := e.runner.Destroy(dctx, handle); derr != nil {
			e.logger.Warn().Err(derr).Str("container", handle.ContainerName).Msg("destroy after scan")
		}
	}()

	if err := e.registry.SetContainerName(ctx, job.ID, handle.ContainerName); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("record container name")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer waitCancel()

	pump := newPump(e, scanID, job.ID)
	chunks, stopStream, err := e.runner.StreamLogs(waitCtx, handle)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(string(job.Kind), string(types.TerminalRuntimeError)).Inc()
		return nil, err
	}
	defer stopStream()

	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		pump.run(waitCtx, chunks, waitCancel)
	}()

	exitCode, waitErr := e.runner.Wait(waitCtx, handle)
	pumpWG.Wait()

	outcome := e.classify(pump, exitCode, waitErr)
	metrics.ScansTotal.WithLabelValues(string(job.Kind), string(outcome.TerminalEvent)).Inc()
	metrics.ScanDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	e.logger.Info().
		Str("job_id", job.ID).
		Str("target", req.Target).
		Str("terminal_event", string(outcome.TerminalEvent)).
		Int("findings", outcome.FindingsCount).
		Msg("scan finished")

	result, err := json.Marshal(outcome)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) mounts(sel types.TemplateSelector) []specs.Mount {
	var mounts []specs.Mount
	for _, dir := range sel.Dirs {
		if dir == nuclei.AIMountDir && e.cfg.AITemplatesDir != "" {
			mounts = append(mounts, readOnlyBind(e.cfg.AITemplatesDir, nuclei.AIMountDir))
		}
	}
	if sel.File != "" {
		source := e.cfg.CustomTemplatesDir
		if filepath.IsAbs(sel.File) {
			source = filepath.Dir(sel.File)
		}
		if source != "" {
			mounts = append(mounts, readOnlyBind(source, nuclei.CustomMountDir))
		}
	}
	return mounts
}

func readOnlyBind(source, dest string) specs.Mount {
	return specs.Mount{
		Destination: dest,
		Type:        "bind",
		Source:      source,
		Options:     []string{"rbind", "ro"},
	}
}

func (e *Executor) classify(p *pump, exitCode uint32, waitErr error) types.ScanOutcome {
	outcome := types.ScanOutcome{
		ExitCode:      int(exitCode),
		FindingsCount: int(p.findings.Load()),
	}

	switch {
	case p.loopDetected.Load():
		outcome.TerminalEvent = types.TerminalLoopDetected
	case errdefs.IsTimeout(waitErr):
		outcome.TerminalEvent = types.TerminalTimeout
	case waitErr != nil:
		outcome.TerminalEvent = types.TerminalRuntimeError
	case outcome.FindingsCount == 0 && p.noResults.Load():
		outcome.TerminalEvent = types.TerminalNoResults
	default:
		outcome.TerminalEvent = types.TerminalCompleted
	}
	return outcome
}

// pump feeds container output through the parser, appending raw bytes to
// the job log and recording findings as they appear.
type pump struct {
	exec   *Executor
	scanID string
	jobID  string
	parser *nuclei.Parser

	findings     atomic.Int64
	noResults    atomic.Bool
	loopDetected atomic.Bool

	// partial line buffers, one per stream
	partial map[runtime.LogSource]*bytes.Buffer
}

func newPump(e *Executor, scanID, jobID string) *pump {
	return &pump{
		exec:   e,
		scanID: scanID,
		jobID:  jobID,
		parser: nuclei.NewParser(scanID),
		partial: map[runtime.LogSource]*bytes.Buffer{
			runtime.SourceStdout: {},
			runtime.SourceStderr: {},
		},
	}
}

// run consumes chunks until the stream closes. On loop detection it calls
// abort to cut the scan short.
func (p *pump) run(ctx context.Context, chunks <-chan runtime.LogChunk, abort context.CancelFunc) {
	for chunk := range chunks {
		if err := p.exec.registry.AppendLog(ctx, p.scanID, chunk.Data); err != nil {
			p.exec.logger.Warn().Err(err).Str("job_id", p.scanID).Msg("append scan log")
		}

		buf := p.partial[chunk.Source]
		buf.Write(chunk.Data)
		for {
			idx := bytes.IndexByte(buf.Bytes(), '\n')
			if idx < 0 {
				break
			}
			line := string(buf.Next(idx + 1))
			p.handleLine(ctx, line[:len(line)-1], abort)
		}
	}

	// Flush trailing unterminated lines.
	for _, buf := range p.partial {
		if buf.Len() > 0 {
			p.handleLine(ctx, buf.String(), abort)
			buf.Reset()
		}
	}
}

func (p *pump) handleLine(ctx context.Context, line string, abort context.CancelFunc) {
	for _, ev := range p.parser.ParseLine(line) {
		switch ev.Kind {
		case nuclei.EventFinding:
			p.recordFinding(ctx, ev.Finding)
		case nuclei.EventProgress:
			if ev.NoResults {
				p.noResults.Store(true)
			}
			p.publishProgress(ev)
		case nuclei.EventLoopDetected:
			p.loopDetected.Store(true)
			p.exec.logger.Warn().Str("job_id", p.scanID).Msg("output loop detected, aborting scan")
			abort()
		}
	}
}

func (p *pump) recordFinding(ctx context.Context, f *types.Finding) {
	added, err := p.exec.registry.AddFinding(ctx, f)
	if err != nil {
		p.exec.logger.Warn().Err(err).Str("job_id", p.scanID).Msg("store finding")
		return
	}
	if !added {
		return
	}
	p.findings.Add(1)
	metrics.FindingsTotal.WithLabelValues(string(f.Severity)).Inc()

	if p.exec.broker != nil {
		p.exec.broker.Publish(&events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventScanFinding,
			JobID:     p.scanID,
			Timestamp: time.Now().UTC(),
			Message:   f.TemplateID,
			Metadata: map[string]string{
				"severity":    string(f.Severity),
				"template_id": f.TemplateID,
				"matched_at":  f.MatchedAt,
			},
		})
	}
}

func (p *pump) publishProgress(ev nuclei.Event) {
	if p.exec.broker == nil {
		return
	}
	p.exec.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventScanProgress,
		JobID:     p.scanID,
		Timestamp: time.Now().UTC(),
		Message:   ev.Line,
		Metadata: map[string]string{
			"percent": strconv.Itoa(ev.Percent),
		},
	})
}
