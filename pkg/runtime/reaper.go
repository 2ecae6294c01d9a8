package runtime

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/metrics"
)

const (
	// DefaultContainerTTL is how long a finished container's handle may
	// linger for late log consumers before the reaper destroys it.
	DefaultContainerTTL = 5 * time.Minute

	reapInterval = 30 * time.Second
)

// Reaper destroys finished scan containers after a grace period and sweeps
// orphaned scan containers left over from a previous process.
type Reaper struct {
	runner *ContainerdRunner
	ttl    time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	tracked map[string]*trackedHandle

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type trackedHandle struct {
	handle     *Handle
	finishedAt time.Time
}

// NewReaper creates a reaper bound to a runner. Start must be called for
// background reaping; Track/Untrack work either way.
func NewReaper(runner *ContainerdRunner) *Reaper {
	return &Reaper{
		runner:  runner,
		ttl:     DefaultContainerTTL,
		logger:  log.WithComponent("reaper"),
		tracked: make(map[string]*trackedHandle),
		stopCh:  make(chan struct{}),
	}
}

// SetTTL overrides the grace period before Start is called.
func (rp *Reaper) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		rp.ttl = ttl
	}
}

// Track registers a live handle for TTL-based cleanup.
func (rp *Reaper) Track(h *Handle) {
	rp.mu.Lock()
	rp.tracked[h.ContainerName] = &trackedHandle{handle: h}
	rp.mu.Unlock()
}

// Untrack removes a handle, normally because its owner destroyed it.
func (rp *Reaper) Untrack(h *Handle) {
	rp.mu.Lock()
	delete(rp.tracked, h.ContainerName)
	rp.mu.Unlock()
}

// Start sweeps orphans from a previous process, then runs the reap loop
// until Stop.
func (rp *Reaper) Start(ctx context.Context) error {
	if err := rp.sweepOrphans(ctx); err != nil {
		rp.logger.Warn().Err(err).Msg("orphan sweep on startup")
	}

	rp.wg.Add(1)
	go rp.run(ctx)
	rp.logger.Info().Dur("ttl", rp.ttl).Msg("reaper started")
	return nil
}

// Stop halts the reap loop and destroys everything still tracked.
func (rp *Reaper) Stop() {
	close(rp.stopCh)
	rp.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rp.reapAll(ctx)
}

func (rp *Reaper) run(ctx context.Context) {
	defer rp.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.reapExpired(ctx)
		}
	}
}

// reapExpired destroys tracked containers that finished more than ttl ago.
func (rp *Reaper) reapExpired(ctx context.Context) {
	now := time.Now()

	rp.mu.Lock()
	var expired []*Handle
	for _, th := range rp.tracked {
		if !th.handle.isFinished() {
			continue
		}
		if th.finishedAt.IsZero() {
			th.finishedAt = now
			continue
		}
		if now.Sub(th.finishedAt) >= rp.ttl {
			expired = append(expired, th.handle)
		}
	}
	rp.mu.Unlock()

	for _, h := range expired {
		rp.reapOne(ctx, h)
	}
}

func (rp *Reaper) reapAll(ctx context.Context) {
	rp.mu.Lock()
	handles := make([]*Handle, 0, len(rp.tracked))
	for _, th := range rp.tracked {
		handles = append(handles, th.handle)
	}
	rp.mu.Unlock()

	for _, h := range handles {
		rp.reapOne(ctx, h)
	}
}

func (rp *Reaper) reapOne(ctx context.Context, h *Handle) {
	if err := rp.runner.Destroy(ctx, h); err != nil {
		rp.logger.Warn().Err(err).Str("container", h.ContainerName).Msg("reap container")
		return
	}
	removeLogFiles(h)
	metrics.ContainersReaped.Inc()
	rp.logger.Info().Str("container", h.ContainerName).Msg("container reaped")
}

// sweepOrphans destroys scan containers that exist in the runtime but are
// not tracked by this process, i.e. leftovers from a crash.
func (rp *Reaper) sweepOrphans(ctx context.Context) error {
	names, err := rp.runner.ListScanContainers(ctx)
	if err != nil {
		return err
	}

	rp.mu.Lock()
	orphans := make([]string, 0)
	for _, name := range names {
		if _, ok := rp.tracked[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	rp.mu.Unlock()

	for _, name := range orphans {
		h := &Handle{ContainerName: name, hwm: make(map[LogSource]int64)}
		h.markFinished()
		if err := rp.runner.Destroy(ctx, h); err != nil {
			rp.logger.Warn().Err(err).Str("container", name).Msg("sweep orphan")
			continue
		}
		metrics.ContainersReaped.Inc()
		rp.logger.Info().Str("container", name).Msg("orphan container swept")
	}
	return nil
}

func removeLogFiles(h *Handle) {
	if h.stdoutPath != "" {
		os.Remove(h.stdoutPath)
	}
	if h.stderrPath != "" {
		os.Remove(h.stderrPath)
	}
}
