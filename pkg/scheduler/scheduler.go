package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/types"
)

// Well-known queue names. Each queue has its own concurrency limit; items
// are FIFO within a queue and unordered across queues.
const (
	QueueScans    = "scans"
	QueuePipeline = "pipeline"
	QueueGenerate = "generate"
	QueueValidate = "validate"
	QueueRefine   = "refine"
)

// Handler executes one job. The returned bytes become the job's result;
// a returned error drives the retry policy.
type Handler func(ctx context.Context, job *types.Job) (json.RawMessage, error)

// Options tunes the scheduler. Zero values fall back to defaults.
type Options struct {
	// Concurrency is workers per queue. Queues absent from the map get 1.
	Concurrency map[string]int

	// QueueSoftCap rejects enqueues once a queue holds this many items.
	QueueSoftCap int64

	// RetryBase and RetryCap shape the exponential backoff.
	RetryBase time.Duration
	RetryCap  time.Duration

	// HeartbeatInterval is how often the worker liveness marker refreshes.
	HeartbeatInterval time.Duration

	// CancelPollInterval is how often a worker checks the shared cancel
	// flag of its running job; cancellation can arrive from any process.
	CancelPollInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.QueueSoftCap <= 0 {
		o.QueueSoftCap = 1000
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 5 * time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 5 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = registry.DefaultHeartbeat
	}
	if o.CancelPollInterval <= 0 {
		o.CancelPollInterval = time.Second
	}
	if o.Concurrency == nil {
		o.Concurrency = map[string]int{}
	}
}

// Scheduler dispatches jobs from named Redis queues to a per-queue worker
// pool, applying the retry policy and the chain/group composition hooks.
type Scheduler struct {
	rdb      redis.UniversalClient
	registry *registry.Registry
	opts     Options
	workerID string
	logger   zerolog.Logger

	mu       sync.RWMutex
	handlers map[types.JobKind]Handler

	// running maps job id to the cancel func of its handler context, so
	// Cancel can interrupt work on this process.
	runMu   sync.Mutex
	running map[string]context.CancelFunc

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Handlers must be registered before
// Start; Submit works at any time.
func NewScheduler(rdb redis.UniversalClient, reg *registry.Registry, opts Options) *Scheduler {
	opts.withDefaults()
	host, _ := os.Hostname()
	return &Scheduler{
		rdb:      rdb,
		registry: reg,
		opts:     opts,
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		logger:   log.WithComponent("scheduler"),
		handlers: make(map[types.JobKind]Handler),
		running:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job kind. Jobs of an unregistered kind
// fail immediately on dispatch.
func (s *Scheduler) Register(kind types.JobKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Scheduler) handler(kind types.JobKind) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// SubmitRequest describes one unit of work to enqueue.
type SubmitRequest struct {
	Kind        types.JobKind
	Queue       string
	Payload     json.RawMessage
	ParentID    string
	MaxAttempts int
}

// Submit creates the job in the registry and places it on its queue.
// Fails fast with QueueFull when the queue is over the soft cap.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	if req.Queue == "" {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "queue is required")
	}
	if _, ok := s.handler(req.Kind); !ok {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "no handler for kind %q", req.Kind)
	}
	if err := s.checkCap(ctx, req.Queue); err != nil {
		return nil, err
	}

	job := &types.Job{
		Kind:        req.Kind,
		Queue:       req.Queue,
		Payload:     req.Payload,
		ParentID:    req.ParentID,
		MaxAttempts: req.MaxAttempts,
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts(req.Kind)
	}
	if err := s.registry.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.push(ctx, req.Queue, job.ID); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("queue", req.Queue).
		Msg("job submitted")
	return job, nil
}

// defaultMaxAttempts encodes the per-kind retry budget: scans and
// validations run once (refinement handles validation retries), generation
// and refinement get three attempts.
func defaultMaxAttempts(kind types.JobKind) int {
	switch kind {
	case types.JobKindGenerateTemplate, types.JobKindRefineTemplate:
		return 3
	default:
		return 1
	}
}

// Start recovers jobs lost to a previous process, registers this worker,
// and launches the per-queue worker pools plus the housekeeping loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.registry.RecoverLost(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("worker-lost recovery")
	}
	if err := s.registry.RegisterWorker(ctx, s.workerID, s.opts.HeartbeatInterval); err != nil {
		return err
	}

	for _, queue := range []string{QueueScans, QueuePipeline, QueueGenerate, QueueValidate, QueueRefine} {
		n := s.opts.Concurrency[queue]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			s.wg.Add(1)
			go s.workerLoop(ctx, queue)
		}
	}

	s.wg.Add(2)
	go s.heartbeatLoop(ctx)
	go s.delayedLoop(ctx)

	s.logger.Info().Str("worker_id", s.workerID).Msg("scheduler started")
	return nil
}

// Stop halts dispatch, cancels in-flight handlers, and deregisters the
// worker.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })

	s.runMu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.runMu.Unlock()

	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.registry.DeregisterWorker(ctx, s.workerID); err != nil {
		s.logger.Warn().Err(err).Msg("deregister worker")
	}
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.registry.Heartbeat(ctx, s.workerID, s.opts.HeartbeatInterval); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat")
			}
		}
	}
}

func (s *Scheduler) trackRunning(jobID string, cancel context.CancelFunc) {
	s.runMu.Lock()
	s.running[jobID] = cancel
	s.runMu.Unlock()
}

func (s *Scheduler) untrackRunning(jobID string) {
	s.runMu.Lock()
	delete(s.running, jobID)
	s.runMu.Unlock()
}
