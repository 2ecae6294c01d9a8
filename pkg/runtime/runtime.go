package runtime

import (
	"context"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// ContainerPrefix is the name prefix for every scanner container this
	// process launches. The reaper only touches containers carrying it.
	ContainerPrefix = "nuclei_scan_"

	// DefaultTimeout bounds a scan container's wall-clock lifetime.
	DefaultTimeout = 30 * time.Minute
)

// Resources caps a scanner container.
type Resources struct {
	CPULimit    float64
	MemoryBytes int64
	PidsLimit   int64
}

// LaunchSpec describes one scanner invocation.
type LaunchSpec struct {
	Image         string
	Target        string
	Args          []string
	ContainerName string
	Timeout       time.Duration
	NetworkMode   string // "isolated" (default) or "host"
	Resources     Resources
	Mounts        []specs.Mount
}

// LogSource tags a chunk with the stream it came from.
type LogSource string

const (
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
)

// LogChunk is one slice of container output. Offset is the byte position of
// the chunk's first byte within its source stream.
type LogChunk struct {
	Source LogSource
	Offset int64
	Data   []byte
}

// Handle is the opaque reference to a live scanner container. It is owned
// by the job that created it and destroyed exactly once.
type Handle struct {
	ContainerName string
	Target        string
	StartTime     time.Time

	stdoutPath string
	stderrPath string

	mu        sync.Mutex
	hwm       map[LogSource]int64 // high-water-mark per stream
	finished  bool
	destroyed bool
}

// markFinished records that the container process exited; log tails drain
// to EOF and stop instead of polling for more output.
func (h *Handle) markFinished() {
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
}

func (h *Handle) isFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// HighWaterMark returns the resume offset for a stream: chunks below it
// have already been delivered to a consumer.
func (h *Handle) HighWaterMark(src LogSource) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hwm[src]
}

func (h *Handle) advance(src LogSource, to int64) {
	h.mu.Lock()
	if to > h.hwm[src] {
		h.hwm[src] = to
	}
	h.mu.Unlock()
}

// Runner abstracts the container runtime for a single scanner invocation.
// The containerd implementation is the production runner; tests substitute
// fakes through this seam.
type Runner interface {
	// Launch validates the target, creates and starts the container. A
	// start failure leaves no container behind.
	Launch(ctx context.Context, spec LaunchSpec) (*Handle, error)

	// StreamLogs returns a channel of output chunks beginning at the
	// handle's high-water-mark. The returned cancel stops the tail.
	StreamLogs(ctx context.Context, h *Handle) (<-chan LogChunk, func(), error)

	// Wait blocks until the container exits or ctx expires.
	Wait(ctx context.Context, h *Handle) (uint32, error)

	// Destroy tears the container down. Idempotent; always safe to call.
	Destroy(ctx context.Context, h *Handle) error
}
