package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	cerrdefs "github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/metrics"
)

const (
	// DefaultNamespace is the containerd namespace for Scanforge
	DefaultNamespace = "scanforge"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRunner implements Runner using containerd.
type ContainerdRunner struct {
	client    *containerd.Client
	namespace string
	logDir    string
	logger    zerolog.Logger

	reaper *Reaper
}

// NewContainerdRunner creates a containerd-backed runner. Log files for
// launched containers are kept under logDir until the reaper removes them.
func NewContainerdRunner(socketPath, logDir string) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrRuntimeUnavailable, "failed to connect to containerd: %v", err)
	}

	r := &ContainerdRunner{
		client:    client,
		namespace: DefaultNamespace,
		logDir:    logDir,
		logger:    log.WithComponent("runtime"),
	}
	r.reaper = NewReaper(r)
	return r, nil
}

// Reaper returns the runner's background container reaper.
func (r *ContainerdRunner) Reaper() *Reaper {
	return r.reaper
}

// Close closes the containerd client connection
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Launch validates the target, ensures the image, then creates and starts
// the scanner container. A failure after create destroys the container so
// nothing is left behind.
func (r *ContainerdRunner) Launch(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	if err := ValidateTarget(spec.Target); err != nil {
		return nil, err
	}
	if spec.ContainerName == "" {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "container name is required")
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}

	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}

	// Container names are the lock on a scan slot; refuse to reuse one.
	if _, err := r.client.LoadContainer(ctx, spec.ContainerName); err == nil {
		return nil, errdefs.Wrapf(errdefs.ErrResourceExhausted, "container name %s already in use", spec.ContainerName)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfigArgs(image, spec.Args),
	}
	if spec.Resources.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Resources.MemoryBytes)))
	}
	if spec.Resources.CPULimit > 0 {
		period := uint64(100000)
		quota := int64(spec.Resources.CPULimit * 100000)
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if spec.Resources.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(spec.Resources.PidsLimit))
	}
	if spec.NetworkMode == "host" {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ContainerName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerName+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		if cerrdefs.IsUnavailable(err) {
			return nil, errdefs.Wrapf(errdefs.ErrRuntimeUnavailable, "create container: %v", err)
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	h := &Handle{
		ContainerName: spec.ContainerName,
		Target:        spec.Target,
		StartTime:     time.Now(),
		stdoutPath:    filepath.Join(r.logDir, spec.ContainerName+".stdout.log"),
		stderrPath:    filepath.Join(r.logDir, spec.ContainerName+".stderr.log"),
		hwm:           make(map[LogSource]int64),
	}

	if err := r.startTask(ctx, container, h); err != nil {
		// Create succeeded but start failed: leave nothing behind.
		if derr := r.Destroy(ctx, h); derr != nil {
			r.logger.Warn().Err(derr).Str("container", h.ContainerName).
				Msg("cleanup after failed start")
		}
		return nil, err
	}

	r.reaper.Track(h)
	metrics.ContainersRunning.Inc()
	r.logger.Info().
		Str("container", h.ContainerName).
		Str("target", h.Target).
		Strs("args", spec.Args).
		Msg("scan container started")
	return h, nil
}

func (r *ContainerdRunner) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return nil, errdefs.Wrapf(errdefs.ErrRuntimeUnavailable, "get image %s: %v", ref, err)
	}

	image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrImageMissing, "pull image %s: %v", ref, err)
	}
	return image, nil
}

func (r *ContainerdRunner) startTask(ctx context.Context, container containerd.Container, h *Handle) error {
	stdout, err := os.OpenFile(h.stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(h.stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return fmt.Errorf("failed to open stderr log: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// Wait blocks until the container exits or the context deadline passes.
// On deadline the error is Timeout; the caller is expected to Destroy.
func (r *ContainerdRunner) Wait(ctx context.Context, h *Handle) (uint32, error) {
	nctx := namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(nctx, h.ContainerName)
	if err != nil {
		return 0, errdefs.Wrapf(errdefs.ErrNotFound, "container %s: %v", h.ContainerName, err)
	}
	task, err := container.Task(nctx, nil)
	if err != nil {
		return 0, errdefs.Wrapf(errdefs.ErrNotFound, "task %s: %v", h.ContainerName, err)
	}

	statusC, err := task.Wait(nctx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case status := <-statusC:
		h.markFinished()
		return status.ExitCode(), status.Error()
	case <-ctx.Done():
		h.markFinished()
		return 0, errdefs.Wrapf(errdefs.ErrTimeout, "container %s", h.ContainerName)
	}
}

// Destroy tears down the container, its snapshot, and task. It is
// idempotent: destroying a missing or already-destroyed container is a
// no-op.
func (r *ContainerdRunner) Destroy(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.finished = true
	h.mu.Unlock()

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	defer func() {
		r.reaper.Untrack(h)
		metrics.ContainersRunning.Dec()
	}()

	container, err := r.client.LoadContainer(ctx, h.ContainerName)
	if err != nil {
		return nil // already gone
	}

	if task, err := container.Task(ctx, nil); err == nil {
		// Force kill; scans have no graceful shutdown to honor.
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			r.logger.Warn().Err(err).Str("container", h.ContainerName).Msg("kill task")
		}
		if statusC, err := task.Wait(ctx); err == nil {
			select {
			case <-statusC:
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
			}
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !cerrdefs.IsNotFound(err) {
			r.logger.Warn().Err(err).Str("container", h.ContainerName).Msg("delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	r.logger.Debug().Str("container", h.ContainerName).Msg("container destroyed")
	return nil
}

// ListScanContainers returns the names of containers in the Scanforge
// namespace carrying the scan prefix. Used by the reaper to find orphans.
func (r *ContainerdRunner) ListScanContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrRuntimeUnavailable, "list containers: %v", err)
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if len(c.ID()) >= len(ContainerPrefix) && c.ID()[:len(ContainerPrefix)] == ContainerPrefix {
			names = append(names, c.ID())
		}
	}
	return names, nil
}
