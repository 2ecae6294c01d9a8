package runtime

import (
	"context"
	"io"
	"os"
	"time"
)

const (
	// tailChunkSize bounds how much of a log file one read delivers.
	tailChunkSize = 32 * 1024

	// tailPollInterval is how often a tail at EOF re-checks the file while
	// the container is still running.
	tailPollInterval = 250 * time.Millisecond
)

// StreamLogs tails the container's stdout and stderr files starting at the
// handle's high-water-mark, so a reconnecting consumer resumes where the
// previous stream stopped. The channel closes once the container has
// finished and both files are drained, or when cancel is called.
func (r *ContainerdRunner) StreamLogs(ctx context.Context, h *Handle) (<-chan LogChunk, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan LogChunk, 16)

	done := make(chan struct{}, 2)
	go r.tail(ctx, h, SourceStdout, h.stdoutPath, out, done)
	go r.tail(ctx, h, SourceStderr, h.stderrPath, out, done)

	go func() {
		<-done
		<-done
		close(out)
	}()

	return out, cancel, nil
}

// tail reads one log file from the handle's resume offset and delivers
// chunks until the container finishes and the file is fully drained.
func (r *ContainerdRunner) tail(ctx context.Context, h *Handle, src LogSource, path string, out chan<- LogChunk, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	offset := h.HighWaterMark(src)
	buf := make([]byte, tailChunkSize)

	for {
		n, err := readAt(path, offset, buf)
		if n > 0 {
			chunk := LogChunk{Source: src, Offset: offset, Data: append([]byte(nil), buf[:n]...)}
			select {
			case out <- chunk:
				offset += int64(n)
				h.advance(src, offset)
			case <-ctx.Done():
				return
			}
			continue
		}
		if err != nil && !os.IsNotExist(err) && err != io.EOF {
			r.logger.Warn().Err(err).Str("container", h.ContainerName).
				Str("source", string(src)).Msg("log tail read")
			return
		}

		// At EOF. If the container exited there is nothing more coming.
		if h.isFinished() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tailPollInterval):
		}
	}
}

func readAt(path string, offset int64, buf []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(buf, offset)
}
