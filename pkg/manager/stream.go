package manager

import (
	"context"
	"time"
)

// LogChunk is one slice of a job's log stream. Offset is the absolute
// stream position of the first byte; a client resumes by passing the
// last chunk's Offset plus its length.
type LogChunk struct {
	Offset int64
	Data   []byte
}

const streamPollInterval = 250 * time.Millisecond

// StreamScanLog follows a job's log from the given offset. The channel
// delivers chunks as they are appended and closes once the job reaches a
// terminal state and the log is drained, or when ctx is cancelled. An
// offset older than the retained window is clamped forward; offset 0
// streams everything still retained.
func (m *Manager) StreamScanLog(ctx context.Context, jobID string, offset int64) (<-chan LogChunk, error) {
	// Fail fast on unknown jobs rather than from inside the goroutine.
	job, err := m.reg.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	out := make(chan LogChunk, 16)
	go func() {
		defer close(out)
		terminal := job.State.Terminal()
		pos := offset
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()

		for {
			data, next, err := m.reg.ReadLog(ctx, jobID, pos)
			if err != nil {
				m.logger.Warn().Err(err).Str("job_id", jobID).Msg("read log stream")
				return
			}
			if len(data) > 0 {
				select {
				case out <- LogChunk{Offset: next - int64(len(data)), Data: data}:
					pos = next
				case <-ctx.Done():
					return
				}
				// Keep draining while bytes are flowing.
				continue
			}

			if terminal {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			// Re-check the job so the final read after termination still
			// drains whatever landed between polls.
			j, err := m.reg.Get(ctx, jobID)
			if err != nil {
				return
			}
			terminal = j.State.Terminal()
		}
	}()
	return out, nil
}
