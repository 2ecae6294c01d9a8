package registry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/scanforge/scanforge/pkg/errdefs"
)

const (
	// LogPageSize is the size of one log page in Redis.
	LogPageSize = 64 * 1024

	// LogCapBytes bounds the retained log per job. Once exceeded, the
	// oldest pages are dropped ring-buffer style.
	LogCapBytes = 8 * 1024 * 1024

	logMetaSuffix = ":meta"
)

func logPageKey(jobID string, page int64) string {
	return fmt.Sprintf("joblog:%s:%d", jobID, page)
}

func logMetaKey(jobID string) string {
	return "joblog:" + jobID + logMetaSuffix
}

// logMeta tracks the window of live pages and the total bytes ever
// appended. Offsets handed to readers are absolute stream positions, so
// they stay valid across page eviction.
type logMeta struct {
	firstPage int64
	total     int64 // bytes appended over the job's lifetime
}

func (r *Registry) loadLogMeta(ctx context.Context, jobID string) (logMeta, error) {
	vals, err := r.rdb.HGetAll(ctx, logMetaKey(jobID)).Result()
	if err != nil {
		return logMeta{}, errdefs.Wrapf(errdefs.ErrKVUnavailable, "log meta for %s: %v", jobID, err)
	}
	var m logMeta
	if v, ok := vals["first_page"]; ok {
		m.firstPage, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["total"]; ok {
		m.total, _ = strconv.ParseInt(v, 10, 64)
	}
	return m, nil
}

// AppendLog appends a chunk to the job's log, splitting across 64 KiB
// pages and evicting the oldest pages beyond the 8 MiB cap. A single
// writer per job is assumed: the worker that owns the job.
func (r *Registry) AppendLog(ctx context.Context, jobID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	m, err := r.loadLogMeta(ctx, jobID)
	if err != nil {
		return err
	}

	for len(chunk) > 0 {
		page := m.total / LogPageSize
		room := LogPageSize - int(m.total%LogPageSize)
		n := len(chunk)
		if n > room {
			n = room
		}

		if err := r.rdb.Append(ctx, logPageKey(jobID, page), string(chunk[:n])).Err(); err != nil {
			return errdefs.Wrapf(errdefs.ErrKVUnavailable, "append log for %s: %v", jobID, err)
		}
		m.total += int64(n)
		chunk = chunk[n:]
	}

	// Evict pages that fell out of the retention window.
	maxPages := int64(LogCapBytes / LogPageSize)
	lastPage := (m.total - 1) / LogPageSize
	for lastPage-m.firstPage+1 > maxPages {
		if err := r.rdb.Del(ctx, logPageKey(jobID, m.firstPage)).Err(); err != nil {
			return errdefs.Wrapf(errdefs.ErrKVUnavailable, "evict log page for %s: %v", jobID, err)
		}
		m.firstPage++
	}

	err = r.rdb.HSet(ctx, logMetaKey(jobID),
		"first_page", m.firstPage,
		"total", m.total,
	).Err()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "update log meta for %s: %v", jobID, err)
	}
	return nil
}

// ReadLog returns log bytes starting at the absolute stream offset, plus
// the offset to resume from. An offset below the retention window is
// clamped forward; an offset at the end returns no data with the same
// offset back, which callers use to poll.
func (r *Registry) ReadLog(ctx context.Context, jobID string, offset int64) ([]byte, int64, error) {
	m, err := r.loadLogMeta(ctx, jobID)
	if err != nil {
		return nil, offset, err
	}
	if m.total == 0 || offset >= m.total {
		return nil, m.total, nil
	}

	earliest := m.firstPage * LogPageSize
	if offset < earliest {
		offset = earliest
	}

	firstPage := offset / LogPageSize
	lastPage := (m.total - 1) / LogPageSize

	keys := make([]string, 0, lastPage-firstPage+1)
	for p := firstPage; p <= lastPage; p++ {
		keys = append(keys, logPageKey(jobID, p))
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, offset, errdefs.Wrapf(errdefs.ErrKVUnavailable, "read log for %s: %v", jobID, err)
	}

	var buf []byte
	for _, v := range vals {
		if s, ok := v.(string); ok {
			buf = append(buf, s...)
		}
	}

	skip := offset - firstPage*LogPageSize
	if skip > int64(len(buf)) {
		return nil, m.total, nil
	}
	data := buf[skip:]
	return data, offset + int64(len(data)), nil
}

// LogSize returns the total bytes ever appended to the job's log.
func (r *Registry) LogSize(ctx context.Context, jobID string) (int64, error) {
	m, err := r.loadLogMeta(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return m.total, nil
}

// dropLog deletes every page and the meta key for a reaped job.
func (r *Registry) dropLog(ctx context.Context, jobID string) error {
	m, err := r.loadLogMeta(ctx, jobID)
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	if m.total > 0 {
		lastPage := (m.total - 1) / LogPageSize
		for p := m.firstPage; p <= lastPage; p++ {
			pipe.Del(ctx, logPageKey(jobID, p))
		}
	}
	pipe.Del(ctx, logMetaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "drop log for %s: %v", jobID, err)
	}
	return nil
}
