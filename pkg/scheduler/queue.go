package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/metrics"
)

const (
	queueKeyPrefix   = "queue:"
	delayedKeySuffix = ":delayed"

	// popTimeout bounds one blocking pop so workers notice shutdown.
	popTimeout = 2 * time.Second

	// delayedPromoteInterval is how often due retries move to their queue.
	delayedPromoteInterval = time.Second
)

func queueKey(name string) string   { return queueKeyPrefix + name }
func delayedKey(name string) string { return queueKeyPrefix + name + delayedKeySuffix }

func (s *Scheduler) checkCap(ctx context.Context, queue string) error {
	depth, err := s.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "queue depth for %s: %v", queue, err)
	}
	if depth >= s.opts.QueueSoftCap {
		return errdefs.Wrapf(errdefs.ErrQueueFull, "queue %s at %d items", queue, depth)
	}
	return nil
}

func (s *Scheduler) push(ctx context.Context, queue, jobID string) error {
	depth, err := s.rdb.LPush(ctx, queueKey(queue), jobID).Result()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "enqueue on %s: %v", queue, err)
	}
	metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	return nil
}

// pop blocks for up to popTimeout and returns the next job id, or "" when
// the queue stayed empty.
func (s *Scheduler) pop(ctx context.Context, queue string) (string, error) {
	res, err := s.rdb.BRPop(ctx, popTimeout, queueKey(queue)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errdefs.Wrapf(errdefs.ErrKVUnavailable, "dequeue from %s: %v", queue, err)
	}

	if depth, derr := s.rdb.LLen(ctx, queueKey(queue)).Result(); derr == nil {
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
	return res[1], nil
}

// scheduleRetry parks the job id on the queue's delayed set until its
// backoff deadline.
func (s *Scheduler) scheduleRetry(ctx context.Context, queue, jobID string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "schedule retry on %s: %v", queue, err)
	}
	return nil
}

// delayedLoop promotes due retries from every delayed set back onto their
// queue.
func (s *Scheduler) delayedLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(delayedPromoteInterval)
	defer ticker.Stop()

	queues := []string{QueueScans, QueuePipeline, QueueGenerate, QueueValidate, QueueRefine}
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range queues {
				if err := s.promoteDue(ctx, queue); err != nil {
					s.logger.Warn().Err(err).Str("queue", queue).Msg("promote delayed")
				}
			}
		}
	}
}

func (s *Scheduler) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another process took it
		}
		if err := s.requeueRetry(ctx, queue, id); err != nil {
			return err
		}
	}
	return nil
}
