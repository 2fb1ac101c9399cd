package redisq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"opsqueue/internal/ports"
)

var _ ports.RetryScheduler = (*RetrySchedule)(nil)

// RetrySchedule is a ZSET of command ids scored by the unix ms at which they may be retried.
type RetrySchedule struct {
	C *Client
}

func NewRetrySchedule(c *Client) *RetrySchedule {
	return &RetrySchedule{C: c}
}

func (s *RetrySchedule) Schedule(ctx context.Context, commandID string, at time.Time) error {
	return s.C.Rdb.ZAdd(ctx, s.C.retryDueKey(), redis.Z{Score: ms(at), Member: commandID}).Err()
}

// Due pops entries whose time has come. Only the caller whose ZREM removed an id gets it,
// so several sweepers can share one schedule.
func (s *RetrySchedule) Due(ctx context.Context, now time.Time, n int) ([]string, error) {
	if n <= 0 {
		n = 128
	}
	ids, err := s.C.Rdb.ZRangeByScore(ctx, s.C.retryDueKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmtFloat(ms(now)),
		Offset: 0,
		Count:  int64(n),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	var due []string
	for _, id := range ids {
		removed, err := s.C.Rdb.ZRem(ctx, s.C.retryDueKey(), id).Result()
		if err != nil {
			return due, err
		}
		if removed == 1 {
			due = append(due, id)
		}
	}
	return due, nil
}
