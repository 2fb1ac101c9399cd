package redisq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

var _ ports.LogStream = (*LogStream)(nil)

// LogStream keeps one Redis stream per command. Entry ids are "n-0" where n comes from a
// per-command counter, so the stream id doubles as the client-facing cursor.
type LogStream struct {
	C   *Client
	Now func() time.Time
}

func NewLogStream(c *Client) *LogStream {
	return &LogStream{C: c, Now: time.Now}
}

func (l *LogStream) Append(ctx context.Context, commandID, level, logger, message string) (int64, error) {
	keys := []string{l.C.commandKey(commandID), l.C.logSeqKey(commandID), l.C.logStreamKey(commandID)}
	id, err := appendLogScript.Run(ctx, l.C.Rdb, keys,
		fmtTime(l.Now()), domain.NormalizeLevel(level), logger, message,
	).Int64()
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, domain.NotFoundError("command", commandID)
	}
	return id, nil
}

func (l *LogStream) After(ctx context.Context, commandID string, afterID int64, limit int) ([]domain.LogLine, error) {
	if afterID < 0 {
		afterID = 0
	}
	limit = clampLimit(limit)
	last, err := l.lastID(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if afterID > last {
		return nil, domain.NotFoundError("log cursor", fmt.Sprintf("%s@%d", commandID, afterID))
	}
	if afterID == last {
		return nil, nil
	}
	msgs, err := l.C.Rdb.XRangeN(ctx, l.C.logStreamKey(commandID), fmt.Sprintf("%d-0", afterID+1), "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	return decodeLines(commandID, msgs)
}

func (l *LogStream) Tail(ctx context.Context, commandID string, limit int) ([]domain.LogLine, error) {
	if _, err := l.lastID(ctx, commandID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	msgs, err := l.C.Rdb.XRevRangeN(ctx, l.C.logStreamKey(commandID), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	lines, err := decodeLines(commandID, msgs)
	if err != nil {
		return nil, err
	}
	slices.Reverse(lines)
	return lines, nil
}

// lastID returns the highest assigned line id, or NotFound when the command does not exist.
func (l *LogStream) lastID(ctx context.Context, commandID string) (int64, error) {
	var (
		exists *redis.IntCmd
		seq    *redis.StringCmd
	)
	_, err := l.C.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, l.C.commandKey(commandID))
		seq = p.Get(ctx, l.C.logSeqKey(commandID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if exists.Val() == 0 {
		return 0, domain.NotFoundError("command", commandID)
	}
	if errors.Is(seq.Err(), redis.Nil) {
		return 0, nil
	}
	return seq.Int64()
}

const (
	defaultLogLimit = 200
	maxLogLimit     = 1000
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLogLimit
	}
	return min(n, maxLogLimit)
}

func decodeLines(commandID string, msgs []redis.XMessage) ([]domain.LogLine, error) {
	lines := make([]domain.LogLine, 0, len(msgs))
	for _, m := range msgs {
		seq, _, _ := strings.Cut(m.ID, "-")
		id, err := strconv.ParseInt(seq, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("log entry %s: %w", m.ID, err)
		}
		line := domain.LogLine{
			ID:        id,
			CommandID: commandID,
			Level:     str(m.Values["level"]),
			Logger:    str(m.Values["logger"]),
			Message:   str(m.Values["message"]),
		}
		line.CreatedAt, _ = time.Parse(time.RFC3339Nano, str(m.Values["created_at"]))
		lines = append(lines, line)
	}
	return lines, nil
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
