package redisq

import (
	"context"

	"github.com/redis/go-redis/v9"

	"opsqueue/internal/ports"
)

var _ ports.Notifier = (*AuditStream)(nil)

// AuditStream appends every notified transition to a capped Redis stream.
type AuditStream struct {
	C      *Client
	MaxLen int64
}

func NewAuditStream(c *Client, maxLen int64) *AuditStream {
	return &AuditStream{C: c, MaxLen: maxLen}
}

func (a *AuditStream) Notify(ctx context.Context, t ports.Transition) error {
	cmd := t.Command
	return a.C.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: a.C.auditKey(),
		MaxLen: a.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"command_id":    cmd.ID,
			"type":          string(cmd.Type),
			"from":          string(t.From),
			"to":            string(t.To),
			"actor":         t.Actor,
			"attempts":      cmd.Attempts,
			"error_code":    string(cmd.ErrorCode),
			"error_message": cmd.ErrorMessage,
			"at":            fmtTime(t.At),
		},
	}).Err()
}

// Recent returns the newest n audit entries, newest first.
func (a *AuditStream) Recent(ctx context.Context, n int64) ([]map[string]string, error) {
	msgs, err := a.C.Rdb.XRevRangeN(ctx, a.C.auditKey(), "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		row := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			row[k] = str(v)
		}
		out = append(out, row)
	}
	return out, nil
}
