package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

var _ ports.CommandStore = (*Store)(nil)

// Store keeps one hash per command plus the sorted sets that make it queryable:
// a pending queue ordered by (priority desc, seq asc), one index per (type, status)
// scored by the time the command entered that status, and an active key per
// (type, target) owned by the non-terminal command acting on it.
type Store struct {
	C *Client
}

func NewStore(c *Client) *Store {
	return &Store{C: c}
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	return s.C.Rdb.Incr(ctx, s.C.seqKey()).Result()
}

func (s *Store) Create(ctx context.Context, c *domain.Command) (string, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Seq == 0 {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return "", false, err
		}
		c.Seq = seq
	}
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return "", false, fmt.Errorf("encode payload: %w", err)
	}

	args := []any{c.ID, fmtFloat(pendingScore(c.Priority, c.Seq)), fmtFloat(ms(c.UpdatedAt))}
	args = append(args,
		"id", c.ID,
		"type", string(c.Type),
		"target", c.Target(),
		"payload", string(payload),
		"priority", c.Priority,
		"seq", c.Seq,
		"rev", 0,
		"created_at", fmtTime(c.CreatedAt),
	)
	args = append(args, mutableFields(c)...)

	keys := []string{
		s.C.commandKey(c.ID),
		s.C.activeKey(c.Type, c.Target()),
		s.C.pendingKey(),
		s.C.indexKey(c.Type, c.Status),
	}
	res, err := createScript.Run(ctx, s.C.Rdb, keys, args...).Slice()
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected create reply: %v", res)
	}
	created, _ := res[0].(int64)
	owner, _ := res[1].(string)
	if created == 1 {
		c.Rev = 0
	}
	return owner, created == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Command, error) {
	h, err := s.C.Rdb.HGetAll(ctx, s.C.commandKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, domain.NotFoundError("command", id)
	}
	return decodeCommand(h)
}

// Commit writes next over prev if nobody changed the record since prev was read.
func (s *Store) Commit(ctx context.Context, prev, next *domain.Command) error {
	op := "keep"
	switch {
	case !prev.Status.IsTerminal() && next.Status.IsTerminal():
		op = "release"
	case prev.Status.IsTerminal() && !next.Status.IsTerminal():
		op = "acquire"
	}
	pending := ""
	if next.Status == domain.StatusPending {
		pending = fmtFloat(pendingScore(next.Priority, next.Seq))
	}
	// a fresh attempt starts without progress; otherwise the last reported progress stays visible
	clearProgress := "0"
	if next.Status == domain.StatusPending || next.Status == domain.StatusExecuting {
		clearProgress = "1"
	}

	keys := []string{
		s.C.commandKey(next.ID),
		s.C.indexKey(prev.Type, prev.Status),
		s.C.indexKey(next.Type, next.Status),
		s.C.pendingKey(),
		s.C.activeKey(next.Type, next.Target()),
	}
	args := []any{prev.Rev, next.ID, fmtFloat(ms(next.UpdatedAt)), pending, op, clearProgress}
	args = append(args, mutableFields(next)...)

	res, err := commitScript.Run(ctx, s.C.Rdb, keys, args...).Int64()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		next.Rev = prev.Rev + 1
		return nil
	case 0:
		return fmt.Errorf("command %s changed since rev %d: %w", next.ID, prev.Rev, domain.ErrClaimConflict)
	case -1:
		return domain.NotFoundError("command", next.ID)
	case -2:
		return &domain.InvalidTransitionError{
			From:   prev.Status,
			To:     next.Status,
			Reason: "another active command targets " + next.Target(),
		}
	}
	return fmt.Errorf("unexpected commit reply %d", res)
}

// RejectPending moves a PENDING record straight to FAILED_FATAL without decoding it. It works
// from the raw type and target fields, so records whose payload no longer decodes can still leave
// the pending queue. ok is false when the record was no longer PENDING.
func (s *Store) RejectPending(ctx context.Context, id string, code domain.ErrorCode, message string, now time.Time) (bool, error) {
	vals, err := s.C.Rdb.HMGet(ctx, s.C.commandKey(id), "type", "target", "rev").Result()
	if err != nil {
		return false, err
	}
	t, _ := vals[0].(string)
	target, _ := vals[1].(string)
	rev, _ := vals[2].(string)
	if rev == "" {
		return false, domain.NotFoundError("command", id)
	}
	ct := domain.CommandType(t)

	keys := []string{
		s.C.commandKey(id),
		s.C.pendingKey(),
		s.C.indexKey(ct, domain.StatusPending),
		s.C.indexKey(ct, domain.StatusFailedFatal),
		s.C.activeKey(ct, target),
	}
	args := []any{id, rev, fmtFloat(ms(now)), string(code), message, fmtTime(now)}
	res, err := rejectScript.Run(ctx, s.C.Rdb, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, domain.NotFoundError("command", id)
	}
	return false, fmt.Errorf("unexpected reject reply %d", res)
}

func (s *Store) PendingCandidates(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 1
	}
	return s.C.Rdb.ZRange(ctx, s.C.pendingKey(), 0, int64(n-1)).Result()
}

func (s *Store) SetProgress(ctx context.Context, id string, p domain.Progress) (bool, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	res, err := progressScript.Run(ctx, s.C.Rdb,
		[]string{s.C.commandKey(id)},
		string(b), fmtTime(p.UpdatedAt), string(domain.StatusExecuting),
	).Int64()
	if err != nil {
		return false, err
	}
	if res == -1 {
		return false, domain.NotFoundError("command", id)
	}
	return res == 1, nil
}

func (s *Store) ActiveOwner(ctx context.Context, t domain.CommandType, target string) (string, error) {
	id, err := s.C.Rdb.Get(ctx, s.C.activeKey(t, target)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// List returns the page of commands matching f, most recent status change first, and the total match count.
func (s *Store) List(ctx context.Context, f ports.ListFilter) ([]*domain.Command, int, error) {
	keys := s.indexKeys(f.Types, f.Statuses)
	if f.Limit <= 0 {
		f.Limit = 50
	}

	tmp := s.C.tempKey(uuid.NewString())
	var (
		total *redis.IntCmd
		ids   *redis.StringSliceCmd
	)
	_, err := s.C.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZUnionStore(ctx, tmp, &redis.ZStore{Keys: keys, Aggregate: "MAX"})
		p.Expire(ctx, tmp, 30*time.Second)
		total = p.ZCard(ctx, tmp)
		ids = p.ZRevRange(ctx, tmp, int64(f.Offset), int64(f.Offset+f.Limit-1))
		p.Del(ctx, tmp)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	cmds, err := s.getMany(ctx, ids.Val())
	if err != nil {
		return nil, 0, err
	}
	return cmds, int(total.Val()), nil
}

func (s *Store) GroupStats(ctx context.Context, types []domain.CommandType, statuses []domain.Status) ([]ports.GroupStat, error) {
	if len(types) == 0 {
		types = domain.AllTypes
	}
	if len(statuses) == 0 {
		statuses = domain.DefaultListStatuses
	}

	type pair struct {
		stat   ports.GroupStat
		count  *redis.IntCmd
		latest *redis.ZSliceCmd
	}
	var pairs []*pair
	_, err := s.C.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, t := range types {
			for _, st := range statuses {
				key := s.C.indexKey(t, st)
				pairs = append(pairs, &pair{
					stat:   ports.GroupStat{Type: t, Status: st},
					count:  p.ZCard(ctx, key),
					latest: p.ZRevRangeWithScores(ctx, key, 0, 0),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []ports.GroupStat
	for _, pr := range pairs {
		n := pr.count.Val()
		if n == 0 {
			continue
		}
		g := pr.stat
		g.Count = int(n)
		if z := pr.latest.Val(); len(z) > 0 {
			g.LatestAt = time.UnixMilli(int64(z[0].Score)).UTC()
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) indexKeys(types []domain.CommandType, statuses []domain.Status) []string {
	if len(types) == 0 {
		types = domain.AllTypes
	}
	if len(statuses) == 0 {
		statuses = domain.DefaultListStatuses
	}
	keys := make([]string, 0, len(types)*len(statuses))
	for _, t := range types {
		for _, st := range statuses {
			keys = append(keys, s.C.indexKey(t, st))
		}
	}
	return keys
}

func (s *Store) getMany(ctx context.Context, ids []string) ([]*domain.Command, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.C.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.C.commandKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Command, 0, len(ids))
	for _, hc := range cmds {
		h := hc.Val()
		if len(h) == 0 {
			continue
		}
		c, err := decodeCommand(h)
		if errors.Is(err, domain.ErrValidation) {
			log.Ctx(ctx).Warn().Err(err).Str("command_id", h["id"]).Msg("skipping undecodable command")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// highest priority first, then creation order
func pendingScore(priority int, seq int64) float64 {
	return float64(domain.MaxPriority-priority)*1e12 + float64(seq)
}

func mutableFields(c *domain.Command) []any {
	return []any{
		"status", string(c.Status),
		"attempts", c.Attempts,
		"max_attempts", c.MaxAttempts,
		"error_code", string(c.ErrorCode),
		"error_message", c.ErrorMessage,
		"last_error", c.LastError,
		"updated_at", fmtTime(c.UpdatedAt),
	}
}

func decodeCommand(h map[string]string) (*domain.Command, error) {
	t := domain.CommandType(h["type"])
	p, err := domain.DecodePayload(t, json.RawMessage(h["payload"]))
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", h["id"], err)
	}
	c := &domain.Command{
		ID:           h["id"],
		Type:         t,
		Payload:      p,
		Status:       domain.Status(h["status"]),
		ErrorCode:    domain.ErrorCode(h["error_code"]),
		ErrorMessage: h["error_message"],
		LastError:    h["last_error"],
	}
	if c.Priority, err = strconv.Atoi(h["priority"]); err != nil {
		return nil, fmt.Errorf("command %s: priority: %w", c.ID, err)
	}
	if c.Attempts, err = strconv.Atoi(h["attempts"]); err != nil {
		return nil, fmt.Errorf("command %s: attempts: %w", c.ID, err)
	}
	if c.MaxAttempts, err = strconv.Atoi(h["max_attempts"]); err != nil {
		return nil, fmt.Errorf("command %s: max_attempts: %w", c.ID, err)
	}
	if c.Seq, err = strconv.ParseInt(h["seq"], 10, 64); err != nil {
		return nil, fmt.Errorf("command %s: seq: %w", c.ID, err)
	}
	if c.Rev, err = strconv.ParseInt(h["rev"], 10, 64); err != nil {
		return nil, fmt.Errorf("command %s: rev: %w", c.ID, err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	if raw := h["progress"]; raw != "" {
		var pr domain.Progress
		if err := json.Unmarshal([]byte(raw), &pr); err != nil {
			return nil, fmt.Errorf("command %s: progress: %w", c.ID, err)
		}
		c.Progress = &pr
	}
	return c, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
