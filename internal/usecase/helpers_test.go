package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"opsqueue/internal/config"
	"opsqueue/internal/domain"
	"opsqueue/internal/infra/redisq"
	"opsqueue/internal/ports"
)

type harness struct {
	ledger  *Ledger
	store   *redisq.Store
	logs    *redisq.LogStream
	retries *redisq.RetrySchedule
	notes   *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := redisq.NewWithRedis(config.Redis{KeyPrefix: "test"}, rdb)

	h := &harness{
		store:   redisq.NewStore(c),
		logs:    redisq.NewLogStream(c),
		retries: redisq.NewRetrySchedule(c),
		notes:   &recordingNotifier{},
	}
	h.ledger = NewLedger(h.store, h.logs, nil, h.notes)
	return h
}

func (h *harness) enqueue(t *testing.T, p domain.Payload, priority, maxAttempts int) *domain.Command {
	t.Helper()
	c, created, err := h.ledger.Enqueue(context.Background(), p, priority, maxAttempts)
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func (h *harness) messages(t *testing.T, id string) []string {
	t.Helper()
	lines, err := h.logs.After(context.Background(), id, 0, 1000)
	require.NoError(t, err)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Message)
	}
	return out
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []ports.Transition
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, t ports.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, t)
	return n.err
}

func (n *recordingNotifier) targets() []domain.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Status, 0, len(n.got))
	for _, t := range n.got {
		out = append(out, t.To)
	}
	return out
}

type fakeCatalog struct {
	items []ports.CatalogItem
}

func (f fakeCatalog) Candidates(_ context.Context, s ports.Scope) ([]ports.CatalogItem, error) {
	var out []ports.CatalogItem
	for _, it := range f.items {
		if s.SupplierID != 0 && it.SupplierID != s.SupplierID {
			continue
		}
		if s.Category != "" && it.Category != s.Category {
			continue
		}
		out = append(out, it)
		if s.Limit > 0 && len(out) == s.Limit {
			break
		}
	}
	return out, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
