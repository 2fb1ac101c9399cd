package ports

import (
	"context"
	"time"

	"opsqueue/internal/domain"
)

// CommandStore persists command records. Every write of an existing record is a compare-and-set on
// the revision the caller read; on mismatch Commit returns domain.ErrClaimConflict.
type CommandStore interface {
	// Create inserts a PENDING command unless another non-terminal command of the same type already
	// owns its target, in which case the owner's id is returned and created is false.
	Create(ctx context.Context, c *domain.Command) (ownerID string, created bool, err error)
	Get(ctx context.Context, id string) (*domain.Command, error)
	Commit(ctx context.Context, prev, next *domain.Command) error
	// RejectPending fails a PENDING record as FAILED_FATAL without decoding it; ok is false when
	// the record was no longer PENDING.
	RejectPending(ctx context.Context, id string, code domain.ErrorCode, message string, now time.Time) (ok bool, err error)
	// PendingCandidates returns up to n PENDING ids, highest priority first, FIFO within a priority.
	PendingCandidates(ctx context.Context, n int) ([]string, error)
	// SetProgress stores progress only while the command is EXECUTING; accepted reports whether it did.
	SetProgress(ctx context.Context, id string, p domain.Progress) (accepted bool, err error)
	ActiveOwner(ctx context.Context, t domain.CommandType, target string) (string, error)
	List(ctx context.Context, f ListFilter) ([]*domain.Command, int, error)
	GroupStats(ctx context.Context, types []domain.CommandType, statuses []domain.Status) ([]GroupStat, error)
}

type ListFilter struct {
	Types    []domain.CommandType
	Statuses []domain.Status
	Offset   int
	Limit    int
}

// GroupStat is a (type, status) bucket with its size and most recent entry time.
type GroupStat struct {
	Type     domain.CommandType
	Status   domain.Status
	Count    int
	LatestAt time.Time
}

// LogStream is the append-only per-command log.
type LogStream interface {
	Append(ctx context.Context, commandID, level, logger, message string) (int64, error)
	// After returns lines with id > afterID in id order.
	After(ctx context.Context, commandID string, afterID int64, limit int) ([]domain.LogLine, error)
	// Tail returns the newest limit lines in id order.
	Tail(ctx context.Context, commandID string, limit int) ([]domain.LogLine, error)
}

// RetryScheduler remembers when a FAILED_RETRYABLE command becomes eligible for automatic retry.
type RetryScheduler interface {
	Schedule(ctx context.Context, commandID string, at time.Time) error
	// Due removes and returns up to n ids whose time has come.
	Due(ctx context.Context, now time.Time, n int) ([]string, error)
}
