package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"opsqueue/internal/domain"
	"opsqueue/internal/metrics"
	"opsqueue/internal/policy"
	"opsqueue/internal/ports"
)

const (
	claimCandidates   = 16
	maxCommitAttempts = 3

	ActorAutoRetry = "auto-retry"
	ledgerLogger   = "ledger"
)

// Ledger is the only mutator of command records. Every change goes through a domain
// transition method and is persisted with a compare-and-set on the record revision.
type Ledger struct {
	Store              ports.CommandStore
	Logs               ports.LogStream
	Notifiers          []ports.Notifier
	Metrics            metrics.LedgerObserver
	DefaultMaxAttempts int
	Now                func() time.Time
}

func NewLedger(store ports.CommandStore, logs ports.LogStream, obs metrics.LedgerObserver, notifiers ...ports.Notifier) *Ledger {
	if obs == nil {
		obs = metrics.Noop{}
	}
	return &Ledger{
		Store:              store,
		Logs:               logs,
		Notifiers:          notifiers,
		Metrics:            obs,
		DefaultMaxAttempts: 3,
		Now:                time.Now,
	}
}

// Enqueue inserts a PENDING command. When another non-terminal command of the same type
// already targets the item, that command is returned and created is false.
func (l *Ledger) Enqueue(ctx context.Context, p domain.Payload, priority, maxAttempts int) (*domain.Command, bool, error) {
	if maxAttempts == 0 {
		maxAttempts = l.DefaultMaxAttempts
	}
	c, err := domain.NewCommand(p, priority, maxAttempts, l.Now())
	if err != nil {
		return nil, false, err
	}
	owner, created, err := l.Store.Create(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("create command: %w", err)
	}
	if !created {
		existing, err := l.Store.Get(ctx, owner)
		if err != nil {
			return nil, false, err
		}
		log.Ctx(ctx).Debug().
			Str("command_id", owner).
			Str("type", string(c.Type)).
			Str("target", c.Target()).
			Msg("duplicate enqueue suppressed")
		return existing, false, nil
	}

	log.Ctx(ctx).Info().
		Str("command_id", c.ID).
		Str("type", string(c.Type)).
		Int("priority", c.Priority).
		Msg("command enqueued")
	l.appendLog(ctx, c.ID, "info", fmt.Sprintf("queued with priority %d, max attempts %d", c.Priority, c.MaxAttempts))
	return c, true, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.Command, error) {
	return l.Store.Get(ctx, id)
}

// Claim hands the next eligible command to worker, or nil when nothing is eligible.
// Claims lost to other workers are skipped silently. A record whose payload no longer decodes
// is failed as FAILED_FATAL/INVALID_INPUT so it cannot block the queue.
func (l *Ledger) Claim(ctx context.Context, worker string) (*domain.Command, error) {
	ids, err := l.Store.PendingCandidates(ctx, claimCandidates)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c, err := l.ClaimByID(ctx, id, worker)
		switch {
		case err == nil:
			return c, nil
		case errors.Is(err, domain.ErrClaimConflict), errors.Is(err, domain.ErrNotFound):
			continue
		case errors.Is(err, domain.ErrInvalidTransition):
			log.Ctx(ctx).Warn().Err(err).Str("command_id", id).Msg("pending command cannot be claimed")
			continue
		case errors.Is(err, domain.ErrValidation):
			l.rejectUndecodable(ctx, id, err)
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

func (l *Ledger) rejectUndecodable(ctx context.Context, id string, cause error) {
	logger := log.Ctx(ctx).With().Str("command_id", id).Logger()
	msg := "payload cannot be decoded: " + cause.Error()
	ok, err := l.Store.RejectPending(ctx, id, domain.CodeInvalidInput, msg, l.Now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to reject undecodable command")
		return
	}
	if !ok {
		return
	}
	logger.Warn().Err(cause).Msg("undecodable command failed as INVALID_INPUT")
	l.appendLog(ctx, id, "error", fmt.Sprintf("%s -> %s by %s [%s] %s",
		domain.StatusPending, domain.StatusFailedFatal, ledgerLogger, domain.CodeInvalidInput, msg))
}

// ClaimByID moves one PENDING command to EXECUTING. Losing a race yields domain.ErrClaimConflict.
func (l *Ledger) ClaimByID(ctx context.Context, id, worker string) (*domain.Command, error) {
	prev, err := l.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.StatusPending {
		l.Metrics.RecordClaimConflict()
		return nil, fmt.Errorf("command %s is %s: %w", id, prev.Status, domain.ErrClaimConflict)
	}
	next := prev.Clone()
	if err := next.Claim(l.Now()); err != nil {
		return nil, err
	}
	if err := l.Store.Commit(ctx, prev, next); err != nil {
		if errors.Is(err, domain.ErrClaimConflict) {
			l.Metrics.RecordClaimConflict()
		}
		return nil, err
	}
	l.committed(ctx, prev, next, worker)
	return next, nil
}

// SetProgress records worker progress. It is dropped silently once the command left EXECUTING.
func (l *Ledger) SetProgress(ctx context.Context, id string, p domain.Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = l.Now()
	}
	ok, err := l.Store.SetProgress(ctx, id, p)
	if err != nil {
		return err
	}
	if !ok {
		log.Ctx(ctx).Debug().Str("command_id", id).Msg("progress ignored, command not executing")
	}
	return nil
}

func (l *Ledger) AppendLog(ctx context.Context, id, level, logger, message string) (int64, error) {
	return l.Logs.Append(ctx, id, level, logger, message)
}

// Finish records the outcome of the current attempt. requested is what the worker asks for; the
// escalation policy decides the status actually stored.
func (l *Ledger) Finish(ctx context.Context, id string, requested domain.Status, code domain.ErrorCode, message, worker string) (*domain.Command, error) {
	return l.transition(ctx, id, "", worker, func(c *domain.Command, now time.Time) error {
		if c.Status != domain.StatusExecuting {
			return &domain.InvalidTransitionError{From: c.Status, To: requested, Reason: "command is not executing"}
		}
		d, err := policy.ForOutcome(requested, code, message, c.Attempts, c.MaxAttempts)
		if err != nil {
			return err
		}
		return c.Finish(d.Status, d.Code, d.Message, now)
	})
}

// Retry re-arms a failed command. Retrying a PENDING command is a no-op.
func (l *Ledger) Retry(ctx context.Context, id, actor string) (*domain.Command, error) {
	return l.transition(ctx, id, domain.StatusPending, actor, func(c *domain.Command, now time.Time) error {
		return c.Retry(now)
	})
}

// AutoRetry re-arms a command only if it is still waiting for an automatic retry.
func (l *Ledger) AutoRetry(ctx context.Context, id string) (*domain.Command, error) {
	return l.transition(ctx, id, domain.StatusPending, ActorAutoRetry, func(c *domain.Command, now time.Time) error {
		if c.Status != domain.StatusFailedRetryable {
			return &domain.InvalidTransitionError{From: c.Status, To: domain.StatusPending, Reason: "not awaiting automatic retry"}
		}
		return c.Retry(now)
	})
}

func (l *Ledger) Acknowledge(ctx context.Context, id, actor string) (*domain.Command, error) {
	return l.transition(ctx, id, domain.StatusAcknowledged, actor, func(c *domain.Command, now time.Time) error {
		return c.Acknowledge(now)
	})
}

func (l *Ledger) Cancel(ctx context.Context, id, actor string) (*domain.Command, error) {
	return l.transition(ctx, id, domain.StatusCancelled, actor, func(c *domain.Command, now time.Time) error {
		return c.Cancel(now)
	})
}

// transition re-reads the record and reapplies apply when a concurrent writer wins the
// compare-and-set. A non-empty target makes the action idempotent: a command already in
// target is returned unchanged.
func (l *Ledger) transition(ctx context.Context, id string, target domain.Status, actor string, apply func(*domain.Command, time.Time) error) (*domain.Command, error) {
	for attempt := 1; ; attempt++ {
		prev, err := l.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if target != "" && prev.Status == target {
			return prev, nil
		}
		next := prev.Clone()
		if err := apply(next, l.Now()); err != nil {
			return nil, err
		}
		err = l.Store.Commit(ctx, prev, next)
		if errors.Is(err, domain.ErrClaimConflict) && attempt < maxCommitAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		l.committed(ctx, prev, next, actor)
		return next, nil
	}
}

func (l *Ledger) committed(ctx context.Context, prev, next *domain.Command, actor string) {
	log.Ctx(ctx).Info().
		Str("command_id", next.ID).
		Str("type", string(next.Type)).
		Str("from", string(prev.Status)).
		Str("to", string(next.Status)).
		Int("attempts", next.Attempts).
		Str("actor", actor).
		Msg("command transition")
	l.Metrics.RecordTransition(string(next.Type), string(prev.Status), string(next.Status))

	msg := fmt.Sprintf("%s -> %s by %s", prev.Status, next.Status, actor)
	level := "info"
	if next.ErrorCode != "" {
		msg += fmt.Sprintf(" [%s] %s", next.ErrorCode, next.ErrorMessage)
		level = "warn"
	}
	l.appendLog(ctx, next.ID, level, msg)

	if next.Status.IsTerminal() || next.Status == domain.StatusHumanRequired {
		l.notify(ctx, ports.Transition{Command: next, From: prev.Status, To: next.Status, Actor: actor, At: next.UpdatedAt})
	}
}

func (l *Ledger) notify(ctx context.Context, t ports.Transition) {
	for _, n := range l.Notifiers {
		if err := n.Notify(ctx, t); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("command_id", t.Command.ID).Msg("notifier failed")
		}
	}
}

func (l *Ledger) appendLog(ctx context.Context, id, level, message string) {
	if l.Logs == nil {
		return
	}
	if _, err := l.Logs.Append(ctx, id, level, ledgerLogger, message); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("command_id", id).Msg("failed to append ledger log line")
	}
}
