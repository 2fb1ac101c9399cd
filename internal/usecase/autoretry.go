package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

// AutoRetrier re-arms FAILED_RETRYABLE commands once their backoff has elapsed.
type AutoRetrier struct {
	Ledger   *Ledger
	Schedule ports.RetryScheduler
	Interval time.Duration
	Batch    int
}

func (a AutoRetrier) Run(ctx context.Context) error {
	interval := a.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Sweep(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("retry sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep retries every due command and returns how many were re-armed.
func (a AutoRetrier) Sweep(ctx context.Context) (int, error) {
	ids, err := a.Schedule.Due(ctx, a.Ledger.Now(), a.Batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		prev, err := a.Ledger.Get(ctx, id)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("command_id", id).Msg("scheduled retry for unknown command")
			continue
		}
		c, err := a.Ledger.AutoRetry(ctx, id)
		switch {
		case err == nil && prev.Status != c.Status:
			n++
		case err == nil:
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
			// an operator or another sweeper got there first
			log.Ctx(ctx).Debug().Err(err).Str("command_id", id).Msg("scheduled retry skipped")
		default:
			return n, err
		}
	}
	return n, nil
}
