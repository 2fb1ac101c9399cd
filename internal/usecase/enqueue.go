package usecase

import (
	"context"
	"encoding/json"

	"opsqueue/internal/domain"
)

const DefaultPriority = 50

type EnqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
}

type EnqueueResult struct {
	ID      string        `json:"id"`
	Status  domain.Status `json:"status"`
	Created bool          `json:"created"`
}

// Enqueuer is the single-command creation path.
type Enqueuer struct {
	Ledger *Ledger
}

func (e Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	t, err := domain.ParseCommandType(req.Type)
	if err != nil {
		return EnqueueResult{}, err
	}
	p, err := domain.DecodePayload(t, req.Payload)
	if err != nil {
		return EnqueueResult{}, err
	}
	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if req.MaxAttempts < 0 {
		return EnqueueResult{}, &domain.ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}

	c, created, err := e.Ledger.Enqueue(ctx, p, priority, req.MaxAttempts)
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{ID: c.ID, Status: c.Status, Created: created}, nil
}
