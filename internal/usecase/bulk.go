package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"opsqueue/internal/domain"
	"opsqueue/internal/metrics"
	"opsqueue/internal/ports"
)

const (
	OutcomeEnqueued             = "enqueued"
	OutcomeWouldEnqueue         = "would_enqueue"
	OutcomeSkippedExistingCmd   = "skipped_existing_cmd"
	OutcomeSkippedAlreadyListed = "skipped_already_listed"
	OutcomeSkippedBlocked       = "skipped_blocked"
	OutcomeFailed               = "failed"

	DefaultBulkLimit = 100
	MaxBulkLimit     = 1000
)

type BulkRequest struct {
	Scope         ports.Scope
	Priority      *int
	MarkupPct     *decimal.Decimal
	MinMarginPct  *decimal.Decimal
	MaxChangePct  *decimal.Decimal
	Reason        string
	DryRun        bool
	StopOnFailure bool
}

type BulkItem struct {
	ProductID int64  `json:"product_id"`
	ListingID string `json:"listing_id,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	*Quote
}

type BulkResult struct {
	Rule                 string     `json:"rule"`
	Enqueued             int        `json:"enqueued"`
	SkippedExistingCmd   int        `json:"skipped_existing_cmd"`
	SkippedAlreadyListed int        `json:"skipped_already_listed"`
	SkippedBlocked       int        `json:"skipped_blocked"`
	Failed               int        `json:"failed"`
	WouldEnqueue         int        `json:"would_enqueue"`
	Stopped              bool       `json:"stopped"`
	Error                string     `json:"error,omitempty"`
	Items                []BulkItem `json:"items,omitempty"`
}

func (r *BulkResult) count(outcome string) {
	switch outcome {
	case OutcomeEnqueued:
		r.Enqueued++
	case OutcomeWouldEnqueue:
		r.WouldEnqueue++
	case OutcomeSkippedExistingCmd:
		r.SkippedExistingCmd++
	case OutcomeSkippedAlreadyListed:
		r.SkippedAlreadyListed++
	case OutcomeSkippedBlocked:
		r.SkippedBlocked++
	case OutcomeFailed:
		r.Failed++
	}
}

// Orchestrator expands one bulk request into gated, deduplicated enqueues.
type Orchestrator struct {
	Ledger  *Ledger
	Catalog ports.Catalog
	Rules   map[string]*Rule
	Metrics metrics.LedgerObserver
}

// Run scans the candidates of req.Scope in order. For every item it checks for an existing
// command, then the rule's safety gate, then (unless DryRun) enqueues.
func (o Orchestrator) Run(ctx context.Context, ruleName string, req BulkRequest) (*BulkResult, error) {
	rule, ok := o.Rules[ruleName]
	if !ok {
		return nil, domain.NotFoundError("bulk rule", ruleName)
	}
	params, err := resolveParams(rule.Defaults, req)
	if err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope.Limit <= 0 {
		scope.Limit = DefaultBulkLimit
	}
	if scope.Limit > MaxBulkLimit {
		return nil, &domain.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be at most %d", MaxBulkLimit)}
	}

	items, err := o.Catalog.Candidates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	res := &BulkResult{Rule: rule.Name}
	withItems := rule.Preview || req.DryRun
	for _, item := range items {
		bi, err := o.apply(ctx, rule, params, item, req.DryRun)
		res.count(bi.Outcome)
		if withItems || bi.Outcome == OutcomeFailed {
			res.Items = append(res.Items, bi)
		}
		if err != nil && req.StopOnFailure {
			res.Stopped = true
			res.Error = err.Error()
			break
		}
	}

	o.record(rule.Name, res)
	log.Ctx(ctx).Info().
		Str("rule", rule.Name).
		Bool("dry_run", req.DryRun).
		Int("candidates", len(items)).
		Int("enqueued", res.Enqueued).
		Int("skipped_existing_cmd", res.SkippedExistingCmd).
		Int("skipped_blocked", res.SkippedBlocked).
		Int("failed", res.Failed).
		Bool("stopped", res.Stopped).
		Msg("bulk run finished")
	return res, nil
}

func (o Orchestrator) apply(ctx context.Context, rule *Rule, params RuleParams, item ports.CatalogItem, dryRun bool) (BulkItem, error) {
	pl := rule.plan(item, params)
	bi := BulkItem{ProductID: item.ProductID, ListingID: item.ListingID, Quote: pl.quote}

	if pl.payload != nil {
		owner, err := o.Ledger.Store.ActiveOwner(ctx, rule.Type, pl.payload.Target())
		if err != nil {
			bi.Outcome, bi.Reason = OutcomeFailed, err.Error()
			return bi, err
		}
		if owner != "" {
			bi.Outcome, bi.Reason, bi.CommandID = OutcomeSkippedExistingCmd, ReasonExistingCommand, owner
			return bi, nil
		}
	}
	if pl.skip != "" {
		bi.Outcome, bi.Reason = pl.skip, pl.reason
		return bi, nil
	}
	if dryRun {
		bi.Outcome = OutcomeWouldEnqueue
		return bi, nil
	}

	c, created, err := o.Ledger.Enqueue(ctx, pl.payload, params.Priority, 0)
	if err != nil {
		bi.Outcome, bi.Reason = OutcomeFailed, err.Error()
		return bi, err
	}
	bi.CommandID = c.ID
	if !created {
		bi.Outcome, bi.Reason = OutcomeSkippedExistingCmd, ReasonExistingCommand
		return bi, nil
	}
	bi.Outcome = OutcomeEnqueued
	return bi, nil
}

func (o Orchestrator) record(rule string, res *BulkResult) {
	m := o.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	m.RecordBulk(rule, OutcomeEnqueued, res.Enqueued)
	m.RecordBulk(rule, OutcomeWouldEnqueue, res.WouldEnqueue)
	m.RecordBulk(rule, OutcomeSkippedExistingCmd, res.SkippedExistingCmd)
	m.RecordBulk(rule, OutcomeSkippedAlreadyListed, res.SkippedAlreadyListed)
	m.RecordBulk(rule, OutcomeSkippedBlocked, res.SkippedBlocked)
	m.RecordBulk(rule, OutcomeFailed, res.Failed)
}

func resolveParams(d RuleParams, req BulkRequest) (RuleParams, error) {
	p := d
	if req.Priority != nil {
		if *req.Priority < domain.MinPriority || *req.Priority > domain.MaxPriority {
			return p, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", domain.MinPriority, domain.MaxPriority)}
		}
		p.Priority = *req.Priority
	}
	if req.MarkupPct != nil {
		if req.MarkupPct.IsNegative() {
			return p, &domain.ValidationError{Field: "markup_pct", Reason: "must not be negative"}
		}
		p.MarkupPct = *req.MarkupPct
	}
	if req.MinMarginPct != nil {
		p.MinMarginPct = *req.MinMarginPct
	}
	if req.MaxChangePct != nil {
		p.MaxChangePct = *req.MaxChangePct
	}
	if req.Reason != "" {
		p.Reason = req.Reason
	}
	return p, nil
}
