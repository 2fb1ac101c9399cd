package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"opsqueue/internal/domain"
)

// Reporter is handed to an executor for the command it is running. Calls never block and never fail.
type Reporter interface {
	Log(level, message string)
	Progress(phase string, done int64, total *int64, message string)
}

// Executor performs the business logic of one command type.
type Executor interface {
	Execute(ctx context.Context, cmd *domain.Command, r Reporter) error
}

type ExecutorFunc func(ctx context.Context, cmd *domain.Command, r Reporter) error

func (f ExecutorFunc) Execute(ctx context.Context, cmd *domain.Command, r Reporter) error {
	return f(ctx, cmd, r)
}

// Transition describes a committed status change delivered to notifiers.
type Transition struct {
	Command *domain.Command
	From    domain.Status
	To      domain.Status
	Actor   string
	At      time.Time
}

// Notifier receives terminal transitions and escalations for audit or alerting.
type Notifier interface {
	Notify(ctx context.Context, t Transition) error
}

type ListingState string

const (
	ListingNone      ListingState = "none"
	ListingDraft     ListingState = "draft"
	ListingPublished ListingState = "published"
	ListingWithdrawn ListingState = "withdrawn"
)

// CatalogItem is a product with its marketplace listing, as the batch orchestrator sees it.
type CatalogItem struct {
	ProductID    int64
	SupplierID   int64
	Category     string
	Title        string
	Cost         decimal.Decimal
	Price        decimal.Decimal
	ListingID    string
	ListingState ListingState
	Enriched     bool
}

type Scope struct {
	SupplierID int64
	Category   string
	ProductIDs []int64
	Limit      int
}

// Catalog is the product/listing data store.
type Catalog interface {
	Candidates(ctx context.Context, s Scope) ([]CatalogItem, error)
}
