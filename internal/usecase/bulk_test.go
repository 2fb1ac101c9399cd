package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newOrchestrator(h *harness, items ...ports.CatalogItem) Orchestrator {
	return Orchestrator{Ledger: h.ledger, Catalog: fakeCatalog{items: items}, Rules: DefaultRules()}
}

func TestBulkSecondRunSkipsExisting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := newOrchestrator(h,
		ports.CatalogItem{ProductID: 1, SupplierID: 7, Title: "Lamp"},
		ports.CatalogItem{ProductID: 2, SupplierID: 7, Title: "Chair"},
		ports.CatalogItem{ProductID: 3, SupplierID: 7, Title: "Desk"},
	)
	req := BulkRequest{Scope: ports.Scope{SupplierID: 7}}

	first, err := o.Run(ctx, "enrich", req)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Enqueued)
	assert.Zero(t, first.SkippedExistingCmd)

	second, err := o.Run(ctx, "enrich", req)
	require.NoError(t, err)
	assert.Zero(t, second.Enqueued)
	assert.Equal(t, 3, second.SkippedExistingCmd)

	ids, err := h.store.PendingCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestBulkRepriceDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := newOrchestrator(h,
		ports.CatalogItem{ProductID: 1, Cost: mustDecimal("10.00"), Price: mustDecimal("10.20"), ListingID: "L1", ListingState: ports.ListingPublished},
		ports.CatalogItem{ProductID: 2, Cost: mustDecimal("40.00"), Price: mustDecimal("55.00"), ListingID: "L2", ListingState: ports.ListingPublished},
	)

	res, err := o.Run(ctx, "reprice", BulkRequest{
		MarkupPct:    ptr(mustDecimal("5")),
		MinMarginPct: ptr(mustDecimal("15")),
		DryRun:       true,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Zero(t, res.WouldEnqueue)
	assert.Equal(t, 2, res.SkippedBlocked, "a 5% markup never clears a 15% margin floor")
	require.Len(t, res.Items, 2)

	item := res.Items[0]
	require.NotNil(t, item.Quote)
	assert.False(t, item.IsSafe)
	assert.Equal(t, ReasonBelowMinMargin, item.SafetyReason)
	assert.True(t, item.NewPrice.Equal(mustDecimal("10.50")))
	assert.True(t, item.MarginPct.Equal(mustDecimal("4.76")))

	ids, err := h.store.PendingCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "dry run enqueues nothing")
}

func TestBulkRepriceEnqueuesSafeItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := newOrchestrator(h,
		ports.CatalogItem{ProductID: 1, Cost: mustDecimal("10.00"), Price: mustDecimal("12.00"), ListingID: "L1", ListingState: ports.ListingPublished},
		ports.CatalogItem{ProductID: 2, Cost: mustDecimal("10.00"), Price: mustDecimal("5.00"), ListingID: "L2", ListingState: ports.ListingPublished},
		ports.CatalogItem{ProductID: 3, Price: mustDecimal("5.00"), ListingID: "L3", ListingState: ports.ListingPublished},
		ports.CatalogItem{ProductID: 4, Cost: mustDecimal("10.00"), Price: mustDecimal("13.50"), ListingID: "L4", ListingState: ports.ListingPublished},
		ports.CatalogItem{ProductID: 5, Cost: mustDecimal("10.00"), Price: mustDecimal("12.00"), ListingState: ports.ListingNone},
	)

	res, err := o.Run(ctx, "reprice", BulkRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 4, res.SkippedBlocked)

	reasons := map[int64]string{}
	for _, it := range res.Items {
		reasons[it.ProductID] = it.Reason
	}
	assert.Equal(t, "", reasons[1])
	assert.Equal(t, ReasonChangeTooLarge, reasons[2])
	assert.Equal(t, ReasonMissingCost, reasons[3])
	assert.Equal(t, ReasonNoChange, reasons[4])
	assert.Equal(t, ReasonNotListed, reasons[5])

	cmd, err := h.ledger.Get(ctx, res.Items[0].CommandID)
	require.NoError(t, err)
	p := cmd.Payload.(domain.RepriceListingPayload)
	assert.True(t, p.NewPrice.Equal(mustDecimal("13.50")))
	assert.True(t, p.OldPrice.Equal(mustDecimal("12.00")))
	assert.Equal(t, 40, cmd.Priority)
}

func TestBulkStopOnFailure(t *testing.T) {
	ctx := context.Background()
	items := []ports.CatalogItem{
		{ProductID: 1, Title: "ok"},
		{ProductID: 0, Title: "broken"},
		{ProductID: 3, Title: "never reached"},
	}

	h := newHarness(t)
	res, err := newOrchestrator(h, items...).Run(ctx, "enrich", BulkRequest{StopOnFailure: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Stopped)
	assert.NotEmpty(t, res.Error)

	h = newHarness(t)
	res, err = newOrchestrator(h, items...).Run(ctx, "enrich", BulkRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Stopped)
}

func TestBulkGates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := newOrchestrator(h,
		ports.CatalogItem{ProductID: 1, Enriched: true, ListingState: ports.ListingPublished, ListingID: "L1"},
		ports.CatalogItem{ProductID: 2, Enriched: false},
		ports.CatalogItem{ProductID: 3, Enriched: true},
	)

	res, err := o.Run(ctx, "build-draft", BulkRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedAlreadyListed)
	assert.Equal(t, 1, res.SkippedBlocked)
	assert.Equal(t, 1, res.Enqueued)

	o = newOrchestrator(h,
		ports.CatalogItem{ProductID: 4, ListingState: ports.ListingNone},
		ports.CatalogItem{ProductID: 5, ListingState: ports.ListingDraft, Cost: mustDecimal("9"), Price: mustDecimal("10")},
		ports.CatalogItem{ProductID: 6, ListingState: ports.ListingDraft, Cost: mustDecimal("5"), Price: mustDecimal("10")},
	)
	res, err = o.Run(ctx, "publish", BulkRequest{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SkippedBlocked)
	assert.Equal(t, 1, res.WouldEnqueue)
	require.Len(t, res.Items, 3)
	assert.Equal(t, ReasonNoDraft, res.Items[0].Reason)
	assert.Equal(t, ReasonBelowMinMargin, res.Items[1].Reason)

	_, err = o.Run(ctx, "teleport", BulkRequest{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = o.Run(ctx, "publish", BulkRequest{Scope: ports.Scope{Limit: MaxBulkLimit + 1}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  reprice:
    priority: 80
    markup_pct: "50"
  withdraw:
    priority: 90
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 80, rules["reprice"].Defaults.Priority)
	assert.True(t, rules["reprice"].Defaults.MarkupPct.Equal(mustDecimal("50")))
	assert.True(t, rules["reprice"].Defaults.MinMarginPct.Equal(mustDecimal("15")), "unset fields keep built-in defaults")
	assert.Equal(t, 90, rules["withdraw"].Defaults.Priority)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  teleport:\n    priority: 1\n"), 0o600))
	_, err = LoadRules(path)
	assert.Error(t, err)

	rules, err = LoadRules("")
	require.NoError(t, err)
	assert.Len(t, rules, 6)
}

func TestRepricePrice(t *testing.T) {
	assert.True(t, RepricePrice(mustDecimal("10"), mustDecimal("35")).Equal(mustDecimal("13.50")))
	assert.True(t, RepricePrice(mustDecimal("9.99"), mustDecimal("33.3")).Equal(mustDecimal("13.32")))
	assert.True(t, marginPct(mustDecimal("10"), mustDecimal("13.50")).Equal(mustDecimal("25.93")))
}
