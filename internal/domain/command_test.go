package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newScrape(t *testing.T, maxAttempts int) *Command {
	t.Helper()
	c, err := NewCommand(ScrapeSupplierPayload{SupplierID: 1}, 70, maxAttempts, now)
	require.NoError(t, err)
	c.ID = "cmd-1"
	return c
}

func TestNewCommandValidation(t *testing.T) {
	_, err := NewCommand(ScrapeSupplierPayload{}, 10, 3, now)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewCommand(ScrapeSupplierPayload{SupplierID: 1}, MaxPriority+1, 3, now)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewCommand(ScrapeSupplierPayload{SupplierID: 1}, 10, 0, now)
	assert.ErrorIs(t, err, ErrValidation)

	c, err := NewCommand(ScrapeSupplierPayload{SupplierID: 1}, 70, 3, now)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, TypeScrapeSupplier, c.Type)
	assert.Equal(t, "supplier:1", c.Target())
}

func TestCommandLifecycle(t *testing.T) {
	c := newScrape(t, 3)

	require.NoError(t, c.Claim(now))
	assert.Equal(t, StatusExecuting, c.Status)
	assert.Equal(t, 1, c.Attempts)

	require.NoError(t, c.Finish(StatusFailedRetryable, CodeRateLimited, "429 from supplier", now))
	assert.Equal(t, CodeRateLimited, c.ErrorCode)
	assert.Equal(t, "429 from supplier", c.LastError)
	require.NoError(t, c.CheckInvariants())

	require.NoError(t, c.Retry(now))
	assert.Equal(t, StatusPending, c.Status)
	assert.Empty(t, c.ErrorCode)
	assert.Empty(t, c.LastError)
	assert.Equal(t, 1, c.Attempts, "retry never resets attempts")

	require.NoError(t, c.Claim(now))
	require.NoError(t, c.Finish(StatusSucceeded, "", "", now))
	assert.Equal(t, 2, c.Attempts)
	require.NoError(t, c.CheckInvariants())

	err := c.Retry(now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestClaimRefusesExhaustedBudget(t *testing.T) {
	c := newScrape(t, 1)
	require.NoError(t, c.Claim(now))
	require.NoError(t, c.Finish(StatusHumanRequired, CodeAttemptsExhausted, "gave up", now))

	// force the record into PENDING without going through Retry
	c.Status = StatusPending
	assert.ErrorIs(t, c.Claim(now), ErrInvalidTransition)
}

func TestRetryExtendsExhaustedBudget(t *testing.T) {
	c := newScrape(t, 1)
	require.NoError(t, c.Claim(now))
	require.NoError(t, c.Finish(StatusHumanRequired, CodeAttemptsExhausted, "gave up", now))

	require.NoError(t, c.Retry(now))
	assert.Equal(t, 2, c.MaxAttempts)
	require.NoError(t, c.Claim(now))
	assert.Equal(t, 2, c.Attempts)
	require.NoError(t, c.CheckInvariants())
}

func TestFinishRequiresExecuting(t *testing.T) {
	c := newScrape(t, 3)
	assert.ErrorIs(t, c.Finish(StatusSucceeded, "", "", now), ErrInvalidTransition)

	require.NoError(t, c.Claim(now))
	require.NoError(t, c.Cancel(now))
	assert.ErrorIs(t, c.Finish(StatusSucceeded, "", "", now), ErrInvalidTransition)
	assert.Equal(t, StatusCancelled, c.Status)
}

func TestAcknowledgeOnlyFromHumanRequired(t *testing.T) {
	c := newScrape(t, 3)
	assert.ErrorIs(t, c.Acknowledge(now), ErrInvalidTransition)

	require.NoError(t, c.Claim(now))
	require.NoError(t, c.Finish(StatusHumanRequired, CodeInsufficientBalance, "balance too low", now))
	require.NoError(t, c.Acknowledge(now))
	assert.Equal(t, StatusAcknowledged, c.Status)
	assert.Empty(t, c.ErrorCode)
	assert.Equal(t, "balance too low", c.LastError)
	require.NoError(t, c.CheckInvariants())
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(TypeScrapeSupplier, json.RawMessage(`{"supplier_id": 1}`))
	require.NoError(t, err)
	assert.Equal(t, ScrapeSupplierPayload{SupplierID: 1}, p)

	_, err = DecodePayload(TypeScrapeSupplier, json.RawMessage(`{"supplier": 1}`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = DecodePayload("DANCE", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrValidation)

	p, err = DecodePayload(TypeRepriceListing, json.RawMessage(`{"listing_id":"L1","product_id":7,"old_price":"10.00","new_price":"12.50"}`))
	require.NoError(t, err)
	rp := p.(RepriceListingPayload)
	assert.True(t, rp.NewPrice.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "listing:L1", rp.Target())

	for _, typ := range AllTypes {
		_, err := DecodePayload(typ, nil)
		assert.NoError(t, err, typ)
	}
}

func TestPayloadWithProgress(t *testing.T) {
	c := newScrape(t, 3)
	total := int64(100)
	c.Progress = &Progress{Phase: "scraping", Done: 10, Total: &total, UpdatedAt: now}

	raw, err := c.PayloadWithProgress()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.EqualValues(t, 1, got["supplier_id"])
	progress := got["progress"].(map[string]any)
	assert.Equal(t, "scraping", progress["phase"])
	assert.EqualValues(t, 100, progress["total"])
}

func TestClassifyError(t *testing.T) {
	ee := ClassifyError(Transient(CodeRateLimited, nil, "slow down"))
	assert.Equal(t, ClassTransient, ee.Class)

	ee = ClassifyError(&ExecutionError{Code: CodeMissingData, Message: "no images"})
	assert.Equal(t, ClassValidation, ee.Class)

	ee = ClassifyError(errors.New("nil pointer"))
	assert.Equal(t, ClassFatal, ee.Class)
	assert.Equal(t, CodeInternalError, ee.Code)

	assert.Nil(t, ClassifyError(nil))
}
