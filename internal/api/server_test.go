package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"opsqueue/internal/config"
	"opsqueue/internal/domain"
	"opsqueue/internal/infra/redisq"
	"opsqueue/internal/ports"
	"opsqueue/internal/usecase"
)

type staticCatalog []ports.CatalogItem

func (c staticCatalog) Candidates(context.Context, ports.Scope) ([]ports.CatalogItem, error) {
	return c, nil
}

type testServer struct {
	srv    *Server
	ledger *usecase.Ledger
	h      http.Handler
}

func newTestServer(t *testing.T, catalog ports.Catalog, limiter *rate.Limiter) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cli := redisq.NewWithRedis(config.Redis{KeyPrefix: "apitest"}, rdb)

	store := redisq.NewStore(cli)
	logs := redisq.NewLogStream(cli)
	ledger := usecase.NewLedger(store, logs, nil)
	srv := New(Deps{
		Ledger:  ledger,
		Query:   usecase.Query{Store: store, Lines: logs},
		Bulk:    usecase.Orchestrator{Ledger: ledger, Catalog: catalog, Rules: usecase.DefaultRules()},
		Limiter: limiter,
		Ping:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	return &testServer{srv: srv, ledger: ledger, h: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[errorBody](t, rec).Error.Code
}

func TestEnqueueAndGet(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/ops/enqueue", `{"type":"ENRICH_PRODUCT","payload":{"product_id":5},"priority":70}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[usecase.EnqueueResult](t, rec)
	assert.Equal(t, domain.StatusPending, res.Status)
	assert.True(t, res.Created)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = ts.do(t, http.MethodPost, "/ops/enqueue", `{"type":"ENRICH_PRODUCT","payload":{"product_id":5}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[usecase.EnqueueResult](t, rec)
	assert.Equal(t, res.ID, dup.ID)
	assert.False(t, dup.Created)

	rec = ts.do(t, http.MethodGet, "/commands/"+res.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "ENRICH_PRODUCT", got["type"])
	assert.Equal(t, float64(70), got["priority"])
	assert.Equal(t, float64(2500), got["poll_after_ms"])
	payload := got["payload"].(map[string]any)
	assert.Equal(t, float64(5), payload["product_id"])
	assert.Contains(t, payload, "progress")
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/ops/enqueue", `{"type":"MINE_BITCOIN","payload":{}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_FAILURE", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/ops/enqueue", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/ops/enqueue", `{"type":"ENRICH_PRODUCT","payload":{"product_id":1},"priority":5000}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetUnknownCommand(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/commands/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestListCommands(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, _, err := ts.ledger.Enqueue(ctx, domain.EnrichProductPayload{ProductID: i}, 10, 3)
		require.NoError(t, err)
	}
	c, _, err := ts.ledger.Enqueue(ctx, domain.SyncListingPayload{ListingID: "L9"}, 10, 3)
	require.NoError(t, err)
	_, err = ts.ledger.Cancel(ctx, c.ID, "test")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/commands?per_page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[listResponse](t, rec)
	assert.Equal(t, 3, page.Total, "cancelled commands are hidden by default")
	assert.Len(t, page.Items, 2)

	rec = ts.do(t, http.MethodGet, "/commands?status=CANCELLED&type=SYNC_LISTING", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[listResponse](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, c.ID, page.Items[0].ID)

	rec = ts.do(t, http.MethodGet, "/commands?status=LOST", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = ts.do(t, http.MethodGet, "/commands?page=x", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestLogsPolling(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ctx := context.Background()
	c, _, err := ts.ledger.Enqueue(ctx, domain.ScrapeSupplierPayload{SupplierID: 3}, 10, 3)
	require.NoError(t, err)
	_, err = ts.ledger.ClaimByID(ctx, c.ID, "w1")
	require.NoError(t, err)
	_, err = ts.ledger.AppendLog(ctx, c.ID, "info", "scraper", "page 1")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/commands/"+c.ID+"/logs?tail=true&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[logsResponse](t, rec)
	require.Len(t, first.Lines, 1)
	assert.Equal(t, "page 1", first.Lines[0].Message)
	assert.Equal(t, domain.StatusExecuting, first.Status)
	assert.Equal(t, int64(1200), first.PollAfterMS)

	_, err = ts.ledger.AppendLog(ctx, c.ID, "warn", "scraper", "page 2 slow")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/commands/"+c.ID+"/logs?after_id="+strconv.FormatInt(first.NextAfterID, 10), "")
	require.Equal(t, http.StatusOK, rec.Code)
	next := decode[logsResponse](t, rec)
	require.Len(t, next.Lines, 1)
	assert.Equal(t, "page 2 slow", next.Lines[0].Message)
	assert.Greater(t, next.NextAfterID, first.NextAfterID)

	rec = ts.do(t, http.MethodGet, "/commands/"+c.ID+"/logs?after_id=9999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/commands/"+c.ID+"/logs?after_id=-1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestOperatorActions(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ctx := context.Background()
	c, _, err := ts.ledger.Enqueue(ctx, domain.PublishListingPayload{ProductID: 8}, 10, 3)
	require.NoError(t, err)
	_, err = ts.ledger.ClaimByID(ctx, c.ID, "w1")
	require.NoError(t, err)
	_, err = ts.ledger.Finish(ctx, c.ID, domain.StatusHumanRequired, domain.CodeInsufficientBalance, "top up", "w1")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/commands/groups/human-required", "")
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decode[struct {
		Groups []usecase.ErrorGroup `json:"groups"`
	}](t, rec)
	require.Len(t, groups.Groups, 1)
	assert.Equal(t, domain.CodeInsufficientBalance, groups.Groups[0].ErrorCode)

	rec = ts.do(t, http.MethodPost, "/commands/"+c.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/commands/"+c.ID+"/ack", "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusAcknowledged, decode[actionResponse](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/commands/"+c.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/commands/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryIsIdempotent(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ctx := context.Background()
	c, _, err := ts.ledger.Enqueue(ctx, domain.SyncListingPayload{ListingID: "L1"}, 10, 3)
	require.NoError(t, err)
	_, err = ts.ledger.ClaimByID(ctx, c.ID, "w1")
	require.NoError(t, err)
	_, err = ts.ledger.Finish(ctx, c.ID, domain.StatusFailedRetryable, domain.CodeNetworkError, "reset", "w1")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/commands/groups/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"FAILED_RETRYABLE"`)

	for i := 0; i < 2; i++ {
		rec = ts.do(t, http.MethodPost, "/commands/"+c.ID+"/retry", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, domain.StatusPending, decode[actionResponse](t, rec).Status)
	}
	got, err := ts.ledger.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestBulk(t *testing.T) {
	catalog := staticCatalog{
		{ProductID: 1, Title: "Lamp", Cost: decimal.NewFromInt(10)},
		{ProductID: 2, Cost: decimal.NewFromInt(10)},
	}
	ts := newTestServer(t, catalog, nil)

	rec := ts.do(t, http.MethodPost, "/ops/bulk/enrich", `{"dry_run":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[usecase.BulkResult](t, rec)
	assert.Equal(t, 1, res.WouldEnqueue)
	assert.Equal(t, 1, res.SkippedBlocked)
	assert.Zero(t, res.Enqueued)
	assert.Len(t, res.Items, 2)

	rec = ts.do(t, http.MethodPost, "/ops/bulk/enrich", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[usecase.BulkResult](t, rec).Enqueued)

	rec = ts.do(t, http.MethodPost, "/ops/bulk/teleport", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPost, "/ops/bulk/enrich", `{"limit":5000}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = ts.do(t, http.MethodPost, "/ops/bulk/enrich", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulkWithoutCatalog(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodPost, "/ops/bulk/enrich", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CATALOG_UNAVAILABLE", errorCode(t, rec))
}

func TestOpsRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, rate.NewLimiter(rate.Limit(0.001), 1))

	rec := ts.do(t, http.MethodPost, "/ops/enqueue", `{"type":"ENRICH_PRODUCT","payload":{"product_id":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/ops/enqueue", `{"type":"ENRICH_PRODUCT","payload":{"product_id":2}}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/commands", "")
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodOptions, "/ops/enqueue", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoverHandler(t *testing.T) {
	h := chainMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), recoverHandler, requestIDHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rec))
}
