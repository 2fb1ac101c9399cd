package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
	"opsqueue/internal/usecase"
)

const defaultActor = "api"

type commandView struct {
	ID           string             `json:"id"`
	Type         domain.CommandType `json:"type"`
	Status       domain.Status      `json:"status"`
	Priority     int                `json:"priority"`
	Attempts     int                `json:"attempts"`
	MaxAttempts  int                `json:"max_attempts"`
	ErrorCode    domain.ErrorCode   `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	Payload      json.RawMessage    `json:"payload"`
	Progress     *domain.Progress   `json:"progress"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	PollAfterMS  int64              `json:"poll_after_ms"`
}

func newCommandView(c *domain.Command) (commandView, error) {
	payload, err := c.PayloadWithProgress()
	if err != nil {
		return commandView{}, fmt.Errorf("render payload of %s: %w", c.ID, err)
	}
	return commandView{
		ID:           c.ID,
		Type:         c.Type,
		Status:       c.Status,
		Priority:     c.Priority,
		Attempts:     c.Attempts,
		MaxAttempts:  c.MaxAttempts,
		ErrorCode:    c.ErrorCode,
		ErrorMessage: c.ErrorMessage,
		LastError:    c.LastError,
		Payload:      payload,
		Progress:     c.Progress,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		PollAfterMS:  domain.PollInterval(c.Status).Milliseconds(),
	}, nil
}

type listResponse struct {
	Items   []commandView `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

type logsResponse struct {
	Lines       []domain.LogLine `json:"lines"`
	NextAfterID int64            `json:"next_after_id"`
	Status      domain.Status    `json:"status"`
	PollAfterMS int64            `json:"poll_after_ms"`
}

type groupView struct {
	Type     domain.CommandType `json:"type"`
	Status   domain.Status      `json:"status"`
	Count    int                `json:"count"`
	LatestAt time.Time          `json:"latest_at"`
}

type actionResponse struct {
	ID     string        `json:"id"`
	Status domain.Status `json:"status"`
}

type bulkRequest struct {
	SupplierID    int64            `json:"supplier_id"`
	Category      string           `json:"category"`
	ProductIDs    []int64          `json:"product_ids"`
	Limit         int              `json:"limit"`
	Priority      *int             `json:"priority"`
	MarkupPct     *decimal.Decimal `json:"markup_pct"`
	MinMarginPct  *decimal.Decimal `json:"min_margin_pct"`
	MaxChangePct  *decimal.Decimal `json:"max_change_pct"`
	Reason        string           `json:"reason"`
	DryRun        bool             `json:"dry_run"`
	StopOnFailure bool             `json:"stop_on_failure"`
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var p usecase.ListParams
	for _, v := range splitParam(q["type"]) {
		t, err := domain.ParseCommandType(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		p.Types = append(p.Types, t)
	}
	for _, v := range splitParam(q["status"]) {
		st, err := domain.ParseStatus(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		p.Statuses = append(p.Statuses, st)
	}
	var err error
	if p.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, r, err)
		return
	}
	if p.PerPage, err = intParam(q.Get("per_page")); err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.query.List(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := listResponse{Items: make([]commandView, 0, len(page.Commands)), Total: page.Total, Page: page.Page, PerPage: page.PerPage}
	for _, c := range page.Commands {
		v, err := newCommandView(c)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Items = append(resp.Items, v)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getCommand(w http.ResponseWriter, r *http.Request) {
	c, err := s.query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := newCommandView(c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		p   usecase.LogParams
		err error
	)
	if v := q.Get("after_id"); v != "" {
		if p.AfterID, err = strconv.ParseInt(v, 10, 64); err != nil || p.AfterID < 0 {
			writeError(w, r, &domain.ValidationError{Field: "after_id", Reason: "must be a non-negative integer"})
			return
		}
	}
	if p.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, err)
		return
	}
	if v := q.Get("tail"); v != "" {
		if p.Tail, err = strconv.ParseBool(v); err != nil {
			writeError(w, r, &domain.ValidationError{Field: "tail", Reason: "must be a boolean"})
			return
		}
	}

	page, err := s.query.Logs(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{
		Lines:       page.Lines,
		NextAfterID: page.NextAfterID,
		Status:      page.Status,
		PollAfterMS: page.PollAfter.Milliseconds(),
	})
}

func (s *Server) humanRequiredGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.query.HumanRequiredGroups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []usecase.ErrorGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) activeGroups(w http.ResponseWriter, r *http.Request) {
	stats, err := s.query.ActiveGroups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groupViews(stats)})
}

func groupViews(stats []ports.GroupStat) []groupView {
	out := make([]groupView, 0, len(stats))
	for _, g := range stats {
		out = append(out, groupView{Type: g.Type, Status: g.Status, Count: g.Count, LatestAt: g.LatestAt})
	}
	return out
}

type ledgerAction func(l *usecase.Ledger, ctx context.Context, id, actor string) (*domain.Command, error)

// action adapts an operator action on the ledger to a handler. The actor comes from X-Actor.
func (s *Server) action(do ledgerAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get("X-Actor")
		if actor == "" {
			actor = defaultActor
		}
		c, err := do(s.ledger, r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{ID: c.ID, Status: c.Status})
	}
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req usecase.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	if s.bulkRunner.Catalog == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "CATALOG_UNAVAILABLE", "no catalog database configured")
		return
	}
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.bulkRunner.Run(r.Context(), chi.URLParam(r, "rule"), usecase.BulkRequest{
		Scope: ports.Scope{
			SupplierID: req.SupplierID,
			Category:   req.Category,
			ProductIDs: req.ProductIDs,
			Limit:      req.Limit,
		},
		Priority:      req.Priority,
		MarkupPct:     req.MarkupPct,
		MinMarginPct:  req.MinMarginPct,
		MaxChangePct:  req.MaxChangePct,
		Reason:        req.Reason,
		DryRun:        req.DryRun,
		StopOnFailure: req.StopOnFailure,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

// splitParam accepts both repeated and comma-separated values.
func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &domain.ValidationError{Field: "query", Reason: fmt.Sprintf("%q is not a non-negative integer", v)}
	}
	return n, nil
}
