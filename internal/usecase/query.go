package usecase

import (
	"context"
	"sort"
	"time"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 200
	groupScanPage  = 500
)

// Query is the read side. It never mutates the ledger.
type Query struct {
	Store ports.CommandStore
	Lines ports.LogStream
}

type ListParams struct {
	Types    []domain.CommandType
	Statuses []domain.Status
	Page     int
	PerPage  int
}

type CommandPage struct {
	Commands []*domain.Command
	Total    int
	Page     int
	PerPage  int
}

func (q Query) List(ctx context.Context, p ListParams) (CommandPage, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = DefaultPerPage
	}
	p.PerPage = min(p.PerPage, MaxPerPage)

	cmds, total, err := q.Store.List(ctx, ports.ListFilter{
		Types:    p.Types,
		Statuses: p.Statuses,
		Offset:   (p.Page - 1) * p.PerPage,
		Limit:    p.PerPage,
	})
	if err != nil {
		return CommandPage{}, err
	}
	return CommandPage{Commands: cmds, Total: total, Page: p.Page, PerPage: p.PerPage}, nil
}

func (q Query) Get(ctx context.Context, id string) (*domain.Command, error) {
	return q.Store.Get(ctx, id)
}

type LogParams struct {
	AfterID int64
	Limit   int
	Tail    bool
}

type LogPage struct {
	Lines       []domain.LogLine
	NextAfterID int64
	Status      domain.Status
	PollAfter   time.Duration
}

// Logs returns either the newest window (Tail) or the lines after the cursor.
// NextAfterID is the cursor to send on the next poll.
func (q Query) Logs(ctx context.Context, id string, p LogParams) (LogPage, error) {
	c, err := q.Store.Get(ctx, id)
	if err != nil {
		return LogPage{}, err
	}
	var lines []domain.LogLine
	if p.Tail {
		lines, err = q.Lines.Tail(ctx, id, p.Limit)
	} else {
		lines, err = q.Lines.After(ctx, id, p.AfterID, p.Limit)
	}
	if err != nil {
		return LogPage{}, err
	}

	next := p.AfterID
	if p.Tail {
		next = 0
	}
	if n := len(lines); n > 0 {
		next = lines[n-1].ID
	}
	if lines == nil {
		lines = []domain.LogLine{}
	}
	return LogPage{Lines: lines, NextAfterID: next, Status: c.Status, PollAfter: domain.PollInterval(c.Status)}, nil
}

// ErrorGroup is a triage bucket of HUMAN_REQUIRED commands.
type ErrorGroup struct {
	Type      domain.CommandType `json:"type"`
	ErrorCode domain.ErrorCode   `json:"error_code"`
	Count     int                `json:"count"`
	LatestAt  time.Time          `json:"latest_at"`
}

// HumanRequiredGroups counts HUMAN_REQUIRED commands by (type, error_code), largest group first.
func (q Query) HumanRequiredGroups(ctx context.Context) ([]ErrorGroup, error) {
	type key struct {
		t    domain.CommandType
		code domain.ErrorCode
	}
	groups := map[key]*ErrorGroup{}
	statuses := []domain.Status{domain.StatusHumanRequired}
	for offset := 0; ; offset += groupScanPage {
		cmds, total, err := q.Store.List(ctx, ports.ListFilter{Statuses: statuses, Offset: offset, Limit: groupScanPage})
		if err != nil {
			return nil, err
		}
		for _, c := range cmds {
			k := key{c.Type, c.ErrorCode}
			g, ok := groups[k]
			if !ok {
				g = &ErrorGroup{Type: c.Type, ErrorCode: c.ErrorCode}
				groups[k] = g
			}
			g.Count++
			if c.UpdatedAt.After(g.LatestAt) {
				g.LatestAt = c.UpdatedAt
			}
		}
		if offset+groupScanPage >= total || len(cmds) == 0 {
			break
		}
	}

	out := make([]ErrorGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ErrorCode < out[j].ErrorCode
	})
	return out, nil
}

// ActiveGroups counts EXECUTING and FAILED_RETRYABLE commands by (type, status).
func (q Query) ActiveGroups(ctx context.Context) ([]ports.GroupStat, error) {
	return q.Store.GroupStats(ctx, nil, []domain.Status{domain.StatusExecuting, domain.StatusFailedRetryable})
}
