// Package httpexec runs commands by delegating them to an HTTP business-logic service.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

var _ ports.Executor = (*Executor)(nil)

const maxResponseBody = 1 << 20

type request struct {
	ID          string             `json:"id"`
	Type        domain.CommandType `json:"type"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	Payload     domain.Payload     `json:"payload"`
}

// response is the optional JSON body the service may return. Logs are forwarded to the command log.
type response struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Logs    []struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	} `json:"logs"`
}

// Executor POSTs the command to URL and classifies the HTTP outcome.
type Executor struct {
	URL    string
	Client *http.Client
}

func New(url string, timeout time.Duration) *Executor {
	return &Executor{URL: url, Client: &http.Client{Timeout: timeout}}
}

// FromConfig builds one executor per TYPE=url entry.
func FromConfig(urls map[string]string, timeout time.Duration) (map[domain.CommandType]ports.Executor, error) {
	out := make(map[domain.CommandType]ports.Executor, len(urls))
	for name, url := range urls {
		t, err := domain.ParseCommandType(name)
		if err != nil {
			return nil, fmt.Errorf("executor %q: %w", name, err)
		}
		if url == "" {
			return nil, fmt.Errorf("executor %q: empty url", name)
		}
		out[t] = New(url, timeout)
	}
	return out, nil
}

func (e *Executor) Execute(ctx context.Context, cmd *domain.Command, r ports.Reporter) error {
	body, err := json.Marshal(request{
		ID:          cmd.ID,
		Type:        cmd.Type,
		Attempts:    cmd.Attempts,
		MaxAttempts: cmd.MaxAttempts,
		Payload:     cmd.Payload,
	})
	if err != nil {
		return domain.Fatal(domain.CodeInternalError, err, "encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Fatal(domain.CodeInternalError, err, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%d", cmd.ID, cmd.Attempts))

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return domain.Transient(domain.CodeNetworkError, err, "call %s: %v", e.URL, err)
	}
	defer resp.Body.Close()

	var out response
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	for _, l := range out.Logs {
		r.Log(l.Level, l.Message)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := out.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return classify(resp.StatusCode, domain.ErrorCode(out.Code), msg)
}

// classify maps a non-2xx status onto the error taxonomy. A valid code in the body wins over the status.
func classify(status int, code domain.ErrorCode, msg string) *domain.ExecutionError {
	if code.Valid() {
		return &domain.ExecutionError{Class: code.Class(), Code: code, Message: msg}
	}
	switch status {
	case http.StatusTooManyRequests:
		return domain.Transient(domain.CodeRateLimited, nil, "%s", msg)
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return domain.Transient(domain.CodeUpstreamUnavailable, nil, "%s", msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.Blocked(domain.CodeInvalidInput, nil, "%s", msg)
	case http.StatusPaymentRequired:
		return domain.Blocked(domain.CodeInsufficientBalance, nil, "%s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Blocked(domain.CodeAuthFailed, nil, "%s", msg)
	case http.StatusConflict:
		return domain.Blocked(domain.CodePolicyViolation, nil, "%s", msg)
	case http.StatusNotFound, http.StatusNotImplemented:
		return domain.Fatal(domain.CodeUnsupported, nil, "%s", msg)
	}
	if status >= 500 {
		return domain.Transient(domain.CodeUpstreamUnavailable, nil, "%s", msg)
	}
	return domain.Fatal(domain.CodeInternalError, nil, "unexpected status %d: %s", status, msg)
}
