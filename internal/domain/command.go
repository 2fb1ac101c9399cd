package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Progress is the worker-reported state of an in-flight command. It is informational only;
// Status alone decides completion.
type Progress struct {
	Phase      string    `json:"phase"`
	Done       int64     `json:"done"`
	Total      *int64    `json:"total"`
	ETASeconds *int64    `json:"eta_seconds"`
	Message    string    `json:"message"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Command is one unit of asynchronous, retryable work.
//
// Fields are only changed through the transition methods below; the ledger persists the
// result with a compare-and-set on Rev.
type Command struct {
	ID           string
	Type         CommandType
	Payload      Payload
	Progress     *Progress
	Priority     int
	Status       Status
	Attempts     int
	MaxAttempts  int
	ErrorCode    ErrorCode
	ErrorMessage string
	LastError    string
	Seq          int64
	Rev          int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	MinPriority = 0
	MaxPriority = 1000
)

// NewCommand builds a PENDING command. The caller assigns ID and Seq.
func NewCommand(p Payload, priority, maxAttempts int, now time.Time) (*Command, error) {
	if p == nil {
		return nil, &ValidationError{Field: "payload", Reason: "is required"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	}
	if maxAttempts < 1 {
		return nil, &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	return &Command{
		Type:        p.CommandType(),
		Payload:     p,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (c *Command) Target() string {
	return c.Payload.Target()
}

// Clone returns a copy that can be mutated without touching c.
func (c *Command) Clone() *Command {
	cp := *c
	if c.Progress != nil {
		p := *c.Progress
		cp.Progress = &p
	}
	return &cp
}

// Claim starts a new execution attempt.
func (c *Command) Claim(now time.Time) error {
	if err := ValidateTransition(c.Status, StatusExecuting); err != nil {
		return err
	}
	if c.Attempts >= c.MaxAttempts {
		return &InvalidTransitionError{From: c.Status, To: StatusExecuting, Reason: "attempts exhausted"}
	}
	c.Attempts++
	c.Status = StatusExecuting
	c.Progress = nil
	c.UpdatedAt = now
	return nil
}

// Finish records the outcome of the current attempt. to is the status already chosen by the
// escalation policy.
func (c *Command) Finish(to Status, code ErrorCode, message string, now time.Time) error {
	if c.Status != StatusExecuting {
		return &InvalidTransitionError{From: c.Status, To: to, Reason: "command is not executing"}
	}
	if to == StatusPending || to == StatusExecuting || to == StatusAcknowledged {
		return &InvalidTransitionError{From: c.Status, To: to, Reason: "not an execution outcome"}
	}
	if err := ValidateTransition(c.Status, to); err != nil {
		return err
	}
	if to.IsFailure() {
		if code == "" {
			code = CodeInternalError
		}
		c.ErrorCode = code
		c.ErrorMessage = message
		c.LastError = message
	} else {
		c.ErrorCode = ""
		c.ErrorMessage = ""
	}
	c.Status = to
	c.UpdatedAt = now
	return nil
}

// Retry re-arms a failed command. attempts is never reset; when the budget is used up the
// operator's retry grants exactly one more attempt.
func (c *Command) Retry(now time.Time) error {
	if err := ValidateTransition(c.Status, StatusPending); err != nil {
		return err
	}
	if c.Attempts >= c.MaxAttempts {
		c.MaxAttempts = c.Attempts + 1
	}
	c.Status = StatusPending
	c.ErrorCode = ""
	c.ErrorMessage = ""
	c.LastError = ""
	c.Progress = nil
	c.UpdatedAt = now
	return nil
}

// Acknowledge archives a HUMAN_REQUIRED command without executing it again.
func (c *Command) Acknowledge(now time.Time) error {
	if err := ValidateTransition(c.Status, StatusAcknowledged); err != nil {
		return err
	}
	c.Status = StatusAcknowledged
	c.ErrorCode = ""
	c.ErrorMessage = ""
	c.UpdatedAt = now
	return nil
}

// Cancel flips the command to CANCELLED. A worker already executing it is expected to notice.
func (c *Command) Cancel(now time.Time) error {
	if err := ValidateTransition(c.Status, StatusCancelled); err != nil {
		return err
	}
	c.Status = StatusCancelled
	c.ErrorCode = ""
	c.ErrorMessage = ""
	c.UpdatedAt = now
	return nil
}

// CheckInvariants reports the first broken record invariant, if any.
func (c *Command) CheckInvariants() error {
	switch {
	case !c.Status.Valid():
		return fmt.Errorf("command %s: unknown status %q", c.ID, c.Status)
	case c.Attempts < 0:
		return fmt.Errorf("command %s: negative attempts", c.ID)
	case c.Attempts > c.MaxAttempts:
		return fmt.Errorf("command %s: attempts %d > max_attempts %d", c.ID, c.Attempts, c.MaxAttempts)
	case !c.Status.IsFailure() && (c.ErrorCode != "" || c.ErrorMessage != ""):
		return fmt.Errorf("command %s: error fields set in status %s", c.ID, c.Status)
	case c.Status == StatusHumanRequired && c.ErrorCode == "":
		return fmt.Errorf("command %s: HUMAN_REQUIRED without error_code", c.ID)
	case c.ErrorCode != "" && !c.ErrorCode.Valid():
		return fmt.Errorf("command %s: unknown error_code %q", c.ID, c.ErrorCode)
	}
	return nil
}

// PayloadWithProgress renders the payload object with the progress sub-field embedded.
func (c *Command) PayloadWithProgress() (json.RawMessage, error) {
	raw, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	progress, err := json.Marshal(c.Progress)
	if err != nil {
		return nil, err
	}
	fields["progress"] = progress
	return json.Marshal(fields)
}
