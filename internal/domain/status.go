package domain

import "fmt"

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusExecuting       Status = "EXECUTING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedFatal     Status = "FAILED_FATAL"
	StatusHumanRequired   Status = "HUMAN_REQUIRED"
	StatusAcknowledged    Status = "ACKNOWLEDGED"
	StatusCancelled       Status = "CANCELLED"
)

var AllStatuses = []Status{
	StatusPending,
	StatusExecuting,
	StatusSucceeded,
	StatusFailedRetryable,
	StatusFailedFatal,
	StatusHumanRequired,
	StatusAcknowledged,
	StatusCancelled,
}

// DefaultListStatuses is what the console queue view shows when no status filter is given.
var DefaultListStatuses = []Status{
	StatusPending,
	StatusExecuting,
	StatusFailedRetryable,
	StatusFailedFatal,
	StatusHumanRequired,
}

var terminalStatuses = map[Status]bool{
	StatusSucceeded:    true,
	StatusFailedFatal:  true,
	StatusAcknowledged: true,
	StatusCancelled:    true,
}

// statuses that carry error_code / error_message
var failureStatuses = map[Status]bool{
	StatusFailedRetryable: true,
	StatusFailedFatal:     true,
	StatusHumanRequired:   true,
}

// PENDING -> EXECUTING -> {SUCCEEDED, FAILED_RETRYABLE, FAILED_FATAL, HUMAN_REQUIRED}
// retry re-arms failures, ack archives HUMAN_REQUIRED, cancel stops anything not yet finished
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusExecuting: true,
		StatusCancelled: true,
	},
	StatusExecuting: {
		StatusSucceeded:       true,
		StatusFailedRetryable: true,
		StatusFailedFatal:     true,
		StatusHumanRequired:   true,
		StatusCancelled:       true,
	},
	StatusFailedRetryable: {
		StatusPending:   true,
		StatusCancelled: true,
	},
	StatusHumanRequired: {
		StatusPending:      true,
		StatusAcknowledged: true,
	},
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

func (s Status) IsFailure() bool {
	return failureStatuses[s]
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", v)}
	}
	return s, nil
}

// ValidateTransition is the only place that decides whether a status change is legal.
func ValidateTransition(from, to Status) error {
	// Special case: an operator may force-retry a fatal failure.
	if from == StatusFailedFatal && to == StatusPending {
		return nil
	}
	if from.IsTerminal() {
		return &InvalidTransitionError{From: from, To: to, Reason: "command is terminal"}
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return &InvalidTransitionError{From: from, To: to, Reason: "unknown status"}
	}
	if !allowed[to] {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
