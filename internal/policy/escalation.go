// Package policy decides what happens to a command after a failed execution attempt.
package policy

import (
	"fmt"

	"opsqueue/internal/domain"
)

// Decision is the outcome of Decide: the status to finish into and the error fields to record.
type Decision struct {
	Status  domain.Status
	Code    domain.ErrorCode
	Message string
}

// Decide maps an error classification and the attempt budget onto the next status.
//
//	transient, attempts <  max -> FAILED_RETRYABLE
//	transient, attempts >= max -> HUMAN_REQUIRED (ATTEMPTS_EXHAUSTED)
//	validation                 -> HUMAN_REQUIRED
//	fatal                      -> FAILED_FATAL
//
// Codes outside the taxonomy are stored as INTERNAL_ERROR with the original code kept in the message.
func Decide(class domain.ErrorClass, code domain.ErrorCode, message string, attempts, maxAttempts int) Decision {
	if code == "" {
		code = defaultCode(class)
	}
	if !code.Valid() {
		message = fmt.Sprintf("unknown error code %s: %s", code, message)
		code = domain.CodeInternalError
	}
	switch class {
	case domain.ClassTransient:
		if attempts < maxAttempts {
			return Decision{Status: domain.StatusFailedRetryable, Code: code, Message: message}
		}
		return Decision{
			Status:  domain.StatusHumanRequired,
			Code:    domain.CodeAttemptsExhausted,
			Message: fmt.Sprintf("%s after %d/%d attempts: %s", code, attempts, maxAttempts, message),
		}
	case domain.ClassValidation:
		return Decision{Status: domain.StatusHumanRequired, Code: code, Message: message}
	default:
		return Decision{Status: domain.StatusFailedFatal, Code: code, Message: message}
	}
}

// ForOutcome applies Decide to a status requested by a worker. SUCCEEDED and CANCELLED pass through.
func ForOutcome(requested domain.Status, code domain.ErrorCode, message string, attempts, maxAttempts int) (Decision, error) {
	switch requested {
	case domain.StatusSucceeded, domain.StatusCancelled:
		return Decision{Status: requested}, nil
	}
	class, ok := domain.ClassForStatus(requested)
	if !ok {
		return Decision{}, &domain.InvalidTransitionError{
			From:   domain.StatusExecuting,
			To:     requested,
			Reason: "not an execution outcome",
		}
	}
	return Decide(class, code, message, attempts, maxAttempts), nil
}

func defaultCode(class domain.ErrorClass) domain.ErrorCode {
	switch class {
	case domain.ClassTransient:
		return domain.CodeUpstreamUnavailable
	case domain.ClassValidation:
		return domain.CodeInvalidInput
	}
	return domain.CodeInternalError
}
