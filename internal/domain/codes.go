package domain

// ErrorClass is the coarse classification the escalation policy works on.
type ErrorClass string

const (
	ClassTransient  ErrorClass = "transient"
	ClassValidation ErrorClass = "validation"
	ClassFatal      ErrorClass = "fatal"
)

func (c ErrorClass) Valid() bool {
	return c == ClassTransient || c == ClassValidation || c == ClassFatal
}

// ErrorCode is the closed taxonomy stored in error_code.
type ErrorCode string

const (
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeNetworkError        ErrorCode = "NETWORK_ERROR"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeTimeout             ErrorCode = "TIMEOUT"

	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeMissingData         ErrorCode = "MISSING_DATA"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeAuthFailed          ErrorCode = "AUTH_FAILED"
	CodePolicyViolation     ErrorCode = "POLICY_VIOLATION"

	CodeUnsupported   ErrorCode = "UNSUPPORTED"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	CodeWorkerPanic   ErrorCode = "WORKER_PANIC"

	CodeAttemptsExhausted ErrorCode = "ATTEMPTS_EXHAUSTED"
)

var codeClasses = map[ErrorCode]ErrorClass{
	CodeRateLimited:         ClassTransient,
	CodeNetworkError:        ClassTransient,
	CodeUpstreamUnavailable: ClassTransient,
	CodeTimeout:             ClassTransient,
	CodeInvalidInput:        ClassValidation,
	CodeMissingData:         ClassValidation,
	CodeInsufficientBalance: ClassValidation,
	CodeAuthFailed:          ClassValidation,
	CodePolicyViolation:     ClassValidation,
	CodeAttemptsExhausted:   ClassValidation,
	CodeUnsupported:         ClassFatal,
	CodeInternalError:       ClassFatal,
	CodeWorkerPanic:         ClassFatal,
}

func (c ErrorCode) Valid() bool {
	_, ok := codeClasses[c]
	return ok
}

// Class returns the default classification for the code; unknown codes are fatal.
func (c ErrorCode) Class() ErrorClass {
	if class, ok := codeClasses[c]; ok {
		return class
	}
	return ClassFatal
}

// ClassForStatus maps a failure status requested by a worker onto the class that produces it.
func ClassForStatus(s Status) (ErrorClass, bool) {
	switch s {
	case StatusFailedRetryable:
		return ClassTransient, true
	case StatusHumanRequired:
		return ClassValidation, true
	case StatusFailedFatal:
		return ClassFatal, true
	}
	return "", false
}
