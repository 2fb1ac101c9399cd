package domain

import "time"

const (
	pollActive = 1200 * time.Millisecond
	pollQueued = 2500 * time.Millisecond
)

// PollInterval tells an observer how long to wait before asking again. Zero means stop polling.
func PollInterval(s Status) time.Duration {
	switch s {
	case StatusExecuting:
		return pollActive
	case StatusPending, StatusFailedRetryable:
		return pollQueued
	}
	return 0
}
