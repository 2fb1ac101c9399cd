package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusExecuting, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSucceeded, false},
		{StatusExecuting, StatusSucceeded, true},
		{StatusExecuting, StatusFailedRetryable, true},
		{StatusExecuting, StatusFailedFatal, true},
		{StatusExecuting, StatusHumanRequired, true},
		{StatusExecuting, StatusCancelled, true},
		{StatusExecuting, StatusPending, false},
		{StatusFailedRetryable, StatusPending, true},
		{StatusFailedRetryable, StatusCancelled, true},
		{StatusFailedRetryable, StatusAcknowledged, false},
		{StatusHumanRequired, StatusPending, true},
		{StatusHumanRequired, StatusAcknowledged, true},
		{StatusHumanRequired, StatusCancelled, false},
		{StatusFailedFatal, StatusPending, true},
		{StatusFailedFatal, StatusCancelled, false},
		{StatusSucceeded, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusAcknowledged, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusAcknowledged.IsTerminal())
	assert.True(t, StatusFailedFatal.IsTerminal())
	assert.False(t, StatusHumanRequired.IsTerminal())
	assert.False(t, StatusFailedRetryable.IsTerminal())

	assert.True(t, StatusHumanRequired.IsFailure())
	assert.False(t, StatusCancelled.IsFailure())

	_, err := ParseStatus("RUNNING")
	assert.ErrorIs(t, err, ErrValidation)
	s, err := ParseStatus("EXECUTING")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, s)
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, pollActive, PollInterval(StatusExecuting))
	assert.Equal(t, pollQueued, PollInterval(StatusPending))
	assert.Equal(t, pollQueued, PollInterval(StatusFailedRetryable))
	assert.Zero(t, PollInterval(StatusSucceeded))
	assert.Zero(t, PollInterval(StatusHumanRequired))
}

func TestNormalizeLevel(t *testing.T) {
	assert.Equal(t, "warn", NormalizeLevel("WARNING"))
	assert.Equal(t, "error", NormalizeLevel("error"))
	assert.Equal(t, "info", NormalizeLevel("chatty"))
	assert.Equal(t, "info", NormalizeLevel(""))
}
