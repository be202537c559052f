package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	task := Task{ID: "t-1", Status: StatusInProgress}
	err := fmt.Errorf("accept: %w", TaskError(CodeAlreadyAccepted, task, "status"))

	assert.ErrorIs(t, err, ErrAlreadyAccepted)
	assert.NotErrorIs(t, err, ErrInvalidApplicant)
	assert.Equal(t, CodeAlreadyAccepted, CodeOf(err))
	assert.Contains(t, err.Error(), "task=t-1 status=IN_PROGRESS")
}

func TestErrorDetailsAndRetryable(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := &Error{Code: CodeSettlementRetryable, TaskID: "t-2", Status: StatusMarkedAsCompleted, Err: cause}

	assert.True(t, err.Retryable())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, map[string]any{"task_id": "t-2", "status": "MARKED_AS_COMPLETED"}, err.Details())
	assert.False(t, ErrSettlementFailed.Retryable())
	assert.Equal(t, Code(""), CodeOf(cause))
}

func TestEnumsRejectUnknownValues(t *testing.T) {
	assert.True(t, StatusMarkedAsCompleted.Valid())
	assert.False(t, TaskStatus("DONE").Valid())
	assert.True(t, CategoryTopUp.Valid())
	assert.False(t, TransactionCategory("REFUND").Valid())
	assert.False(t, TimelineUnit("MONTH").Valid())
}
