package engine_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/approval-engine/engine"
)

func TestErrorHelpers_Classify(t *testing.T) {
	tests := []struct {
		name                        string
		err                         error
		retryable, client, notFound bool
	}{
		{"stale hop", &engine.StaleHopError{HopID: 1, Status: engine.HopApproved}, true, false, false},
		{"validation", &engine.ValidationError{Field: "amount", Message: "must be positive"}, false, true, false},
		{"duplicate", &engine.DuplicateBudgetError{ExistingID: 3}, false, true, false},
		{"period closed", &engine.PeriodClosedError{PeriodID: 1, Status: engine.PeriodClosed}, false, true, false},
		{"conflict", &engine.ConflictError{Reason: "busy"}, false, true, false},
		{"forbidden", engine.ErrForbidden, false, true, false},
		{"no assignee", &engine.NoAssigneeError{StepID: 1}, false, true, false},
		{"not found", &engine.NotFoundError{Entity: "budget", ID: 9}, false, false, true},
		{"storage", errors.New("disk I/O error"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("act: %w", tt.err)
			assert.Equal(t, tt.retryable, engine.IsRetryable(err))
			assert.Equal(t, tt.client, engine.IsClientError(err))
			assert.Equal(t, tt.notFound, engine.IsNotFound(err))
		})
	}
}
