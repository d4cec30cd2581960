package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Error(t *testing.T) {
	err := NewError(ErrCodeNotFound, "workflow missing")
	assert.Equal(t, "[NOT_FOUND] workflow missing", err.Error())

	err = NewErrorf(ErrCodeActionExecution, "boom %d", 42).WithAction("a1")
	assert.Equal(t, "[ACTION_EXECUTION_ERROR] action a1: boom 42", err.Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)

	require.ErrorIs(t, err, cause)

	var fe *FlowError
	require.ErrorAs(t, error(err), &fe)
	assert.Equal(t, ErrCodeStore, fe.Code)
}

func TestFlowError_Builders(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad input").
		WithAction("a2").
		WithDetails(map[string]any{"field": "name"})

	assert.Equal(t, "a2", err.ActionID)
	assert.Equal(t, "name", err.Details["field"])
	assert.Nil(t, errors.Unwrap(err))
}
