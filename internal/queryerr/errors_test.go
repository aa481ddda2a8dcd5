package queryerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesContext(t *testing.T) {
	err := New(KindOperatorTypeMismatch, "operator not allowed for data type %s", "BOOLEAN").
		WithField("EMPLOYEE", "active").
		WithOperator("LIKE")

	assert.Equal(t,
		"OPERATOR_TYPE_MISMATCH: operator not allowed for data type BOOLEAN (object=EMPLOYEE, field=active, operator=LIKE)",
		err.Error(),
	)
	assert.Equal(t, map[string]string{"object": "EMPLOYEE", "field": "active", "operator": "LIKE"}, err.Details())
}

func TestKindOfWrapped(t *testing.T) {
	base := New(KindNoJoinPath, "no path from %s to %s", "EMPLOYEE", "PROJECT")
	wrapped := fmt.Errorf("planning failed: %w", base)

	assert.Equal(t, KindNoJoinPath, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNoJoinPath))
	assert.True(t, IsCompileError(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsCompileError(errors.New("plain")))
}

func TestExecutionFailedIsNotCompileError(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExecutionFailed(cause, "statement failed")

	assert.False(t, IsCompileError(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "EXECUTION_FAILED: statement failed", err.Error())
}
