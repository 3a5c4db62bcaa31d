package apperrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/apperrors"
)

func TestKindOf(t *testing.T) {
	err := apperrors.New(apperrors.NotFound, "lookup", "unknown agent id")
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
	assert.False(t, apperrors.Is(err, apperrors.Conflict))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, apperrors.Kind(""), apperrors.KindOf(errors.New("boom")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := apperrors.Wrap(apperrors.ExternalFailure, "exec_in_session", "write to session failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, apperrors.ExternalFailure, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsComparesKindNotIdentity(t *testing.T) {
	a := apperrors.New(apperrors.Conflict, "start_agent", "invalid transition")
	b := apperrors.New(apperrors.Conflict, "create_agent", "agent id already registered")
	assert.True(t, errors.Is(a, b))

	c := apperrors.New(apperrors.NotFound, "lookup", "unknown agent id")
	assert.False(t, errors.Is(a, c))
}

func TestErrorStringIncludesOpAndMessage(t *testing.T) {
	err := apperrors.New(apperrors.InvalidArgument, "create_agent", "max_concurrent_tasks must be positive")
	assert.Equal(t, fmt.Sprintf("%s: %s", "create_agent", "max_concurrent_tasks must be positive"), err.Error())
}
