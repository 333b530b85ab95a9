package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindTimeout, "deadline exceeded")
	require.Equal(t, KindTimeout, KindOf(err))

	wrapped := fmt.Errorf("respond: %w", err)
	require.Equal(t, KindTimeout, KindOf(wrapped))

	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindNetwork, cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindNetwork, err.Kind())
	require.Contains(t, err.Error(), "network_failure")

	require.Nil(t, Wrap(KindNetwork, nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(KindNetwork))
	require.True(t, Retryable(KindTimeout))
	require.True(t, Retryable(KindRateLimited))
	require.False(t, Retryable(KindSchemaViolation))
	require.False(t, Retryable(KindPermissionDenied))
	require.False(t, Retryable(KindBudgetExhausted))
	require.False(t, Retryable(KindServerError))
	require.False(t, Retryable(KindRefusal))
}
