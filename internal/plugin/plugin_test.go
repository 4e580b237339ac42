package plugin_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elspeth-dev/elspeth/internal/plugin"
)

func TestDiscardRoute_IsTheReservedSentinel(t *testing.T) {
	require.Equal(t, "discard", plugin.DiscardRoute)
}

func TestDefaultBatchWaitTimeout_IsPositive(t *testing.T) {
	require.Greater(t, plugin.DefaultBatchWaitTimeout, time.Duration(0))
}

func TestTransformOutcome_ValuesAreDistinct(t *testing.T) {
	require.NotEqual(t, plugin.TransformSuccess, plugin.TransformFork)
	require.NotEqual(t, plugin.TransformFork, plugin.TransformExpand)
	require.NotEqual(t, plugin.TransformSuccess, plugin.TransformExpand)
}

func TestErrorReason_CarriesRetryableFlag(t *testing.T) {
	retryable := plugin.ErrorReason{Kind: "timeout", Message: "slow downstream", Retryable: true}
	require.True(t, retryable.Retryable)

	fatal := plugin.ErrorReason{Kind: "validation", Message: "bad row", Retryable: false}
	require.False(t, fatal.Retryable)
}
