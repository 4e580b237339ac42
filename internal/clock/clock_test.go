package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elspeth-dev/elspeth/internal/clock"
)

func TestReal_NowAdvances(t *testing.T) {
	var c clock.Clock = clock.Real{}

	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()

	require.True(t, second.After(first))
}

func TestFake_NowHoldsUntilAdvanced(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := clock.NewFake(start)

	require.Equal(t, start, f.Now())
	require.Equal(t, start, f.Now())

	f.Advance(5 * time.Minute)
	require.Equal(t, start.Add(5*time.Minute), f.Now())
}

func TestFake_AdvanceAccumulates(t *testing.T) {
	f := clock.NewFake(time.Unix(0, 0))

	f.Advance(time.Second)
	f.Advance(2 * time.Second)

	require.Equal(t, time.Unix(3, 0), f.Now())
}
