package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullSocialGraphDefaults(t *testing.T) {
	require.True(t, NullSocialGraph.Ready())
	hops, known := NullSocialGraph.Hops("@k.ed25519")
	require.Equal(t, 0, hops)
	require.False(t, known)
}

func TestNullMessageLogDefaults(t *testing.T) {
	require.True(t, NullMessageLog.Ready())
	require.True(t, NullMessageLog.LastMessageAt().IsZero())
}

func TestSystemClockAdvances(t *testing.T) {
	a := SystemClock.Now()
	b := SystemClock.Now()
	require.False(t, b.Before(a))
}

func TestMathRandomIsSeedable(t *testing.T) {
	a := NewMathRandom(42)
	b := NewMathRandom(42)
	require.Equal(t, a.Float64(), b.Float64())
}
