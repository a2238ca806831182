package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReRegistrationLimiterAllowsUpToLimitWithinWindow(t *testing.T) {
	l := newReRegistrationLimiter(6, 20*time.Second)
	start := time.Unix(1000, 0)

	for i := 0; i < 6; i++ {
		require.True(t, l.Allow(start.Add(time.Duration(i)*time.Second)), "attempt %d", i)
	}
	require.False(t, l.Allow(start.Add(6*time.Second)), "7th attempt within the window must be denied")
}

func TestReRegistrationLimiterResetsAfterWindowElapses(t *testing.T) {
	l := newReRegistrationLimiter(1, 20*time.Second)
	start := time.Unix(2000, 0)

	require.True(t, l.Allow(start))
	require.False(t, l.Allow(start.Add(5*time.Second)))
	require.True(t, l.Allow(start.Add(21*time.Second)), "new window should reset the counter")
}
