package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerTicker(t *testing.T) {
	t.Parallel()

	ticker := NewTimerTicker(time.Millisecond)
	ticker.Reset()
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(10 * time.Second):
		require.FailNow(t, "ticker did not tick")
	}
}

func TestManualTicker(t *testing.T) {
	t.Parallel()

	var resets, stops int
	ticker := NewManualTicker()
	ticker.ResetFunc = func() { resets++ }
	ticker.StopFunc = func() { stops++ }

	ticker.Reset()
	ticker.Tick()
	<-ticker.C()
	ticker.Stop()

	require.Equal(t, 1, resets)
	require.Equal(t, 1, stops)
}

func TestCountTicker(t *testing.T) {
	t.Parallel()

	done := false
	ticker := NewCountTicker(2, func() { done = true })

	ticker.Reset()
	<-ticker.C()
	ticker.Reset()
	<-ticker.C()
	require.False(t, done)

	ticker.Reset()
	require.True(t, done)
}

func TestNullTickerFactory(t *testing.T) {
	t.Parallel()

	ticker := NewNullTickerFactory().NewTicker()
	ticker.Reset()
	defer ticker.Stop()

	select {
	case <-ticker.C():
		require.FailNow(t, "null ticker ticked")
	default:
	}
}
