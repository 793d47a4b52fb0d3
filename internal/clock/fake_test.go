package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(100, 0))
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(time.Second, func() { order = append(order, "early") })
	after := c.After(2 * time.Second)

	c.Advance(2 * time.Second)
	require.Equal(t, []string{"early"}, order)
	select {
	case ts := <-after:
		require.Equal(t, time.Unix(102, 0), ts)
	default:
		t.Fatalf("expected After channel to fire")
	}

	c.Advance(time.Second)
	require.Equal(t, []string{"early", "late"}, order)
	require.Empty(t, c.Pending())
	require.Equal(t, time.Unix(103, 0), c.Now())
}

func TestFakeTickerRearms(t *testing.T) {
	c := NewFake(time.Time{})
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	<-ticker.C()
	c.Advance(time.Second)
	<-ticker.C()
	require.Equal(t, []time.Duration{time.Second}, c.Pending())

	ticker.Stop()
	require.Empty(t, c.Pending())
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(time.Time{})
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(time.Minute)
	require.False(t, fired)
}

func TestFakeCallbackMayScheduleWithinAdvance(t *testing.T) {
	c := NewFake(time.Time{})
	var fired []time.Duration
	start := c.Now()
	c.AfterFunc(time.Second, func() {
		fired = append(fired, c.Now().Sub(start))
		c.AfterFunc(2*time.Second, func() {
			fired = append(fired, c.Now().Sub(start))
		})
	})

	c.Advance(5 * time.Second)
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second}, fired)
}

func TestFakeBlockUntil(t *testing.T) {
	c := NewFake(time.Time{})
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()
	c.BlockUntil(1)
	c.Advance(time.Second)
	<-done
}
