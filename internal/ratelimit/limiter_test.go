package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTryAcquire_FirstCallAllowed(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Second, WithClock(clock.Now))

	d := l.TryAcquire(ClassAgentCall)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Wait)
	assert.Equal(t, clock.Now(), l.Snapshot(ClassAgentCall).LastInvocation)
}

func TestTryAcquire_SecondCallWithinIntervalDenied(t *testing.T) {
	for _, interval := range []time.Duration{10 * time.Millisecond, time.Second, time.Minute} {
		clock := newFakeClock()
		l := New(interval, WithClock(clock.Now))

		require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
		clock.Advance(interval / 2)

		d := l.TryAcquire(ClassAgentCall)
		assert.False(t, d.Allowed, "interval %s", interval)
		assert.Equal(t, interval-interval/2, d.Wait)
	}
}

func TestTryAcquire_AllowedAfterInterval(t *testing.T) {
	for _, interval := range []time.Duration{10 * time.Millisecond, time.Second, time.Minute} {
		clock := newFakeClock()
		l := New(interval, WithClock(clock.Now))

		require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
		clock.Advance(interval)
		assert.True(t, l.TryAcquire(ClassAgentCall).Allowed, "interval %s", interval)
	}
}

func TestTryAcquire_DeniedCallDoesNotReserve(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Second, WithClock(clock.Now))

	require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
	first := l.Snapshot(ClassAgentCall).LastInvocation

	clock.Advance(500 * time.Millisecond)
	require.False(t, l.TryAcquire(ClassAgentCall).Allowed)
	assert.Equal(t, first, l.Snapshot(ClassAgentCall).LastInvocation)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, l.TryAcquire(ClassAgentCall).Allowed)
}

func TestClassesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Second, WithClock(clock.Now), WithInterval(ClassExtraction, 0))

	require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
	assert.False(t, l.TryAcquire(ClassAgentCall).Allowed)

	assert.True(t, l.TryAcquire(ClassExtraction).Allowed)
	assert.True(t, l.TryAcquire(ClassExtraction).Allowed, "zero interval never denies")
}

func TestReportRateLimitSignal_ExtendsCooldown(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Second, WithClock(clock.Now))

	require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
	l.ReportRateLimitSignal(ClassAgentCall, 30*time.Second)

	clock.Advance(29 * time.Second)
	d := l.TryAcquire(ClassAgentCall)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.Wait)

	clock.Advance(time.Second)
	assert.True(t, l.TryAcquire(ClassAgentCall).Allowed)
}

func TestReportRateLimitSignal_UnusedClass(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock.Now))

	l.ReportRateLimitSignal("fresh", 5*time.Second)
	d := l.TryAcquire("fresh")
	assert.False(t, d.Allowed)
	assert.Equal(t, 5*time.Second, d.Wait)
}

func TestReportRateLimitSignal_ShorterSignalDoesNotShrink(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock.Now))

	l.ReportRateLimitSignal(ClassAgentCall, time.Minute)
	l.ReportRateLimitSignal(ClassAgentCall, time.Second)

	d := l.TryAcquire(ClassAgentCall)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.Wait)
}

func TestRemaining_DoesNotReserve(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Second, WithClock(clock.Now))

	assert.Zero(t, l.Remaining(ClassAgentCall))
	require.True(t, l.TryAcquire(ClassAgentCall).Allowed)

	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, 600*time.Millisecond, l.Remaining(ClassAgentCall))

	clock.Advance(600 * time.Millisecond)
	assert.Zero(t, l.Remaining(ClassAgentCall))
	assert.True(t, l.TryAcquire(ClassAgentCall).Allowed)
}

func TestConfigure_KeepsHistory(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Second, WithClock(clock.Now))

	require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
	l.Configure(ClassAgentCall, 10*time.Second)

	clock.Advance(5 * time.Second)
	d := l.TryAcquire(ClassAgentCall)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5*time.Second, d.Wait)
}

func TestTryAcquire_ConcurrentCallersOnlyOneWins(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Minute, WithClock(clock.Now))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ClassAgentCall).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed)
}

func TestReportRateLimitSignal_SharedCooldown(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Second, WithClock(clock.Now), WithSharedCooldown(ClassAgentCall, ClassExtraction))

	require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
	l.ReportRateLimitSignal(ClassExtraction, time.Minute)

	assert.Equal(t, time.Minute, l.Remaining(ClassExtraction))
	assert.Equal(t, time.Minute, l.Remaining(ClassAgentCall), "a peer class is cooled down too")
	assert.Equal(t, time.Duration(0), l.Remaining("unrelated"))

	clock.Advance(time.Minute)
	assert.True(t, l.TryAcquire(ClassAgentCall).Allowed)
	assert.True(t, l.TryAcquire(ClassExtraction).Allowed)
}

func TestSharedCooldown_IntervalsStayPerClass(t *testing.T) {
	clock := newFakeClock()
	l := New(10*time.Second, WithClock(clock.Now), WithSharedCooldown(ClassAgentCall, ClassExtraction))

	require.True(t, l.TryAcquire(ClassAgentCall).Allowed)
	assert.True(t, l.TryAcquire(ClassExtraction).Allowed, "reservations are not shared")
}
