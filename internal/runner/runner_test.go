package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/quotebot/internal/automation"
	"github.com/xkilldash9x/quotebot/internal/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Harness --

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock   *testClock
	limiter *ratelimit.Limiter
	sleeps  []time.Duration
	logs    *observer.ObservedLogs
	runner  *Runner
}

func newHarness(t *testing.T, policy Policy, minInterval time.Duration) *harness {
	t.Helper()
	h := &harness{clock: &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}}
	h.limiter = ratelimit.New(minInterval, ratelimit.WithClock(h.clock.Now))

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	h.runner = New(h.limiter, policy, zap.New(core), WithSleep(func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		h.clock.Advance(d)
		return ctx.Err()
	}))
	return h
}

// countingInvoke returns an InvokeFunc that replays errs in order and then succeeds.
func countingInvoke(calls *int, payload any, errs ...error) InvokeFunc {
	return func(ctx context.Context, action Action) (any, error) {
		i := *calls
		*calls++
		if i < len(errs) {
			return nil, errs[i]
		}
		return payload, nil
	}
}

// -- Test Cases --

func TestRun_SuccessFirstAttempt(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 3, Delay: time.Second}, time.Second)

	calls := 0
	out := h.runner.Run(context.Background(), Action{ID: "login"}, countingInvoke(&calls, "ok"))

	require.True(t, out.IsSuccess())
	assert.Equal(t, "ok", out.Payload)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.sleeps)
	assert.NoError(t, out.Error())
}

func TestRun_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 3, Delay: 2 * time.Second}, 0)

	calls := 0
	out := h.runner.Run(context.Background(), Action{ID: "fill-route"},
		countingInvoke(&calls, "done", errors.New("element not ready")))

	require.True(t, out.IsSuccess())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.sleeps)
}

func TestRun_AlwaysTransientExhaustsExactlyN(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		h := newHarness(t, Policy{MaxAttempts: n, Delay: time.Second}, 0)

		calls := 0
		invoke := func(ctx context.Context, a Action) (any, error) {
			calls++
			return nil, errors.New("selector timed out")
		}
		out := h.runner.Run(context.Background(), Action{ID: "search-rates"}, invoke)

		require.True(t, out.IsFatal(), "n=%d", n)
		assert.Equal(t, n, calls, "n=%d", n)
		assert.Equal(t, n, out.Attempts)
		assert.Len(t, h.sleeps, n-1)

		var fatal *automation.FatalError
		require.ErrorAs(t, out.Err, &fatal)
		assert.Equal(t, "search-rates", fatal.ActionID)
		assert.Equal(t, n, fatal.Attempts)
		assert.Contains(t, out.Err.Error(), "selector timed out")
	}
}

func TestRun_ActionOverridesPolicy(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 5, Delay: time.Second}, 0)

	calls := 0
	invoke := func(ctx context.Context, a Action) (any, error) {
		calls++
		return nil, errors.New("flaky")
	}
	out := h.runner.Run(context.Background(), Action{ID: "x", MaxAttempts: 2, Delay: 7 * time.Second}, invoke)

	assert.True(t, out.IsFatal())
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{7 * time.Second}, h.sleeps)
}

func TestRun_LinearBackoff(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 4, Delay: time.Second, LinearBackoff: true}, 0)

	invoke := func(ctx context.Context, a Action) (any, error) { return nil, errors.New("flaky") }
	h.runner.Run(context.Background(), Action{ID: "x"}, invoke)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, h.sleeps)
}

func TestRun_RetryWaitsOutLimiterWindow(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 2, Delay: 100 * time.Millisecond}, 5*time.Second)

	calls := 0
	out := h.runner.Run(context.Background(), Action{ID: "x"}, countingInvoke(&calls, "ok", errors.New("flaky")))

	require.True(t, out.IsSuccess(), "retry must not be denied by its own first reservation")
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeps)
}

func TestRun_RateLimitSignalReturnsFallbackWithoutChargingAttempt(t *testing.T) {
	cooldown := 45 * time.Second
	h := newHarness(t, Policy{MaxAttempts: 3, Delay: time.Second, RateLimitCooldown: cooldown}, time.Second)

	calls := 0
	invoke := countingInvoke(&calls, "never", errors.New("anthropic: 429 Too Many Requests"))
	out := h.runner.Run(context.Background(), Action{ID: "verify-login", Fallback: "assumed"}, invoke)

	require.True(t, out.IsRateLimited())
	assert.Equal(t, "assumed", out.Fallback)
	assert.Equal(t, 0, out.Attempts, "rate limiting must not consume an attempt")
	assert.Equal(t, 1, calls)
	assert.Equal(t, cooldown, out.RetryAfter)
	assert.True(t, automation.IsRateLimitError(out.Error()))

	// The class stays closed for at least the configured cooldown.
	h.clock.Advance(cooldown - time.Millisecond)
	assert.False(t, h.limiter.TryAcquire(ratelimit.ClassAgentCall).Allowed)
	h.clock.Advance(time.Millisecond)
	assert.True(t, h.limiter.TryAcquire(ratelimit.ClassAgentCall).Allowed)

	entries := h.logs.FilterMessage("Provider rate limit hit, cooling down and using fallback").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestRun_RateLimitRetryAfterExtendsCooldown(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 3, RateLimitCooldown: 10 * time.Second}, 0)

	invoke := func(ctx context.Context, a Action) (any, error) {
		return nil, &automation.RateLimitError{Err: errors.New("slow down"), RetryAfter: time.Minute}
	}
	out := h.runner.Run(context.Background(), Action{ID: "x"}, invoke)

	require.True(t, out.IsRateLimited())
	assert.Equal(t, time.Minute, out.RetryAfter)
	assert.Equal(t, time.Minute, h.limiter.Remaining(ratelimit.ClassAgentCall))
}

func TestRun_DeniedByLimiterDoesNotInvoke(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 3}, 10*time.Second)
	require.True(t, h.limiter.TryAcquire(ratelimit.ClassAgentCall).Allowed)

	calls := 0
	out := h.runner.Run(context.Background(), Action{ID: "x", Fallback: 42}, countingInvoke(&calls, "ok"))

	require.True(t, out.IsRateLimited())
	assert.Equal(t, 0, calls)
	assert.Equal(t, 42, out.Fallback)
	assert.Equal(t, 10*time.Second, out.RetryAfter)
	assert.False(t, out.IsSuccess(), "callers must be able to tell fallback from success")
}

func TestRun_SeparateResourceClass(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 1}, 10*time.Second)
	require.True(t, h.limiter.TryAcquire(ratelimit.ClassAgentCall).Allowed)

	calls := 0
	out := h.runner.Run(context.Background(), Action{ID: "x", ResourceClass: ratelimit.ClassExtraction}, countingInvoke(&calls, "ok"))
	assert.True(t, out.IsSuccess())
}

func TestAwait(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 1}, 10*time.Second)

	require.NoError(t, h.runner.Await(context.Background(), ""))
	assert.Empty(t, h.sleeps, "an idle class needs no wait")

	require.True(t, h.limiter.TryAcquire(ratelimit.ClassAgentCall).Allowed)
	h.clock.Advance(4 * time.Second)

	require.NoError(t, h.runner.Await(context.Background(), ""))
	assert.Equal(t, []time.Duration{6 * time.Second}, h.sleeps)

	calls := 0
	out := h.runner.Run(context.Background(), Action{ID: "x"}, countingInvoke(&calls, "ok"))
	assert.True(t, out.IsSuccess(), "the window has passed after Await")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.runner.Await(ctx, ratelimit.ClassExtraction), context.Canceled)
}

func TestRun_RetriesAreLogged(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 3, Delay: time.Second}, 0)

	calls := 0
	out := h.runner.Run(context.Background(), Action{ID: "fill-cargo"},
		countingInvoke(&calls, "done", errors.New("flaky"), errors.New("flaky")))

	require.True(t, out.IsSuccess())
	entries := h.logs.FilterMessage("Action failed, retrying").All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ContextMap()["attempt"])
	assert.Equal(t, int64(2), entries[1].ContextMap()["attempt"])
}

func TestRun_WallClockRetry(t *testing.T) {
	r := New(ratelimit.New(0), Policy{MaxAttempts: 2, Delay: time.Millisecond}, zap.NewNop())

	calls := 0
	out := r.Run(context.Background(), Action{ID: "x"}, countingInvoke(&calls, "ok", errors.New("flaky")))

	require.True(t, out.IsSuccess())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, calls)
}

func TestLimiterBackOff(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := ratelimit.New(0, ratelimit.WithClock(clock.Now))
	b := &limiterBackOff{limiter: limiter, class: ratelimit.ClassAgentCall, delay: time.Second, linear: true}

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())

	limiter.ReportRateLimitSignal(ratelimit.ClassAgentCall, time.Minute)
	assert.Equal(t, time.Minute, b.NextBackOff(), "the limiter window wins over a shorter delay")

	b.Reset()
	b.class = ratelimit.ClassExtraction
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestRun_FatalErrorStopsImmediately(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 5, Delay: time.Second}, 0)

	calls := 0
	invoke := countingInvoke(&calls, "ok", errors.New("Invalid username or password"))
	out := h.runner.Run(context.Background(), Action{ID: "authenticate"}, invoke)

	require.True(t, out.IsFatal())
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.sleeps)
	assert.True(t, automation.IsFatalError(out.Error()))
}

func TestRun_ContextCanceledDuringDelay(t *testing.T) {
	limiter := ratelimit.New(0)
	ctx, cancel := context.WithCancel(context.Background())

	r := New(limiter, Policy{MaxAttempts: 3, Delay: time.Hour}, zap.NewNop())
	calls := 0
	invoke := func(ctx context.Context, a Action) (any, error) {
		calls++
		cancel()
		return nil, errors.New("flaky")
	}
	out := r.Run(ctx, Action{ID: "x"}, invoke)

	require.True(t, out.IsFatal())
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRun_CustomClassifier(t *testing.T) {
	h := newHarness(t, Policy{MaxAttempts: 3}, 0)
	h.runner.classify = func(error) automation.ErrorKind { return automation.KindFatal }

	out := h.runner.Run(context.Background(), Action{ID: "x"}, func(ctx context.Context, a Action) (any, error) {
		return nil, errors.New("anything")
	})
	assert.True(t, out.IsFatal())
}

func TestNew_Defaults(t *testing.T) {
	r := New(ratelimit.New(0), Policy{}, nil)
	assert.Equal(t, 1, r.Policy().MaxAttempts)
	assert.Equal(t, ratelimit.ClassAgentCall, r.Policy().ResourceClass)
}

func TestOutcomeThen(t *testing.T) {
	called := false
	out := FatalFailure(errors.New("x"), 1).Then(func() Outcome {
		called = true
		return Success(nil, 1)
	})
	assert.False(t, called)
	assert.True(t, out.IsFatal())

	out = Success("a", 1).Then(func() Outcome { return Success("b", 1) })
	assert.Equal(t, "b", out.Payload)
}

func TestOutcomeOrElse(t *testing.T) {
	out := FatalFailure(errors.New("automated login failed"), 1).OrElse(func() Outcome {
		return Success("manual", 2)
	})
	assert.True(t, out.IsSuccess())
	assert.Equal(t, "manual", out.Payload)

	called := false
	out = RateLimited(time.Second, "assumed", nil, 0).OrElse(func() Outcome {
		called = true
		return Success(nil, 1)
	})
	assert.False(t, called, "only fatal outcomes fall back")
	assert.True(t, out.IsRateLimited())
}
