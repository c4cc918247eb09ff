// Package runner executes a single named action against the browser agent,
// owning the retry, backoff and rate-limit fallback policy.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/automation"
	"github.com/xkilldash9x/quotebot/internal/ratelimit"
)

// Action is a named unit of work submitted to the agent. It is built right
// before dispatch and discarded once Run returns.
type Action struct {
	ID          string
	Instruction string
	// Schema describes the expected result for extraction actions; nil for
	// free-form instructions.
	Schema any
	// ResourceClass selects the rate limit bucket. Defaults to the policy's class.
	ResourceClass string
	// MaxAttempts and Delay override the policy when positive.
	MaxAttempts int
	Delay       time.Duration
	// Fallback is handed back in the RateLimited outcome.
	Fallback any
}

// InvokeFunc performs the actual agent call for an action.
type InvokeFunc func(ctx context.Context, action Action) (any, error)

// Policy holds the centrally configured retry behaviour.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// LinearBackoff multiplies Delay by the attempt number. When false every
	// retry waits exactly Delay.
	LinearBackoff bool
	// RateLimitCooldown is the extra cooldown reported to the limiter when the
	// provider signals throttling without a retry-after hint.
	RateLimitCooldown time.Duration
	ResourceClass     string
}

// DefaultPolicy mirrors the defaults in config.SetDefaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Delay:             2 * time.Second,
		RateLimitCooldown: 60 * time.Second,
		ResourceClass:     ratelimit.ClassAgentCall,
	}
}

// errHalted stops the retry loop once Run has settled on a non-retryable outcome.
var errHalted = errors.New("action halted")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Runner runs actions under a Policy.
type Runner struct {
	limiter  *ratelimit.Limiter
	policy   Policy
	logger   *zap.Logger
	sleep    SleepFunc
	classify func(error) automation.ErrorKind
}

// Option customises a Runner.
type Option func(*Runner)

// WithSleep replaces the wall-clock timer behind retry and pacing waits.
// Intended for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// WithClassifier replaces automation.Classify.
func WithClassifier(classify func(error) automation.ErrorKind) Option {
	return func(r *Runner) { r.classify = classify }
}

// New creates a Runner.
func New(limiter *ratelimit.Limiter, policy Policy, logger *zap.Logger, opts ...Option) *Runner {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.ResourceClass == "" {
		policy.ResourceClass = ratelimit.ClassAgentCall
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		limiter:  limiter,
		policy:   policy,
		logger:   logger.Named("task_runner"),
		classify: automation.Classify,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the runner's effective policy.
func (r *Runner) Policy() Policy { return r.policy }

// Await blocks until the limiter would admit a call against class, so a
// caller can pace itself instead of being handed a rate-limited fallback.
// An empty class means the policy's class.
func (r *Runner) Await(ctx context.Context, class string) error {
	if class == "" {
		class = r.policy.ResourceClass
	}
	wait := r.limiter.Remaining(class)
	if wait <= 0 {
		return ctx.Err()
	}
	r.logger.Debug("Waiting for rate limit window", zap.String("resource_class", class), zap.Duration("wait", wait))

	t := r.timer(ctx)
	defer t.Stop()
	t.Start(wait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return ctx.Err()
	}
}

// Run executes action through invoke until it succeeds, is throttled, fails
// fatally, or runs out of attempts. It never returns a bare error: every
// failure is folded into the Outcome, and exhaustion wraps the last error
// with the action ID and attempt count.
func (r *Runner) Run(ctx context.Context, action Action, invoke InvokeFunc) Outcome {
	maxAttempts := r.policy.MaxAttempts
	if action.MaxAttempts > 0 {
		maxAttempts = action.MaxAttempts
	}
	delay := r.policy.Delay
	if action.Delay > 0 {
		delay = action.Delay
	}
	class := action.ResourceClass
	if class == "" {
		class = r.policy.ResourceClass
	}

	log := r.logger.With(zap.String("action", action.ID), zap.String("resource_class", class))

	var (
		// halted is set by every exit that must not be retried.
		halted  *Outcome
		payload any
		charged int
		attempt int
	)
	halt := func(out Outcome) error {
		halted = &out
		return backoff.Permanent(errHalted)
	}

	operation := func() error {
		attempt = charged + 1
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		if d := r.limiter.TryAcquire(class); !d.Allowed {
			log.Warn("Call suppressed by rate limiter, using fallback",
				zap.Int("attempt", attempt),
				zap.Duration("wait", d.Wait),
			)
			return halt(RateLimited(d.Wait, action.Fallback, nil, charged))
		}

		result, err := invoke(ctx, action)
		if err == nil {
			payload = result
			return nil
		}

		switch r.classify(err) {
		case automation.KindRateLimit:
			cooldown := r.policy.RateLimitCooldown
			var rlErr *automation.RateLimitError
			if errors.As(err, &rlErr) && rlErr.RetryAfter > cooldown {
				cooldown = rlErr.RetryAfter
			}
			r.limiter.ReportRateLimitSignal(class, cooldown)
			log.Warn("Provider rate limit hit, cooling down and using fallback",
				zap.Int("attempt", attempt),
				zap.Duration("cooldown", cooldown),
				zap.Error(err),
			)
			// Throttling is not the action's fault, so the attempt is not charged.
			return halt(RateLimited(cooldown, action.Fallback, err, charged))

		case automation.KindFatal, automation.KindConfiguration:
			log.Error("Action failed with unrecoverable error", zap.Int("attempt", attempt), zap.Error(err))
			return halt(FatalFailure(&automation.FatalError{ActionID: action.ID, Attempts: attempt, Err: err}, attempt))
		}

		charged = attempt
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("Action failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.retryBackOff(class, delay), uint64(maxAttempts-1)), ctx)
	t := r.timer(ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, t)

	switch {
	case halted != nil:
		return *halted
	case err == nil:
		log.Info("Action succeeded", zap.Int("attempt", attempt))
		return Success(payload, attempt)
	case ctx.Err() != nil:
		log.Warn("Retry wait interrupted", zap.Error(ctx.Err()))
		return FatalFailure(&automation.FatalError{ActionID: action.ID, Attempts: attempt, Err: ctx.Err()}, attempt)
	}

	log.Error("Action exhausted its attempts", zap.Int("attempts", charged), zap.Error(err))
	return FatalFailure(&automation.FatalError{
		ActionID: action.ID,
		Attempts: charged,
		Err:      automation.Transient(err),
	}, charged)
}

func (r *Runner) retryBackOff(class string, delay time.Duration) *limiterBackOff {
	return &limiterBackOff{
		limiter: r.limiter,
		class:   class,
		delay:   delay,
		linear:  r.policy.LinearBackoff,
	}
}

func (r *Runner) timer(ctx context.Context) backoff.Timer {
	if r.sleep == nil {
		return &wallTimer{}
	}
	return &sleepTimer{ctx: ctx, sleep: r.sleep, c: make(chan time.Time, 1)}
}

// limiterBackOff waits delay, or delay*n on the nth retry when linear, and
// never less than the class's remaining limiter window.
type limiterBackOff struct {
	limiter *ratelimit.Limiter
	class   string
	delay   time.Duration
	linear  bool
	retries int
}

var _ backoff.BackOff = (*limiterBackOff)(nil)

func (b *limiterBackOff) NextBackOff() time.Duration {
	b.retries++
	wait := b.delay
	if b.linear {
		wait = b.delay * time.Duration(b.retries)
	}
	// Never retry into our own limiter window.
	if remaining := b.limiter.Remaining(b.class); remaining > wait {
		wait = remaining
	}
	return wait
}

func (b *limiterBackOff) Reset() { b.retries = 0 }

// wallTimer is a backoff.Timer on the real clock.
type wallTimer struct {
	t *time.Timer
}

func (w *wallTimer) Start(d time.Duration) {
	if w.t == nil {
		w.t = time.NewTimer(d)
		return
	}
	w.t.Reset(d)
}

func (w *wallTimer) Stop() {
	if w.t != nil {
		w.t.Stop()
	}
}

func (w *wallTimer) C() <-chan time.Time { return w.t.C }

// sleepTimer adapts a SleepFunc to backoff.Timer. Start blocks for the
// duration of the sleep and then fires.
type sleepTimer struct {
	ctx   context.Context
	sleep SleepFunc
	c     chan time.Time
}

func (s *sleepTimer) Start(d time.Duration) {
	_ = s.sleep(s.ctx, d)
	select {
	case s.c <- time.Time{}:
	default:
	}
}

func (s *sleepTimer) Stop() {}

func (s *sleepTimer) C() <-chan time.Time { return s.c }
