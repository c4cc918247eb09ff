// Package pipeline sequences the stages of one automation session and
// guarantees diagnostics on failure and teardown on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/automation"
	"github.com/xkilldash9x/quotebot/internal/runner"
)

// ErrAlreadyRun is returned when Run is called on a controller that has left NotStarted.
var ErrAlreadyRun = errors.New("pipeline controller has already been run")

// Snapshotter captures diagnostic state (e.g. a screenshot) for postmortems.
type Snapshotter interface {
	Snapshot(ctx context.Context, label string) error
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context, label string) error

func (f SnapshotFunc) Snapshot(ctx context.Context, label string) error { return f(ctx, label) }

// TeardownFunc releases the agent/session resource.
type TeardownFunc func(ctx context.Context) error

const defaultCleanupTimeout = 15 * time.Second

// Controller runs a pipeline exactly once.
type Controller struct {
	logger         *zap.Logger
	snapshotter    Snapshotter
	teardown       TeardownFunc
	cleanupTimeout time.Duration

	mu     sync.Mutex
	status Status
	index  int
}

// Option customises a Controller.
type Option func(*Controller)

// WithCleanupTimeout bounds snapshot and teardown calls.
func WithCleanupTimeout(d time.Duration) Option {
	return func(c *Controller) { c.cleanupTimeout = d }
}

// NewController creates a controller. snapshotter and teardown may be nil.
func NewController(logger *zap.Logger, snapshotter Snapshotter, teardown TeardownFunc, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		logger:         logger.Named("session_controller"),
		snapshotter:    snapshotter,
		teardown:       teardown,
		cleanupTimeout: defaultCleanupTimeout,
		index:          -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current status and the index of the stage being (or last) run.
func (c *Controller) State() (Status, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.index
}

// Run executes stages strictly in order. A stage starts only after its
// predecessor passed. Teardown runs exactly once on every path, and its
// failure never changes the returned Result.
func (c *Controller) Run(ctx context.Context, stages []Stage) (res Result, err error) {
	c.mu.Lock()
	if c.status != NotStarted {
		c.mu.Unlock()
		return Result{Status: c.status, FailedIndex: -1}, ErrAlreadyRun
	}
	c.status = Running
	c.mu.Unlock()

	res = Result{FailedIndex: -1, Outputs: make(map[string]any, len(stages))}

	defer c.runTeardown(ctx)

	for i, stage := range stages {
		c.setIndex(i)
		report, out, stageErr := c.runStage(ctx, stage)

		if stageErr != nil {
			report.Outcome = "error"
			report.Error = stageErr.Error()
			res.Stages = append(res.Stages, report)
			c.logStage(report, zap.Error(stageErr))
			return c.fail(ctx, res, i, stage.Name, stageErr), nil
		}

		switch out.Kind {
		case runner.OutcomeSuccess:
			res.Outputs[stage.Name] = out.Payload
		case runner.OutcomeRateLimited:
			if stage.OnRateLimited != ContinueOnRateLimit {
				report.Error = out.Error().Error()
				res.Stages = append(res.Stages, report)
				c.logStage(report)
				return c.fail(ctx, res, i, stage.Name, out.Error()), nil
			}
			report.AssumedSuccess = true
			res.Outputs[stage.Name] = out.Fallback
		default:
			failure := out.Error()
			if out.Kind == runner.OutcomeTransientFailure {
				// The runner absorbs transients; one escaping a stage means it gave up.
				failure = &automation.FatalError{ActionID: stage.Name, Attempts: out.Attempts, Err: failure}
			}
			report.Error = failure.Error()
			res.Stages = append(res.Stages, report)
			c.logStage(report)
			return c.fail(ctx, res, i, stage.Name, failure), nil
		}

		res.Stages = append(res.Stages, report)
		c.logStage(report)
	}

	c.mu.Lock()
	c.status = Completed
	c.mu.Unlock()
	res.Status = Completed
	return res, nil
}

// runStage invokes one stage, converting a panic into an error.
func (c *Controller) runStage(ctx context.Context, stage Stage) (report StageReport, out runner.Outcome, err error) {
	report.Name = stage.Name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Stage panicked", zap.String("stage", stage.Name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("stage %q panicked: %v", stage.Name, r)
		}
		report.Duration = time.Since(start)
	}()

	if stage.Run == nil {
		return report, out, fmt.Errorf("stage %q has no run function", stage.Name)
	}
	if err := ctx.Err(); err != nil {
		return report, out, fmt.Errorf("stage %q not started: %w", stage.Name, err)
	}

	out, err = stage.Run(ctx)
	report.Outcome = out.Kind.String()
	report.Attempts = out.Attempts
	return report, out, err
}

func (c *Controller) fail(ctx context.Context, res Result, index int, name string, cause error) Result {
	c.mu.Lock()
	c.status = Failed
	c.mu.Unlock()

	res.Status = Failed
	res.FailedIndex = index
	res.FailedStage = name
	res.Err = cause

	c.captureSnapshot(ctx, "failed-"+name)
	return res
}

// captureSnapshot never lets a diagnostics failure mask the original one.
func (c *Controller) captureSnapshot(ctx context.Context, label string) {
	if c.snapshotter == nil {
		return
	}
	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Diagnostic snapshot panicked", zap.String("label", label), zap.Any("panic", r))
		}
	}()
	if err := c.snapshotter.Snapshot(snapCtx, label); err != nil {
		c.logger.Warn("Failed to capture diagnostic snapshot", zap.String("label", label), zap.Error(err))
	}
}

// runTeardown runs on an uncancelled context so an interrupted run still releases the browser.
func (c *Controller) runTeardown(ctx context.Context) {
	if c.teardown == nil {
		return
	}
	tdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Teardown panicked", zap.Any("panic", r))
		}
	}()
	if err := c.teardown(tdCtx); err != nil {
		c.logger.Error("Teardown failed", zap.Error(err))
		return
	}
	c.logger.Debug("Teardown complete")
}

func (c *Controller) setIndex(i int) {
	c.mu.Lock()
	c.index = i
	c.mu.Unlock()
}

// logStage emits the single terminal summary line for a stage.
func (c *Controller) logStage(r StageReport, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("stage", r.Name),
		zap.String("outcome", r.Outcome),
		zap.Int("attempts", r.Attempts),
		zap.Duration("duration", r.Duration),
	}, extra...)

	switch {
	case r.Error != "":
		c.logger.Error("Stage failed", append(fields, zap.String("reason", r.Error))...)
	case r.AssumedSuccess:
		c.logger.Warn("Stage rate limited, continuing on assumed success", fields...)
	default:
		c.logger.Info("Stage completed", fields...)
	}
}
