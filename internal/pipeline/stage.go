package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/quotebot/internal/runner"
)

// RateLimitPolicy decides what a stage's RateLimited outcome means for the pipeline.
type RateLimitPolicy int

const (
	// FailOnRateLimit halts the pipeline when the stage is throttled.
	FailOnRateLimit RateLimitPolicy = iota
	// ContinueOnRateLimit treats a throttled stage as passed and moves on.
	ContinueOnRateLimit
)

func (p RateLimitPolicy) String() string {
	if p == ContinueOnRateLimit {
		return "continue"
	}
	return "fail"
}

// StageFunc performs one phase of the session. A returned error is treated
// as an unexpected failure, separate from a FatalFailure outcome.
type StageFunc func(ctx context.Context) (runner.Outcome, error)

// Stage is one phase of the pipeline. The rate limit policy is fixed when the
// pipeline is built; the controller never guesses it.
type Stage struct {
	Name          string
	Run           StageFunc
	OnRateLimited RateLimitPolicy
}

// Status is the controller's state machine position.
type Status int

const (
	NotStarted Status = iota
	Running
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// StageReport summarises how a single stage ended.
type StageReport struct {
	Name     string        `json:"name"`
	Outcome  string        `json:"outcome"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	// AssumedSuccess is set when a throttled stage was allowed to continue.
	AssumedSuccess bool   `json:"assumed_success,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Result is what Run returns.
type Result struct {
	Status Status
	// FailedIndex is the zero-based index of the failing stage, -1 otherwise.
	FailedIndex int
	FailedStage string
	Err         error
	Stages      []StageReport
	// Outputs holds the payload (or fallback) of every stage that passed, keyed by stage name.
	Outputs map[string]any
}

// Succeeded reports whether every stage passed.
func (r Result) Succeeded() bool { return r.Status == Completed }
