package runner

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/quotebot/internal/automation"
)

// OutcomeKind tags the result of running an Action.
type OutcomeKind int

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomeSuccess
	OutcomeTransientFailure
	OutcomeRateLimited
	OutcomeFatalFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of an Action. Only the fields relevant to Kind are set.
type Outcome struct {
	Kind OutcomeKind

	// Payload holds the agent's result on Success.
	Payload any
	// Fallback is the action's designated fallback value on RateLimited.
	Fallback any
	// RetryAfter is the remaining cooldown on RateLimited.
	RetryAfter time.Duration
	// Err is the underlying failure on TransientFailure, RateLimited and FatalFailure.
	Err error
	// Attempts counts the invocations charged against the action's attempt budget.
	Attempts int
}

func Success(payload any, attempts int) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload, Attempts: attempts}
}

func TransientFailure(err error, attempts int) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Err: err, Attempts: attempts}
}

func RateLimited(retryAfter time.Duration, fallback any, err error, attempts int) Outcome {
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfter, Fallback: fallback, Err: err, Attempts: attempts}
}

func FatalFailure(err error, attempts int) Outcome {
	return Outcome{Kind: OutcomeFatalFailure, Err: err, Attempts: attempts}
}

func (o Outcome) IsSuccess() bool     { return o.Kind == OutcomeSuccess }
func (o Outcome) IsRateLimited() bool { return o.Kind == OutcomeRateLimited }
func (o Outcome) IsFatal() bool       { return o.Kind == OutcomeFatalFailure }

// Error returns the outcome as an error, or nil on Success.
func (o Outcome) Error() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeRateLimited:
		return &automation.RateLimitError{Err: o.Err, RetryAfter: o.RetryAfter}
	case OutcomeTransientFailure:
		if o.Err == nil {
			return automation.Transient(fmt.Errorf("transient failure"))
		}
		return automation.Transient(o.Err)
	case OutcomeFatalFailure:
		if o.Err == nil {
			return automation.Fatal(fmt.Errorf("fatal failure"))
		}
		return o.Err
	default:
		return fmt.Errorf("unclassified outcome")
	}
}

// Then runs next only if o succeeded, otherwise it returns o unchanged.
// It lets a stage chain several actions and stop at the first non-success.
func (o Outcome) Then(next func() Outcome) Outcome {
	if o.Kind != OutcomeSuccess {
		return o
	}
	return next()
}

// OrElse runs next in place of a fatal failure, so a caller can fall back to
// another strategy. Other outcomes are returned unchanged.
func (o Outcome) OrElse(next func() Outcome) Outcome {
	if !o.IsFatal() {
		return o
	}
	return next()
}
