// Package carrier turns a booking request into the ordered pipeline stages
// for one carrier portal.
package carrier

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/agent"
	"github.com/xkilldash9x/quotebot/internal/booking"
	"github.com/xkilldash9x/quotebot/internal/config"
	"github.com/xkilldash9x/quotebot/internal/pipeline"
	"github.com/xkilldash9x/quotebot/internal/runner"
)

// Session is what the stages of one run share.
type Session struct {
	Agent   agent.Agent
	Runner  *runner.Runner
	Booking booking.Details
	// Operator answers manual steps. Nil when nobody is at the console.
	Operator Operator
}

// Carrier builds the stage list for its portal.
type Carrier interface {
	Name() string
	Stages(s Session) []pipeline.Stage
	// Secrets returns the values the agent may type but the LLM must not see.
	Secrets() map[string]string
}

// New returns the carrier named in cfg.
func New(cfg config.CarrierConfig, logger *zap.Logger) (Carrier, error) {
	switch strings.ToLower(cfg.Name) {
	case "", MaerskName:
		return NewMaersk(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported carrier %q", cfg.Name)
	}
}

// strategy is one way of carrying out a stage.
type strategy struct {
	build  func() runner.Action
	invoke runner.InvokeFunc
}

// actionStage wraps a runner action as a pipeline stage. build runs right
// before dispatch so the instruction reflects the latest state. The stage
// waits out the limiter window first; only provider throttling can then
// produce a rate-limited outcome.
func actionStage(s Session, name string, policy pipeline.RateLimitPolicy, build func() runner.Action, invoke runner.InvokeFunc) pipeline.Stage {
	return pipeline.Stage{
		Name:          name,
		OnRateLimited: policy,
		Run: func(ctx context.Context) (runner.Outcome, error) {
			return runStrategy(ctx, s, name, strategy{build: build, invoke: invoke})
		},
	}
}

// fallbackStage runs primary and, when it fails fatally, fallback in its
// place. The reported attempts are those of the strategy that decided the outcome.
func fallbackStage(s Session, name string, policy pipeline.RateLimitPolicy, primary, fallback strategy, logger *zap.Logger) pipeline.Stage {
	return pipeline.Stage{
		Name:          name,
		OnRateLimited: policy,
		Run: func(ctx context.Context) (runner.Outcome, error) {
			out, err := runStrategy(ctx, s, name, primary)
			if err != nil {
				return out, err
			}
			var fallbackErr error
			out = out.OrElse(func() runner.Outcome {
				if ctx.Err() != nil {
					return out
				}
				logger.Warn("Primary strategy failed, falling back", zap.String("stage", name), zap.Error(out.Err))
				next, err := runStrategy(ctx, s, name, fallback)
				if err != nil {
					fallbackErr = err
					return out
				}
				return next
			})
			return out, fallbackErr
		},
	}
}

func runStrategy(ctx context.Context, s Session, name string, st strategy) (runner.Outcome, error) {
	action := st.build()
	action.ID = name
	if err := s.Runner.Await(ctx, action.ResourceClass); err != nil {
		return runner.Outcome{}, err
	}
	return s.Runner.Run(ctx, action, st.invoke), nil
}

// execute is the InvokeFunc for free-form instructions.
func execute(ag agent.Agent) runner.InvokeFunc {
	return func(ctx context.Context, action runner.Action) (any, error) {
		return ag.Execute(ctx, action.Instruction)
	}
}
