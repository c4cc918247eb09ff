// Package agent is the browser agent the runner drives. It shows the current
// page to an LLM, replays the LLM's planned steps through the browser session
// and repeats until the instruction is done or the step budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/automation"
	"github.com/xkilldash9x/quotebot/internal/browser"
	"github.com/xkilldash9x/quotebot/internal/config"
	"github.com/xkilldash9x/quotebot/internal/llmclient"
)

// Agent executes natural-language instructions against the portal.
type Agent interface {
	// Execute performs the instruction and returns the agent's summary of what happened.
	Execute(ctx context.Context, instruction string) (string, error)
	// Extract reads structured data matching schema from the current page into out.
	Extract(ctx context.Context, instruction string, schema map[string]any, out any) error
	// Snapshot saves a diagnostic screenshot.
	Snapshot(ctx context.Context, label string) error
	Close(ctx context.Context) error
}

// Browser is the slice of browser.Session the agent uses.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Select(ctx context.Context, selector, value string) error
	Press(ctx context.Context, selector, key string) error
	Wait(ctx context.Context, d time.Duration) error
	PageState(ctx context.Context) (browser.PageState, error)
	Snapshot(ctx context.Context, label string) error
	Close(ctx context.Context) error
}

var _ Browser = (*browser.Session)(nil)

const (
	defaultMaxSteps = 12
	maxPageText     = 6000
	maxElements     = 150
	historyLines    = 12
	maxWait         = 10 * time.Second
)

// BrowserAgent implements Agent on top of a Browser and an LLM.
type BrowserAgent struct {
	browser  Browser
	llm      llmclient.Client
	maxSteps int
	secrets  map[string]string
	logger   *zap.Logger
}

var _ Agent = (*BrowserAgent)(nil)

// Option customises a BrowserAgent.
type Option func(*BrowserAgent)

// WithSecrets registers values the LLM never sees. Instructions refer to
// them as {{name}}; the placeholder is replaced only when the text is typed.
func WithSecrets(secrets map[string]string) Option {
	return func(a *BrowserAgent) {
		for k, v := range secrets {
			a.secrets[k] = v
		}
	}
}

// New creates a BrowserAgent. cfg.MaxSteps bounds the planning rounds per instruction.
func New(b Browser, llm llmclient.Client, cfg config.AgentConfig, logger *zap.Logger, opts ...Option) *BrowserAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	a := &BrowserAgent{
		browser:  b,
		llm:      llm,
		maxSteps: maxSteps,
		secrets:  make(map[string]string),
		logger:   logger.Named("agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute runs observe-plan-act rounds until the planner reports done or fail.
//
// Errors are classified for the runner: LLM errors keep the classification
// the client gave them, unreadable plans and an exhausted step budget are
// transient, and a planner "fail" is classified by its reason.
func (a *BrowserAgent) Execute(ctx context.Context, instruction string) (string, error) {
	var history []string

	for round := 1; round <= a.maxSteps; round++ {
		state, err := a.browser.PageState(ctx)
		if err != nil {
			return "", a.browserErr(ctx, fmt.Errorf("observe page: %w", err))
		}

		reply, err := a.llm.Generate(ctx, llmclient.Request{
			SystemPrompt: plannerSystemPrompt,
			UserPrompt:   plannerUserPrompt(instruction, state, history),
			Schema:       planSchema(),
		})
		if err != nil {
			return "", err
		}

		plan, err := ParsePlan(reply)
		if err != nil {
			a.logger.Warn("Discarding unreadable plan", zap.Int("round", round), zap.Error(err))
			history = append(history, fmt.Sprintf("round %d: your reply was not a valid plan (%v)", round, err))
			continue
		}
		a.logger.Debug("Plan received",
			zap.Int("round", round),
			zap.String("status", string(plan.Status)),
			zap.Int("steps", len(plan.Steps)),
		)

		for _, step := range plan.Steps {
			if err := a.perform(ctx, step); err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				a.logger.Debug("Step failed", zap.Stringer("step", step), zap.Error(err))
				history = append(history, fmt.Sprintf("round %d: %s FAILED: %v", round, step, err))
				// Remaining steps were planned against a page that no longer matches.
				plan.Status = StatusContinue
				break
			}
			history = append(history, fmt.Sprintf("round %d: %s ok", round, step))
		}

		switch plan.Status {
		case StatusDone:
			summary := plan.Summary
			if summary == "" {
				summary = "done"
			}
			a.logger.Info("Instruction completed", zap.Int("rounds", round), zap.String("summary", summary))
			return summary, nil
		case StatusFail:
			return "", reasonError(plan.Reason)
		}
	}

	return "", automation.Transient(fmt.Errorf("instruction not completed within %d planning rounds", a.maxSteps))
}

// Extract asks the LLM to read the page into the schema and decodes the reply into out.
func (a *BrowserAgent) Extract(ctx context.Context, instruction string, schema map[string]any, out any) error {
	state, err := a.browser.PageState(ctx)
	if err != nil {
		return a.browserErr(ctx, fmt.Errorf("observe page: %w", err))
	}

	reply, err := a.llm.Generate(ctx, llmclient.Request{
		SystemPrompt: extractorSystemPrompt,
		UserPrompt:   extractorUserPrompt(instruction, state),
		Schema:       schema,
		ForceJSON:    true,
	})
	if err != nil {
		return err
	}

	raw := llmclient.ExtractJSON(reply)
	if err := jsoniter.UnmarshalFromString(raw, out); err != nil {
		a.logger.Warn("Extraction reply did not decode", zap.String("reply", truncate(reply, 500)), zap.Error(err))
		return automation.Transient(fmt.Errorf("decode extraction: %w", err))
	}
	return nil
}

// Snapshot saves a screenshot through the browser session.
func (a *BrowserAgent) Snapshot(ctx context.Context, label string) error {
	return a.browser.Snapshot(ctx, label)
}

// Close shuts the browser down.
func (a *BrowserAgent) Close(ctx context.Context) error {
	return a.browser.Close(ctx)
}

func (a *BrowserAgent) perform(ctx context.Context, step Step) error {
	switch step.Type {
	case StepNavigate:
		return a.browser.Navigate(ctx, step.URL)
	case StepClick:
		return a.browser.Click(ctx, step.Target())
	case StepInput:
		return a.browser.Type(ctx, step.Target(), a.reveal(step.Text))
	case StepSelect:
		return a.browser.Select(ctx, step.Target(), step.Text)
	case StepPress:
		return a.browser.Press(ctx, step.Target(), step.Key)
	case StepWait:
		d := time.Duration(step.WaitMS) * time.Millisecond
		if d > maxWait {
			d = maxWait
		}
		return a.browser.Wait(ctx, d)
	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}
}

// reveal substitutes registered secrets for their {{name}} placeholders.
func (a *BrowserAgent) reveal(text string) string {
	if len(a.secrets) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	for name, value := range a.secrets {
		text = strings.ReplaceAll(text, "{{"+name+"}}", value)
	}
	return text
}

// browserErr classifies a browser failure. A closed session cannot recover.
func (a *BrowserAgent) browserErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, browser.ErrSessionClosed) {
		return automation.Fatal(err)
	}
	return automation.Transient(err)
}

// reasonError classifies the planner's explanation for giving up.
func reasonError(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "agent gave up without a reason"
	}
	err := errors.New(reason)
	if automation.IsAuthRejection(reason) {
		return automation.Transient(fmt.Errorf("portal rejected the session: %w", err))
	}
	switch automation.Classify(err) {
	case automation.KindRateLimit:
		return &automation.RateLimitError{Err: err}
	case automation.KindFatal:
		return automation.Fatal(err)
	default:
		return automation.Transient(err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
