package agent

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/quotebot/internal/browser"
	"github.com/xkilldash9x/quotebot/internal/llmclient"
)

// StepType is one browser primitive the planner may ask for.
type StepType string

const (
	StepNavigate StepType = "navigate"
	StepClick    StepType = "click"
	StepInput    StepType = "type"
	StepSelect   StepType = "select"
	StepPress    StepType = "press"
	StepWait     StepType = "wait"
)

// PlanStatus tells the agent whether to keep going after the steps run.
type PlanStatus string

const (
	StatusContinue PlanStatus = "continue"
	StatusDone     PlanStatus = "done"
	StatusFail     PlanStatus = "fail"
)

// Step is a single planned browser action. Ref points at an element from the
// last page-state scan; Selector is used when Ref is zero.
type Step struct {
	Type     StepType `json:"type"`
	Ref      int      `json:"ref,omitempty"`
	Selector string   `json:"selector,omitempty"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	Key      string   `json:"key,omitempty"`
	WaitMS   int      `json:"wait_ms,omitempty"`
}

// Target resolves the CSS selector the step acts on.
func (s Step) Target() string {
	if s.Ref > 0 {
		return browser.Element{Ref: s.Ref}.Selector()
	}
	return s.Selector
}

func (s Step) String() string {
	switch s.Type {
	case StepNavigate:
		return fmt.Sprintf("navigate %s", s.URL)
	case StepWait:
		return fmt.Sprintf("wait %dms", s.WaitMS)
	case StepInput:
		return fmt.Sprintf("type %q into %s", s.Text, s.describeTarget())
	case StepSelect:
		return fmt.Sprintf("select %q in %s", s.Text, s.describeTarget())
	case StepPress:
		return fmt.Sprintf("press %s on %s", s.Key, s.describeTarget())
	default:
		return fmt.Sprintf("%s %s", s.Type, s.describeTarget())
	}
}

func (s Step) describeTarget() string {
	if s.Ref > 0 {
		return fmt.Sprintf("[%d]", s.Ref)
	}
	return s.Selector
}

// Validate rejects steps missing the fields their type needs.
func (s Step) Validate() error {
	switch s.Type {
	case StepNavigate:
		if s.URL == "" {
			return errors.New("navigate step needs a url")
		}
	case StepClick:
		if s.Target() == "" {
			return errors.New("click step needs a ref or selector")
		}
	case StepInput, StepSelect:
		if s.Target() == "" {
			return fmt.Errorf("%s step needs a ref or selector", s.Type)
		}
	case StepPress:
		if s.Target() == "" || s.Key == "" {
			return errors.New("press step needs a target and a key")
		}
	case StepWait:
		if s.WaitMS <= 0 {
			return errors.New("wait step needs a positive wait_ms")
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}

// Plan is the planner's reply for one round.
type Plan struct {
	Status  PlanStatus `json:"status"`
	Steps   []Step     `json:"steps"`
	Summary string     `json:"summary,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// ParsePlan decodes a planner reply, tolerating prose or code fences around
// the JSON.
func ParsePlan(reply string) (Plan, error) {
	raw := llmclient.ExtractJSON(strings.TrimSpace(reply))
	if raw == "" {
		return Plan{}, errors.New("empty plan")
	}

	var p Plan
	if err := jsoniter.UnmarshalFromString(raw, &p); err != nil {
		return Plan{}, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	p.Status = PlanStatus(strings.ToLower(string(p.Status)))
	switch p.Status {
	case StatusContinue, StatusDone, StatusFail:
	case "":
		p.Status = StatusContinue
	default:
		return Plan{}, fmt.Errorf("unknown plan status %q", p.Status)
	}
	for i := range p.Steps {
		p.Steps[i].Type = StepType(strings.ToLower(string(p.Steps[i].Type)))
		if err := p.Steps[i].Validate(); err != nil {
			return Plan{}, fmt.Errorf("step %d: %w", i, err)
		}
	}
	if p.Status == StatusContinue && len(p.Steps) == 0 {
		return Plan{}, errors.New("plan continues without any steps")
	}
	return p, nil
}

// planSchema constrains the planner reply on providers that support it.
func planSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{"type": "string", "enum": []any{"continue", "done", "fail"}},
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":     map[string]any{"type": "string", "enum": []any{"navigate", "click", "type", "select", "press", "wait"}},
						"ref":      map[string]any{"type": "integer"},
						"selector": map[string]any{"type": "string"},
						"text":     map[string]any{"type": "string"},
						"url":      map[string]any{"type": "string"},
						"key":      map[string]any{"type": "string"},
						"wait_ms":  map[string]any{"type": "integer"},
					},
					"required": []any{"type"},
				},
			},
			"summary": map[string]any{"type": "string"},
			"reason":  map[string]any{"type": "string"},
		},
		"required": []any{"status", "steps"},
	}
}
