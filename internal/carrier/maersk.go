package carrier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/automation"
	"github.com/xkilldash9x/quotebot/internal/booking"
	"github.com/xkilldash9x/quotebot/internal/config"
	"github.com/xkilldash9x/quotebot/internal/pipeline"
	"github.com/xkilldash9x/quotebot/internal/ratelimit"
	"github.com/xkilldash9x/quotebot/internal/runner"
)

// MaerskName is the carrier key used in config and in quote records.
const MaerskName = "maersk"

// Maersk stage names, in execution order.
const (
	StageAuthenticate  = "authenticate"
	StageVerifyLogin   = "verify-login"
	StageOpenBooking   = "open-booking"
	StageFillRoute     = "fill-route"
	StageFillTransport = "fill-transport"
	StageFillCargo     = "fill-cargo"
	StageSearchRates   = "search-rates"
	StageExtractRates  = "extract-rates"
)

const (
	secretUsername = "username"
	secretPassword = "password"
)

// LoginStatus is what verify-login reads off the page after submitting credentials.
type LoginStatus struct {
	LoggedIn     bool   `json:"logged_in"`
	CurrentURL   string `json:"current_url"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func loginStatusSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"logged_in":     map[string]any{"type": "boolean", "description": "True when the page shows a signed-in account and no login form"},
			"current_url":   map[string]any{"type": "string"},
			"error_message": map[string]any{"type": "string", "description": "Any login or access error text shown on the page, empty if none"},
		},
		"required": []any{"logged_in", "current_url"},
	}
}

// Maersk drives the maersk.com booking portal.
type Maersk struct {
	cfg    config.CarrierConfig
	logger *zap.Logger
}

var _ Carrier = (*Maersk)(nil)

func NewMaersk(cfg config.CarrierConfig, logger *zap.Logger) *Maersk {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Maersk{cfg: cfg, logger: logger.Named("maersk")}
}

func (m *Maersk) Name() string { return MaerskName }

func (m *Maersk) Secrets() map[string]string {
	return map[string]string{
		secretUsername: m.cfg.Username,
		secretPassword: m.cfg.Password,
	}
}

func (m *Maersk) bookingURL() string { return m.cfg.BaseURL + "/book/" }

// Stages returns the booking flow. Only verify-login tolerates throttling:
// if the check itself is rate limited, the login that preceded it is
// assumed to have worked and the next stage will surface any problem.
func (m *Maersk) Stages(s Session) []pipeline.Stage {
	d := s.Booking
	return []pipeline.Stage{
		m.authenticateStage(s),

		actionStage(s, StageVerifyLogin, pipeline.ContinueOnRateLimit,
			func() runner.Action {
				return runner.Action{
					Instruction:   verifyLoginInstruction,
					Schema:        loginStatusSchema(),
					ResourceClass: ratelimit.ClassExtraction,
					Fallback:      LoginStatus{LoggedIn: true},
				}
			},
			m.verifyLogin(s)),

		actionStage(s, StageOpenBooking, pipeline.FailOnRateLimit,
			func() runner.Action { return runner.Action{Instruction: m.openBookingInstruction()} },
			execute(s.Agent)),

		actionStage(s, StageFillRoute, pipeline.FailOnRateLimit,
			func() runner.Action { return runner.Action{Instruction: routeInstruction(d)} },
			execute(s.Agent)),

		actionStage(s, StageFillTransport, pipeline.FailOnRateLimit,
			func() runner.Action { return runner.Action{Instruction: transportInstruction(d)} },
			execute(s.Agent)),

		actionStage(s, StageFillCargo, pipeline.FailOnRateLimit,
			func() runner.Action { return runner.Action{Instruction: cargoInstruction(d)} },
			execute(s.Agent)),

		actionStage(s, StageSearchRates, pipeline.FailOnRateLimit,
			func() runner.Action { return runner.Action{Instruction: searchInstruction} },
			execute(s.Agent)),

		actionStage(s, StageExtractRates, pipeline.FailOnRateLimit,
			func() runner.Action {
				return runner.Action{
					Instruction:   extractInstruction(d),
					Schema:        booking.QuoteSetSchema(),
					ResourceClass: ratelimit.ClassExtraction,
				}
			},
			m.extractRates(s)),
	}
}

// authenticateStage picks the login strategy for the configured mode.
func (m *Maersk) authenticateStage(s Session) pipeline.Stage {
	auto := strategy{
		build:  func() runner.Action { return runner.Action{Instruction: m.loginInstruction()} },
		invoke: m.authenticate(s),
	}
	manual := strategy{
		build:  func() runner.Action { return runner.Action{Instruction: m.manualLoginInstruction()} },
		invoke: m.manualLogin(s),
	}

	switch m.cfg.LoginMode {
	case config.LoginManual:
		return actionStage(s, StageAuthenticate, pipeline.FailOnRateLimit, manual.build, manual.invoke)
	case config.LoginHybrid:
		return fallbackStage(s, StageAuthenticate, pipeline.FailOnRateLimit, auto, manual, m.logger)
	default:
		return actionStage(s, StageAuthenticate, pipeline.FailOnRateLimit, auto.build, auto.invoke)
	}
}

// authenticate treats a rejected-session page in the agent's summary as
// transient; the retry reloads the booking page before logging in again.
func (m *Maersk) authenticate(s Session) runner.InvokeFunc {
	return func(ctx context.Context, action runner.Action) (any, error) {
		summary, err := s.Agent.Execute(ctx, action.Instruction)
		if err != nil {
			return nil, err
		}
		if automation.IsAuthRejection(summary) {
			m.logger.Warn("Portal rejected the session, will reload and retry", zap.String("summary", summary))
			return nil, automation.Transient(fmt.Errorf("portal rejected the session: %s", summary))
		}
		return summary, nil
	}
}

// manualLogin opens the portal, hands the browser to the operator and then
// reads the login state back off the page. A login that is not confirmed is
// transient, so the operator is asked again on the next attempt.
func (m *Maersk) manualLogin(s Session) runner.InvokeFunc {
	return func(ctx context.Context, action runner.Action) (any, error) {
		if s.Operator == nil {
			return nil, automation.Fatal(ErrNoOperator)
		}
		if _, err := s.Agent.Execute(ctx, action.Instruction); err != nil {
			return nil, err
		}
		if err := s.Operator.AwaitLogin(ctx, m.bookingURL()); err != nil {
			return nil, automation.Fatal(fmt.Errorf("manual login: %w", err))
		}

		var status LoginStatus
		if err := s.Agent.Extract(ctx, verifyLoginInstruction, loginStatusSchema(), &status); err != nil {
			return nil, err
		}
		m.logger.Info("Operator finished manual login", zap.Bool("logged_in", status.LoggedIn), zap.String("url", status.CurrentURL))
		return status, checkLogin(status)
	}
}

func (m *Maersk) verifyLogin(s Session) runner.InvokeFunc {
	return func(ctx context.Context, action runner.Action) (any, error) {
		var status LoginStatus
		schema, _ := action.Schema.(map[string]any)
		if err := s.Agent.Extract(ctx, action.Instruction, schema, &status); err != nil {
			return nil, err
		}
		return status, checkLogin(status)
	}
}

func checkLogin(status LoginStatus) error {
	msg := strings.TrimSpace(status.ErrorMessage)
	switch {
	case msg != "" && automation.IsAuthRejection(msg):
		return automation.Transient(fmt.Errorf("portal rejected the session: %s", msg))
	case msg != "":
		return automation.Fatal(fmt.Errorf("login failed: %s", msg))
	case !status.LoggedIn:
		return automation.Transient(errors.New("login not confirmed on the page"))
	}
	return nil
}

func (m *Maersk) extractRates(s Session) runner.InvokeFunc {
	return func(ctx context.Context, action runner.Action) (any, error) {
		var set booking.QuoteSet
		schema, _ := action.Schema.(map[string]any)
		if err := s.Agent.Extract(ctx, action.Instruction, schema, &set); err != nil {
			return nil, err
		}
		set, err := booking.DecodeQuoteSet(set, MaerskName, s.Booking)
		if err != nil {
			return nil, automation.Transient(err)
		}
		if len(set.Quotes) == 0 {
			return nil, automation.Transient(errors.New("no rates found on the price overview"))
		}
		m.logger.Info("Extracted rates", zap.Int("quotes", len(set.Quotes)))
		return set, nil
	}
}
