package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/agent"
	"github.com/xkilldash9x/quotebot/internal/booking"
	"github.com/xkilldash9x/quotebot/internal/browser"
	"github.com/xkilldash9x/quotebot/internal/carrier"
	"github.com/xkilldash9x/quotebot/internal/config"
	"github.com/xkilldash9x/quotebot/internal/llmclient"
	"github.com/xkilldash9x/quotebot/internal/observability"
	"github.com/xkilldash9x/quotebot/internal/pipeline"
	"github.com/xkilldash9x/quotebot/internal/ratelimit"
	"github.com/xkilldash9x/quotebot/internal/reporting"
	"github.com/xkilldash9x/quotebot/internal/runner"
	"github.com/xkilldash9x/quotebot/internal/store"
)

// errRunFailed is returned when the pipeline ran but did not complete.
var errRunFailed = errors.New("quote run failed")

// runHistory is the part of store.Store the commands use.
type runHistory interface {
	SaveRun(ctx context.Context, runID string, doc reporting.Document) error
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Function variables for dependency injection in tests.
var (
	now         = time.Now
	newRunID    = uuid.NewString
	buildAgent  = defaultBuildAgent
	openHistory = defaultOpenHistory
	newOperator = defaultNewOperator
)

func newQuoteCmd() *cobra.Command {
	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Log in to the carrier portal, fill the booking form and collect rate quotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := viperFrom(cmd)
			if err != nil {
				return err
			}
			return runQuote(cmd.Context(), v, cmd.OutOrStdout())
		},
	}

	quoteCmd.Flags().String("booking", "", "YAML or JSON booking request (default is the built-in sample)")
	quoteCmd.Flags().Bool("headless", false, "run Chrome without a window")
	quoteCmd.Flags().StringP("output", "o", "", "result document path")
	quoteCmd.Flags().String("provider", "", "agent LLM provider (gemini or anthropic)")
	quoteCmd.Flags().String("model", "", "agent LLM model")
	quoteCmd.Flags().Int("max-attempts", 0, "attempts per action before the run fails")
	quoteCmd.Flags().String("login-mode", "", "portal login: auto, manual or hybrid (automated, then operator)")

	bindFlag(quoteCmd, "booking", "booking_file")
	bindFlag(quoteCmd, "headless", "browser.headless")
	bindFlag(quoteCmd, "output", "output.path")
	bindFlag(quoteCmd, "provider", "agent.provider")
	bindFlag(quoteCmd, "model", "agent.model")
	bindFlag(quoteCmd, "max-attempts", "runner.max_attempts")
	bindFlag(quoteCmd, "login-mode", "carrier.login_mode")
	return quoteCmd
}

// runQuote performs one quote run and always writes a result document once
// the configuration is valid. Configuration errors fail before anything starts.
func runQuote(ctx context.Context, v *viper.Viper, out io.Writer) error {
	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return err
	}

	car, err := carrier.New(cfg.Carrier, observability.GetLogger())
	if err != nil {
		return err
	}

	runID := newRunID()
	logger := observability.ForRun(runID, car.Name())
	meta := reporting.Meta{Carrier: car.Name()}

	details, err := loadBooking(cfg.BookingFile, now())
	if err != nil {
		return publish(ctx, cfg, runID, reporting.FailureDocument(meta, err, now()), nil, logger, out)
	}
	meta.Booking = &details

	logger.Info("Starting quote run",
		zap.String("origin", details.Origin.String()),
		zap.String("destination", details.Destination.String()),
		zap.String("provider", cfg.Agent.Provider),
		zap.Bool("headless", cfg.Browser.Headless),
	)

	ag, err := buildAgent(ctx, cfg, runID, car.Secrets(), logger)
	if err != nil {
		logger.Error("Failed to start the browser agent", zap.Error(err))
		return publish(ctx, cfg, runID, reporting.FailureDocument(meta, err, now()), nil, logger, out)
	}

	// Every class calls the same provider, so a throttle on one cools all of them.
	limiter := ratelimit.New(cfg.RateLimit.MinInterval,
		ratelimit.WithSharedCooldown(ratelimit.ClassAgentCall, ratelimit.ClassExtraction))
	r := runner.New(limiter, runnerPolicy(cfg), logger)
	ctrl := pipeline.NewController(logger, pipeline.SnapshotFunc(ag.Snapshot), ag.Close)

	session := carrier.Session{Agent: ag, Runner: r, Booking: details}
	if cfg.Carrier.LoginMode != config.LoginAuto {
		session.Operator = newOperator(cfg)
	}
	res, err := ctrl.Run(ctx, car.Stages(session))
	if err != nil {
		return err
	}

	meta.Quotes = quotesFrom(res)
	return publish(ctx, cfg, runID, reporting.NewDocument(res, meta, now()), meta.Quotes, logger, out)
}

// publish writes the result document, the quotes file and the history row.
// Only a failure to write the result document changes the returned error.
func publish(ctx context.Context, cfg *config.Config, runID string, doc reporting.Document, quotes []booking.Quote, logger *zap.Logger, out io.Writer) error {
	if err := reporting.WriteDocument(cfg.Output.Path, doc); err != nil {
		return fmt.Errorf("failed to write result document: %w", err)
	}
	if err := reporting.WriteQuotes(cfg.Output.QuotesPath, quotes); err != nil {
		logger.Warn("Failed to write quotes file", zap.String("path", cfg.Output.QuotesPath), zap.Error(err))
	}

	if cfg.Database.Enabled() {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := saveRun(saveCtx, cfg.Database.URL, runID, doc, logger); err != nil {
			logger.Warn("Failed to record run history", zap.Error(err))
		}
	}

	if doc.Success {
		logger.Info("Quote run completed", zap.Int("quotes", len(quotes)), zap.String("result", cfg.Output.Path))
		fmt.Fprintf(out, "Run %s succeeded: %d quote(s) written to %s\n", runID, len(quotes), cfg.Output.QuotesPath)
		return nil
	}

	logger.Error("Quote run failed", zap.String("stage", doc.Summary.FailedStage), zap.String("error", doc.Error))
	fmt.Fprintf(out, "Run %s failed, see %s\n", runID, cfg.Output.Path)
	if doc.Summary.FailedStage != "" {
		return fmt.Errorf("%w at stage %s: %s", errRunFailed, doc.Summary.FailedStage, doc.Error)
	}
	return fmt.Errorf("%w: %s", errRunFailed, doc.Error)
}

func saveRun(ctx context.Context, url, runID string, doc reporting.Document, logger *zap.Logger) error {
	history, closeHistory, err := openHistory(ctx, url, logger)
	if err != nil {
		return err
	}
	defer closeHistory()
	return history.SaveRun(ctx, runID, doc)
}

// loadBooking reads the booking file, or returns the built-in sample ready on today's date.
func loadBooking(path string, today time.Time) (booking.Details, error) {
	if path == "" {
		y, m, d := today.Date()
		return booking.Default(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)), nil
	}
	return booking.LoadFile(path)
}

func runnerPolicy(cfg *config.Config) runner.Policy {
	return runner.Policy{
		MaxAttempts:       cfg.Runner.MaxAttempts,
		Delay:             cfg.Runner.RetryDelay,
		LinearBackoff:     cfg.Runner.LinearBackoff,
		RateLimitCooldown: cfg.RateLimit.Cooldown,
		ResourceClass:     ratelimit.ClassAgentCall,
	}
}

// quotesFrom returns the quotes any stage extracted.
func quotesFrom(res pipeline.Result) []booking.Quote {
	var quotes []booking.Quote
	for _, s := range res.Stages {
		if set, ok := res.Outputs[s.Name].(booking.QuoteSet); ok {
			quotes = append(quotes, set.Quotes...)
		}
	}
	return quotes
}

func defaultBuildAgent(ctx context.Context, cfg *config.Config, runID string, secrets map[string]string, logger *zap.Logger) (agent.Agent, error) {
	llm, err := llmclient.NewClient(ctx, cfg.Agent, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	session, err := browser.NewSession(ctx, cfg.Browser, runID, cfg.Output.ScreenshotDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return agent.New(session, llm, cfg.Agent, logger, agent.WithSecrets(secrets)), nil
}

func defaultNewOperator(cfg *config.Config) carrier.Operator {
	return carrier.NewConsoleOperator(os.Stdin, os.Stderr, cfg.Carrier.ManualLoginTimeout)
}

func defaultOpenHistory(ctx context.Context, url string, logger *zap.Logger) (runHistory, func(), error) {
	s, closeFn, err := store.Connect(ctx, url, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return s, closeFn, nil
}
