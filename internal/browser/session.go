// Package browser owns the Chrome instance the agent drives: launch flags,
// stealth persona, paced CDP interactions and diagnostic screenshots.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/quotebot/internal/browser/stealth"
	"github.com/xkilldash9x/quotebot/internal/config"
)

// ErrSessionClosed is returned by every operation after Close.
var ErrSessionClosed = errors.New("browser session is closed")

const stabilizeTimeout = 30 * time.Second

// Session is a single Chrome tab.
type Session struct {
	id            string
	runID         string
	ctx           context.Context
	cancel        context.CancelFunc
	logger        *zap.Logger
	cfg           config.BrowserConfig
	pacer         *rate.Limiter
	screenshotDir string

	mu       sync.Mutex
	isClosed bool
}

// NewSession launches Chrome and installs the stealth persona. The browser
// lives until Close; canceling ctx only aborts the launch itself.
func NewSession(ctx context.Context, cfg config.BrowserConfig, runID, screenshotDir string, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.New().String()
	sessionLogger := logger.Named("browser").With(zap.String("session_id", sessionID))

	// Detached from ctx so a diagnostic snapshot can still be taken after an interrupt.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(cfg)...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sessionLogger.Sugar().Debugf),
		chromedp.WithErrorf(sessionLogger.Sugar().Debugf),
	)

	s := &Session{
		id:     sessionID,
		runID:  runID,
		ctx:    tabCtx,
		logger: sessionLogger,
		cfg:    cfg,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
		pacer:         newPacer(cfg.ActionsPerSecond),
		screenshotDir: screenshotDir,
	}

	startCtx, cancelStart := CombineContext(tabCtx, ctx)
	defer cancelStart()
	if err := chromedp.Run(startCtx, stealth.Apply(stealth.PersonaFrom(cfg), sessionLogger)); err != nil {
		s.cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	sessionLogger.Info("Browser session started", zap.Bool("headless", cfg.Headless))
	return s, nil
}

func newPacer(actionsPerSecond float64) *rate.Limiter {
	if actionsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(actionsPerSecond), 1)
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return s.stabilize(ctx)
}

// Click waits for the element to be visible and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Type replaces the content of an input with text, one key event per rune.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"ArrowDown":  kb.ArrowDown,
	"ArrowUp":    kb.ArrowUp,
	"Backspace":  kb.Backspace,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
}

// Press sends a named key (Enter, Tab, Escape, ArrowDown...) to the element.
func (s *Session) Press(ctx context.Context, selector, key string) error {
	k, ok := namedKeys[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.SendKeys(selector, k, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("press %s on %s: %w", key, selector, err)
	}
	return nil
}

// selectScript sets a <select> value by option value or visible label and
// fires the events frameworks listen for.
const selectScript = `((sel, want) => {
  const el = document.querySelector(sel);
  if (!el) return 'element not found';
  if (el.options) {
    const opt = Array.from(el.options).find((o) => o.value === want || o.text.trim() === want);
    if (!opt) return 'no option ' + want;
    el.value = opt.value;
  } else {
    el.value = want;
  }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return '';
})(%s, %s)`

// Select picks an option in a <select> element.
func (s *Session) Select(ctx context.Context, selector, value string) error {
	script, err := jsCall(selectScript, selector, value)
	if err != nil {
		return err
	}
	var problem string
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(script, &problem),
	); err != nil {
		return fmt.Errorf("select %q in %s: %w", value, selector, err)
	}
	if problem != "" {
		return fmt.Errorf("select %q in %s: %s", value, selector, problem)
	}
	return nil
}

// jsCall fills a script template with JSON-quoted string arguments.
func jsCall(format string, args ...string) (string, error) {
	quoted := make([]any, len(args))
	for i, a := range args {
		q, err := jsoniter.MarshalToString(a)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return fmt.Sprintf(format, quoted...), nil
}

// Wait pauses for d or until ctx is done.
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Evaluate runs a JavaScript expression and decodes its result into out.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(expression, out))
}

// PageState scans the page for visible text and interactive elements.
func (s *Session) PageState(ctx context.Context) (PageState, error) {
	var state PageState
	if err := s.stabilize(ctx); err != nil {
		return state, err
	}
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(pageStateScript, &state)); err != nil {
		return state, fmt.Errorf("capture page state: %w", err)
	}
	return state, nil
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SnapshotPath is where Snapshot writes the image for label.
func (s *Session) SnapshotPath(label string) string {
	name := unsafeLabel.ReplaceAllString(label, "_")
	if s.runID != "" {
		name = s.runID + "-" + name
	}
	return filepath.Join(s.screenshotDir, name+".png")
}

// Snapshot writes a full-page PNG of the current tab.
func (s *Session) Snapshot(ctx context.Context, label string) error {
	var buf []byte
	// Quality 100 selects PNG.
	if err := s.runUnpaced(ctx, s.cfg.ActionTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	path := s.SnapshotPath(label)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	s.logger.Info("Saved diagnostic screenshot", zap.String("label", label), zap.String("path", path))
	return nil
}

// Close shuts the browser down. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session")

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// stabilize waits for the document body; a timeout here is not an error.
func (s *Session) stabilize(ctx context.Context) error {
	err := s.runUnpaced(ctx, stabilizeTimeout, chromedp.WaitReady("body", chromedp.ByQuery))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization", zap.Error(err))
	}
	return nil
}

// run paces and executes actions bound to both the tab and the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if err := s.pacer.Wait(ctx); err != nil {
		return err
	}
	return s.runUnpaced(ctx, timeout, actions...)
}

func (s *Session) runUnpaced(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}
