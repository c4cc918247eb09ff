// Package stealth makes a CDP-driven Chrome look like a user-operated one.
// Carrier portals sit behind bot detection that rejects the default
// automation fingerprint outright.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"timezone"`
	Locale    string   `json:"locale"`
}

// DefaultPersona matches the desktop profile the portals were scripted against.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	Platform:  "MacIntel",
	Languages: []string{"en-US", "en"},
	Timezone:  "Europe/Copenhagen",
	Locale:    "en-US",
}

// PersonaFrom overlays the browser config onto DefaultPersona.
func PersonaFrom(cfg config.BrowserConfig) Persona {
	p := DefaultPersona
	p.Languages = append([]string(nil), DefaultPersona.Languages...)
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
		p.Platform = platformFor(cfg.UserAgent)
	}
	if cfg.Timezone != "" {
		p.Timezone = cfg.Timezone
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
		base, _, _ := strings.Cut(cfg.Locale, "-")
		p.Languages = []string{cfg.Locale}
		if base != cfg.Locale {
			p.Languages = append(p.Languages, base)
		}
	}
	return p
}

func platformFor(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Windows"):
		return "Win32"
	case strings.Contains(userAgent, "Macintosh"):
		return "MacIntel"
	default:
		return "Linux x86_64"
	}
}

// AcceptLanguage renders the Accept-Language header for the persona.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// bootstrapScript prepends the persona as a global so evasions.js can read it.
func (p Persona) bootstrapScript() (string, error) {
	data, err := jsoniter.MarshalToString(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return "window.__quotebotPersona = " + data + ";\n" + evasionsScript, nil
}

// Apply returns the CDP actions that install the persona on the current target.
// They must run through chromedp.Run so they have an executor.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.String("timezone", p.Timezone),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage()),
		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := p.bootstrapScript()
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage(),
		}))
	}
	return tasks
}
