package browser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/quotebot/internal/config"
)

// stealthFlags hide the switches bot detection looks for first.
var stealthFlags = map[string]interface{}{
	"disable-blink-features":                 "AutomationControlled",
	"disable-features":                       "site-per-process,Translate,TranslateUI,BlinkGenPropertyTrees,BlockThirdPartyCookies",
	"disable-site-isolation-trials":          true,
	"disable-background-timer-throttling":    true,
	"disable-backgrounding-occluded-windows": true,
	"disable-renderer-backgrounding":         true,
	"disable-ipc-flooding-protection":        true,
	"disable-dev-shm-usage":                  true,
	"no-sandbox":                             true,
}

// allocatorFlags computes the Chrome switches layered over
// chromedp.DefaultExecAllocatorOptions. Later entries win, so user args can
// override anything set here.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := make(map[string]interface{}, len(stealthFlags)+len(cfg.Args)+4)
	for k, v := range stealthFlags {
		flags[k] = v
	}

	if !cfg.Headless {
		// The defaults start Chrome headless.
		flags["headless"] = false
		flags["hide-scrollbars"] = false
		flags["mute-audio"] = false
		flags["start-maximized"] = true
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height)
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}
	if cfg.Locale != "" {
		flags["lang"] = cfg.Locale
	}

	for _, arg := range cfg.Args {
		name, value := parseArg(arg)
		if name == "" {
			continue
		}
		flags[name] = value
	}
	return flags
}

// parseArg turns "--name=value" or "--name" into a chromedp flag pair.
func parseArg(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	name, value, found := strings.Cut(arg, "=")
	if !found {
		return name, true
	}
	switch value {
	case "true":
		return name, true
	case "false":
		return name, false
	}
	return name, value
}

// AllocatorOptions builds the exec allocator options for a session.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	return opts
}
