package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/quotebot/internal/config"
)

func TestPersonaFrom(t *testing.T) {
	t.Run("empty config keeps defaults", func(t *testing.T) {
		p := PersonaFrom(config.BrowserConfig{})
		assert.Equal(t, DefaultPersona.UserAgent, p.UserAgent)
		assert.Equal(t, []string{"en-US", "en"}, p.Languages)
	})

	t.Run("config overrides", func(t *testing.T) {
		p := PersonaFrom(config.BrowserConfig{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0",
			Locale:    "da-DK",
			Timezone:  "Asia/Kolkata",
		})
		assert.Equal(t, "Win32", p.Platform)
		assert.Equal(t, "Asia/Kolkata", p.Timezone)
		assert.Equal(t, []string{"da-DK", "da"}, p.Languages)
	})

	t.Run("does not alias the default languages", func(t *testing.T) {
		p := PersonaFrom(config.BrowserConfig{})
		p.Languages[0] = "xx"
		assert.Equal(t, "en-US", DefaultPersona.Languages[0])
	})
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US,en;q=0.9", DefaultPersona.AcceptLanguage())
	assert.Equal(t, "de", Persona{Languages: []string{"de"}}.AcceptLanguage())
	assert.Equal(t, "", Persona{}.AcceptLanguage())
}

func TestBootstrapScript(t *testing.T) {
	script, err := DefaultPersona.bootstrapScript()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(script, "window.__quotebotPersona = {"))
	assert.Contains(t, script, `"platform":"MacIntel"`)
	assert.Contains(t, script, "webdriver")
}

func TestApply(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	tasks := Apply(DefaultPersona, zap.New(core))
	// user agent, evasions, timezone, locale, headers
	assert.Len(t, tasks, 5)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Applying browser stealth persona", logs.All()[0].Message)

	assert.NotPanics(t, func() {
		assert.Len(t, Apply(Persona{UserAgent: "ua"}, nil), 2)
	})
}
