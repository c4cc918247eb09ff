// internal/llmclient/client.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/config"
)

// Request is one round trip to the model.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Schema, when set, is a JSON Schema the reply must conform to. The reply
	// is then raw JSON.
	Schema map[string]any
	// ForceJSON asks for a JSON reply without a schema.
	ForceJSON bool
}

// Client generates text from a prompt. Errors are pre-classified as
// automation.RateLimitError, automation.FatalError or automation.TransientError.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Provider() string
}

// NewClient builds the client for the configured provider.
func NewClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGoogleClient(ctx, cfg, logger)
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderAnthropic)
	}
}
