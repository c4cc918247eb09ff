// internal/llmclient/anthropic.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/config"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient talks to Claude through the anthropic SDK.
type AnthropicClient struct {
	client anthropic.Client
	cfg    config.AgentConfig
	logger *zap.Logger
}

// NewAnthropicClient initializes the client. The SDK's own retries are
// disabled because the task runner owns retry and cooldown policy.
func NewAnthropicClient(cfg config.AgentConfig, logger *zap.Logger, opts ...option.RequestOption) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Anthropic API Key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("Anthropic model is required")
	}

	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Timeout > 0 {
		base = append(base, option.WithRequestTimeout(cfg.Timeout))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(append(base, opts...)...),
		cfg:    cfg,
		logger: logger.Named("llm_client.anthropic"),
	}, nil
}

func (c *AnthropicClient) Provider() string { return config.ProviderAnthropic }

// Generate sends a single message. A schema is conveyed through the system
// prompt and the reply is trimmed to its JSON body.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(c.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(float64(c.cfg.Temperature)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}

	system, err := anthropicSystemPrompt(req)
	if err != nil {
		return "", fatalf("encode response schema: %v", err)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		classified := classifyAnthropicError(err)
		c.logger.Warn("Claude request failed", zap.Error(classified), zap.Duration("duration", time.Since(start)))
		return "", classified
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", transientf("claude returned an empty response")
	}

	var sb strings.Builder
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return "", transientf("claude returned no text blocks")
	}

	c.logger.Debug("LLM generation complete (Claude)",
		zap.Duration("duration", time.Since(start)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)

	if req.Schema != nil || req.ForceJSON {
		return ExtractJSON(text), nil
	}
	return text, nil
}

func anthropicSystemPrompt(req Request) (string, error) {
	parts := make([]string, 0, 2)
	if req.SystemPrompt != "" {
		parts = append(parts, req.SystemPrompt)
	}
	switch {
	case req.Schema != nil:
		schema, err := jsoniter.MarshalIndent(req.Schema, "", "  ")
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("Respond with a single JSON value only, no prose, matching this JSON Schema:\n%s", schema))
	case req.ForceJSON:
		parts = append(parts, "Respond with a single JSON value only, no prose.")
	}
	return strings.Join(parts, "\n\n"), nil
}

// ExtractJSON returns the JSON body of a model reply, dropping markdown
// fences and any prose around the outermost object or array.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
