// internal/llmclient/google.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/quotebot/internal/config"
)

// GoogleClient talks to the Gemini API through the genai SDK.
type GoogleClient struct {
	client *genai.Client
	cfg    config.AgentConfig
	logger *zap.Logger
}

// NewGoogleClient initializes the client.
func NewGoogleClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (*GoogleClient, error) {
	return newGoogleClient(ctx, cfg, logger, "")
}

// newGoogleClient lets tests point the SDK at an httptest server.
func newGoogleClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger, baseURL string) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API Key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("Gemini model is required")
	}

	// genai only retries resumable uploads, so each Generate is one request.
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}

	return &GoogleClient{
		client: client,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

func (c *GoogleClient) Provider() string { return config.ProviderGemini }

// Generate sends a single request. Retrying is left to the task runner.
func (c *GoogleClient) Generate(ctx context.Context, req Request) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Schema != nil || req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}
	if req.Schema != nil {
		genCfg.ResponseJsonSchema = req.Schema
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(req.UserPrompt), genCfg)
	if err != nil {
		classified := classifyGoogleError(err)
		c.logger.Warn("Gemini request failed", zap.Error(classified), zap.Duration("duration", time.Since(start)))
		return "", classified
	}

	text, err := googleText(resp)
	if err != nil {
		return "", err
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(start))}
	if resp.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("completion_tokens", resp.UsageMetadata.CandidatesTokenCount),
		)
	}
	c.logger.Debug("LLM generation complete (Gemini)", fields...)
	return text, nil
}

func googleText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", transientf("gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
			return "", fatalf("gemini blocked the request (reason: %s)", candidate.FinishReason)
		}
		return "", transientf("gemini returned empty content (reason: %s)", candidate.FinishReason)
	}

	var text string
	for _, part := range candidate.Content.Parts {
		if part != nil && !part.Thought {
			text += part.Text
		}
	}
	if text == "" {
		return "", transientf("gemini returned no text parts")
	}
	return text, nil
}
