// Package llm adapts text-generation services to the single call the
// advisor needs: a system prompt and a user prompt in, text out.
package llm

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/config"
)

type Backend interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	ModelProvider() string
	ModelName() string
}

// New picks the backend named by cfg.LLMBackend.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (Backend, error) {
	switch cfg.LLMBackend {
	case "openai":
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, log)
	case "gemini":
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
	default:
		return nil, fmt.Errorf("unknown LLM_BACKEND %q", cfg.LLMBackend)
	}
}

// classify turns an upstream status into the advisor's error kinds. 429 and
// 5xx are worth retrying; other 4xx are not.
func classify(err error, status int, provider string) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.Transient(err, status, "%s generation failed", provider)
	case status >= 400:
		return &apperr.Error{Kind: apperr.KindValidation, Message: provider + " rejected the request", StatusCode: status, Err: err}
	default:
		return apperr.Transient(err, status, "%s generation failed", provider)
	}
}
