package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/logging"
)

type GeminiBackend struct {
	client    *genai.Client
	modelName string
	log       *zap.Logger
}

func NewGemini(ctx context.Context, apiKey, modelName string, log *zap.Logger) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, apperr.Validation("GEMINI_API_KEY is required for the gemini backend")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}
	return &GeminiBackend{client: client, modelName: modelName, log: logging.OrNop(log)}, nil
}

func (g *GeminiBackend) ModelProvider() string { return "gemini" }
func (g *GeminiBackend) ModelName() string     { return g.modelName }

func (g *GeminiBackend) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(0.1)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.log.Error("gemini call failed", zap.String("model", g.modelName), zap.Error(err))
		status := 0
		var gErr *googleapi.Error
		if errors.As(err, &gErr) {
			status = gErr.Code
		}
		return "", classify(err, status, "gemini")
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", apperr.Transient(nil, 0, "gemini returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String(), nil
}

func (g *GeminiBackend) Close() error {
	return g.client.Close()
}
