package llm

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/logging"
)

type OpenAIBackend struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

func NewOpenAI(apiKey, model string, log *zap.Logger) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, apperr.Validation("OPENAI_API_KEY is required for the openai backend")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIBackend{client: openai.NewClient(apiKey), model: model, log: logging.OrNop(log)}, nil
}

func (o *OpenAIBackend) ModelProvider() string { return "openai" }
func (o *OpenAIBackend) ModelName() string     { return o.model }

func (o *OpenAIBackend) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.1,
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		o.log.Error("openai call failed", zap.String("model", o.model), zap.Error(err))
		return "", classify(err, openAIStatus(err), "openai")
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Transient(nil, 0, "openai returned no choices")
	}
	o.log.Debug("openai response", zap.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
