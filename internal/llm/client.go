package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// ChatCompleter is the slice of the OpenAI-compatible client the orchestrator
// needs; *openai.Client satisfies it, and tests substitute a fake.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient builds a chat-completion client. Gemini is reached through its
// OpenAI-compatible endpoint, so baseURL points there in production and at an
// httptest server in tests.
func NewClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}
