package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const openaiTemperature = 0.2

// openaiProvider speaks the OpenAI chat-completion API, including
// OpenAI-compatible gateways via a custom base URL.
type openaiProvider struct {
	client *openai.Client
	model  string
	logger *zerolog.Logger
}

// NewOpenAI creates the OpenAI-compatible provider. baseURL may be
// empty for the default endpoint.
func NewOpenAI(apiKey, baseURL, model string, logger *zerolog.Logger) Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &openaiProvider{client: openai.NewClientWithConfig(cfg), model: model, logger: logger}
}

func (p *openaiProvider) Name() ProviderName { return ProviderOpenAI }

func (p *openaiProvider) Close() error { return nil }

func (p *openaiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: openaiTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", mapTransportErr(err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choice set", ErrProviderUnavailable)
	}

	p.logger.Debug().Int("prompt_len", len(prompt)).Msg("openai completion")

	return resp.Choices[0].Message.Content, nil
}

var _ Provider = (*openaiProvider)(nil)
