package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Generation settings for extraction: low temperature, bounded output.
const (
	geminiTemperature     = 0.2
	geminiMaxOutputTokens = 2048
)

type geminiProvider struct {
	client *genai.Client
	model  string
	logger *zerolog.Logger
}

// NewGemini creates the Google Gemini provider.
func NewGemini(ctx context.Context, apiKey, model string, logger *zerolog.Logger) (Provider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &geminiProvider{client: client, model: model, logger: logger}, nil
}

func (p *geminiProvider) Name() ProviderName { return ProviderGemini }

func (p *geminiProvider) Close() error {
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("closing gemini client: %w", err)
		}
	}

	return nil
}

func (p *geminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(geminiTemperature)
	model.SetMaxOutputTokens(geminiMaxOutputTokens)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", mapTransportErr(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty candidate set", ErrProviderUnavailable)
	}

	var sb strings.Builder

	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	p.logger.Debug().Int("prompt_len", len(prompt)).Int("response_len", sb.Len()).Msg("gemini completion")

	return sb.String(), nil
}

// mapTransportErr folds transport failures onto the package taxonomy.
func mapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

var _ Provider = (*geminiProvider)(nil)
