// Package llm provides the LLM provider abstraction used by the
// extractor, the call-budget ledger, and the extraction prompt
// contract.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ProviderName identifies an LLM provider.
type ProviderName string

// Provider name constants.
const (
	ProviderGemini ProviderName = "gemini"
	ProviderOpenAI ProviderName = "openai"
	ProviderMock   ProviderName = "mock"
)

// Failure taxonomy. BudgetExhausted is a deferral, not a failure: the
// ledger refuses admission before any call is made.
var (
	ErrBudgetExhausted     = errors.New("llm budget exhausted")
	ErrProviderUnavailable = errors.New("llm provider unavailable")
	ErrSchemaInvalid       = errors.New("llm output does not conform to schema")
	ErrTimeout             = errors.New("llm call timed out")
)

// Provider is a single-completion LLM backend. Implementations map
// transport failures onto the package error taxonomy.
type Provider interface {
	// Name returns the provider identifier.
	Name() ProviderName

	// Complete sends one prompt and returns the raw model text.
	Complete(ctx context.Context, prompt string) (string, error)

	// Close releases provider resources.
	Close() error
}

// Retryable reports whether an error warrants an automatic retry.
// Only provider unavailability and timeouts qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrTimeout)
}

// ExtractJSON tries to extract a JSON document from a response that
// might carry markdown fences or extra prose around it.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	// Look for JSON array first: the extraction schema is an array.
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")

	if start != -1 && end != -1 && end > start {
		return text[start : end+1]
	}

	start = strings.Index(text, "{")
	end = strings.LastIndex(text, "}")

	if start != -1 && end != -1 && end > start {
		return text[start : end+1]
	}

	return text
}
