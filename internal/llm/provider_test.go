package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{
			name:     "bare array",
			in:       `[{"kind":"strike"}]`,
			expected: `[{"kind":"strike"}]`,
		},
		{
			name:     "fenced array",
			in:       "```json\n[{\"kind\":\"strike\"}]\n```",
			expected: `[{"kind":"strike"}]`,
		},
		{
			name:     "prose around array",
			in:       "Here is the result:\n[{\"kind\":\"other\"}]\nHope this helps!",
			expected: `[{"kind":"other"}]`,
		},
		{
			name:     "object fallback",
			in:       "{\"kind\":\"claim\"}",
			expected: `{"kind":"claim"}`,
		},
		{
			name:     "no json at all",
			in:       "sorry, I cannot do that",
			expected: "sorry, I cannot do that",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractJSON(tt.in))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrProviderUnavailable))
	assert.True(t, Retryable(ErrTimeout))
	assert.False(t, Retryable(ErrSchemaInvalid))
	assert.False(t, Retryable(ErrBudgetExhausted))
	assert.False(t, Retryable(errors.New("other")))
}
