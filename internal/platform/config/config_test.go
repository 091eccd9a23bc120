package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_API_ID", "12345")
	t.Setenv("TELEGRAM_API_HASH", "hash")
	t.Setenv("PHONE_NUMBER", "+10000000000")
	t.Setenv("TG_SESSION_STRING", "session")
	t.Setenv("ARABS_SUMMARY_OUT", "-100200300")
	t.Setenv("GEMINI_API_KEY", "key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24, cfg.BatchSize)
	assert.Equal(t, 120, cfg.LLMBudgetHourly)
	assert.Equal(t, 14, cfg.LLMRPMLimit)
	assert.Equal(t, 2, cfg.MinSources)
	assert.InDelta(t, 75.0, cfg.AuthorityHighThreshold, 0.001)
	assert.Equal(t, 512, cfg.IngressQueueSize)
	assert.Equal(t, "gemini", cfg.LLMProvider)
	assert.Equal(t, "./trend-sentinel.db", cfg.DBPath)
	assert.Equal(t, int64(-100200300), cfg.ArabsSummaryOut)
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "zero batch size", key: "BATCH_SIZE", value: "0"},
		{name: "zero rpm", key: "LLM_RPM_LIMIT", value: "0"},
		{name: "min sources below one", key: "MIN_SOURCES", value: "0"},
		{name: "threshold above range", key: "AUTHORITY_HIGH_THRESHOLD", value: "150"},
		{name: "unknown provider", key: "LLM_PROVIDER", value: "cohere"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadOpenAIProviderNeedsKey(t *testing.T) {
	setRequired(t)
	t.Setenv("LLM_PROVIDER", "openai")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalid)

	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.LLMProvider)
}
