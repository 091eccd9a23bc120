package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

var testTrailers = []string{`\[[^\[\]]{0,48}\]$`}

func raw(text string) domain.RawMessage {
	return domain.RawMessage{SourceID: "ch", MessageID: 1, Text: text}
}

func TestCanonicalText(t *testing.T) {
	n := New(testTrailers)

	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{
			name:     "whitespace collapse",
			in:       "  breaking   news \n here ",
			expected: "breaking news here",
		},
		{
			name:     "latin lowercase",
			in:       "Breaking NEWS",
			expected: "breaking news",
		},
		{
			name:     "arabic diacritics and edge punctuation stripped",
			in:       "انفجارٌ في غزّة اليوم!!",
			expected: "انفجار في غزة اليوم",
		},
		{
			name:     "edge punctuation trimmed per word",
			in:       "Explosion!! reported... (now)",
			expected: "explosion reported now",
		},
		{
			name:     "hebrew niqqud stripped",
			in:       "שָׁלוֹם",
			expected: "שלום",
		},
		{
			name:     "bidi marks stripped",
			in:       "a‏b‮c",
			expected: "abc",
		},
		{
			name:     "signature trailer stripped",
			in:       "report text [Telegram: @channel]",
			expected: "report text",
		},
		{
			name:     "stacked trailers stripped",
			in:       "report [one] [two]",
			expected: "report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, n.CanonicalText(tt.in))
		})
	}
}

func TestNormalizeEquivalentTextsShareHash(t *testing.T) {
	n := New(testTrailers)

	a := n.Normalize(raw("انفجار في غزة اليوم"))
	b := n.Normalize(raw("انفجارٌ في غزّة اليوم!!"))

	assert.Equal(t, a.TextNorm, b.TextNorm)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Len(t, a.Hash, 40) // 160 bits hex-encoded
}

func TestNormalizeIdempotent(t *testing.T) {
	n := New(testTrailers)

	inputs := []string{
		"  Mixed   CASE  text ",
		"انفجارٌ في غزّة اليوم!! [قناة]",
		"שָׁלוֹם עֲלֵיכֶם",
	}

	for _, in := range inputs {
		once := n.Normalize(raw(in))
		twice := n.Normalize(raw(once.TextNorm))

		require.Equal(t, once.TextNorm, twice.TextNorm)
		require.Equal(t, once.Hash, twice.Hash)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	n := New(testTrailers)

	m := n.Normalize(raw("  ‎ \n "))

	assert.True(t, m.Empty)
	assert.Equal(t, "", m.TextNorm)
	// Digest of the empty string, still deterministic.
	assert.Equal(t, n.Normalize(raw("")).Hash, m.Hash)
}

func TestGuessLang(t *testing.T) {
	n := New(nil)

	assert.Equal(t, "ar", n.Normalize(raw("انفجار في غزة")).LangGuess)
	assert.Equal(t, "he", n.Normalize(raw("אירוע ביטחוני בצפון")).LangGuess)
	assert.Equal(t, "en", n.Normalize(raw("strike reported")).LangGuess)
	assert.Equal(t, "", n.Normalize(raw("123 456")).LangGuess)
}

func TestUrgent(t *testing.T) {
	assert.True(t, Urgent("عاجل: انفجار في المنطقة"))
	assert.True(t, Urgent("🚨 דיווח ראשוני"))
	assert.False(t, Urgent("weather is calm today"))
}
