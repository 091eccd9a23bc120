// Package normalize canonicalizes raw message text and computes
// content fingerprints used for deduplication.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

// hashBytes is the fingerprint length: the first 160 bits of SHA-256.
const hashBytes = 20

// Bidirectional control marks stripped before any other step.
var bidiMarks = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x061C, Hi: 0x061C, Stride: 1}, // arabic letter mark
		{Lo: 0x200E, Hi: 0x200F, Stride: 1}, // LRM, RLM
		{Lo: 0x202A, Hi: 0x202E, Stride: 1}, // embedding/override controls
		{Lo: 0x2066, Hi: 0x2069, Stride: 1}, // isolate controls
	},
}

// Combining diacritic marks of the right-to-left scripts in the source
// corpus: Arabic tashkeel and Hebrew niqqud/cantillation.
var rtlDiacritics = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0591, Hi: 0x05C7, Stride: 1},
		{Lo: 0x0610, Hi: 0x061A, Stride: 1},
		{Lo: 0x064B, Hi: 0x065F, Stride: 1},
		{Lo: 0x0670, Hi: 0x0670, Stride: 1},
		{Lo: 0x06D6, Hi: 0x06ED, Stride: 1},
	},
}

// Normalizer canonicalizes message text deterministically.
type Normalizer struct {
	stripper transform.Transformer
	trailers []*regexp.Regexp
}

// New creates a Normalizer. trailerPatterns are anchored regular
// expressions recognizing channel-signature suffixes; invalid patterns
// are skipped.
func New(trailerPatterns []string) *Normalizer {
	trailers := make([]*regexp.Regexp, 0, len(trailerPatterns))

	for _, p := range trailerPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}

		trailers = append(trailers, re)
	}

	return &Normalizer{
		stripper: transform.Chain(
			runes.Remove(runes.In(bidiMarks)),
			runes.Remove(runes.In(rtlDiacritics)),
		),
		trailers: trailers,
	}
}

// Normalize derives the canonical form and fingerprint of a raw
// message. Identical input bytes always produce identical output.
func (n *Normalizer) Normalize(raw domain.RawMessage) domain.NormalizedMessage {
	text := n.CanonicalText(raw.Text)

	sum := sha256.Sum256([]byte(text))

	return domain.NormalizedMessage{
		RawMessage: raw,
		TextNorm:   text,
		Hash:       hex.EncodeToString(sum[:hashBytes]),
		LangGuess:  guessLang(text),
		Empty:      text == "",
		Urgent:     Urgent(raw.Text),
	}
}

// CanonicalText applies the normalization steps in order: strip bidi
// marks, remove RTL diacritics, collapse whitespace, strip signature
// trailers, trim edge punctuation, lowercase Latin letters.
func (n *Normalizer) CanonicalText(text string) string {
	stripped, _, err := transform.String(n.stripper, text)
	if err != nil {
		stripped = text
	}

	collapsed := strings.Join(strings.Fields(stripped), " ")
	trimmed := n.stripTrailers(collapsed)

	return strings.Map(lowerLatin, trimEdgePunct(trimmed))
}

// trimEdgePunct trims punctuation from both ends of every field, so
// emphatic suffixes ("اليوم!!") fingerprint like the plain word.
func trimEdgePunct(text string) string {
	fields := strings.Fields(text)
	kept := fields[:0]

	for _, f := range fields {
		if f = strings.TrimFunc(f, unicode.IsPunct); f != "" {
			kept = append(kept, f)
		}
	}

	return strings.Join(kept, " ")
}

func (n *Normalizer) stripTrailers(text string) string {
	for changed := true; changed; {
		changed = false

		for _, re := range n.trailers {
			if loc := re.FindStringIndex(text); loc != nil && loc[1] == len(text) {
				text = strings.TrimRight(text[:loc[0]], " ")
				changed = true
			}
		}
	}

	return text
}

func lowerLatin(r rune) rune {
	if unicode.Is(unicode.Latin, r) {
		return unicode.ToLower(r)
	}

	return r
}

func guessLang(text string) string {
	var arabic, hebrew, latin int

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.Is(unicode.Hebrew, r):
			hebrew++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}

	switch {
	case arabic >= hebrew && arabic >= latin && arabic > 0:
		return "ar"
	case hebrew >= latin && hebrew > 0:
		return "he"
	case latin > 0:
		return "en"
	}

	return ""
}
