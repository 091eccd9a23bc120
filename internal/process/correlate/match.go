package correlate

import (
	"strings"

	"github.com/xrash/smetrics"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

const (
	// locationSimilar merges clusters on fuzzy location agreement.
	locationSimilar = 0.88
	// locationNearIdentical additionally waives the entity overlap
	// requirement.
	locationNearIdentical = 0.95
)

// matches applies the full merge rule of candidate event ev against
// open cluster c.
func matches(ev domain.Event, c *domain.TrendCluster) bool {
	if !kindCompatible(ev.Kind, c) {
		return false
	}

	sim := bestLocationSimilarity(ev, c)
	if !locationTokenMatch(ev, c) && sim < locationSimilar {
		return false
	}

	if !bucketNear(ev, c) {
		return false
	}

	return entityOverlap(ev, c) || sim >= locationNearIdentical
}

// locationMatch is the relaxed variant used for supersession targets:
// token equality or fuzzy agreement, no bucket or entity requirement.
func locationMatch(ev domain.Event, c *domain.TrendCluster) bool {
	return locationTokenMatch(ev, c) || bestLocationSimilarity(ev, c) >= locationSimilar
}

// kindCompatible: same kind, or a claim/statement pairing with a
// specific kind on the other side.
func kindCompatible(kind domain.EventKind, c *domain.TrendCluster) bool {
	for _, m := range c.Members {
		if m.Kind == kind {
			return true
		}

		if softKind(kind) != softKind(m.Kind) {
			return true
		}
	}

	return false
}

func softKind(k domain.EventKind) bool {
	return k == domain.KindClaim || k == domain.KindStatement
}

func locationTokenMatch(ev domain.Event, c *domain.TrendCluster) bool {
	tok := locationToken(ev.Location)
	if tok == "" {
		return false
	}

	for _, m := range c.Members {
		if locationToken(m.Location) == tok {
			return true
		}
	}

	return false
}

func bestLocationSimilarity(ev domain.Event, c *domain.TrendCluster) float64 {
	a := strings.ToLower(strings.TrimSpace(ev.Location))
	if a == "" {
		return 0
	}

	var best float64

	for _, m := range c.Members {
		b := strings.ToLower(strings.TrimSpace(m.Location))
		if b == "" {
			continue
		}

		if s := smetrics.JaroWinkler(a, b, 0.7, 4); s > best {
			best = s
		}
	}

	return best
}

func bucketNear(ev domain.Event, c *domain.TrendCluster) bool {
	b := bucketOf(&ev)

	for i := range c.Members {
		mb := bucketOf(&c.Members[i])
		if mb-2 <= b && b <= mb+2 {
			return true
		}
	}

	return false
}

func entityOverlap(ev domain.Event, c *domain.TrendCluster) bool {
	if len(ev.Entities) == 0 {
		return false
	}

	want := make(map[string]struct{}, len(ev.Entities))
	for _, e := range ev.Entities {
		want[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}

	for _, m := range c.Members {
		for _, e := range m.Entities {
			if _, ok := want[strings.ToLower(strings.TrimSpace(e))]; ok {
				return true
			}
		}
	}

	return false
}

// adminSuffixes are dropped when reducing a location string to its
// placename token.
var adminSuffixes = map[string]struct{}{
	"governorate":  {},
	"province":     {},
	"district":     {},
	"region":       {},
	"city":         {},
	"camp":         {},
	"محافظة":       {},
	"مدينة":        {},
	"مخيم":         {},
	"מחוז":         {},
	"עיר":          {},
	"נפת":          {},
	"neighborhood": {},
}

// locationToken reduces a location string to its leading placename:
// lowercased, punctuation stripped, administrative qualifiers skipped.
func locationToken(location string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ',', '.', ';', '(', ')', '"', '\'':
			return ' '
		}

		return r
	}, strings.ToLower(location))

	for _, field := range strings.Fields(cleaned) {
		if _, ok := adminSuffixes[field]; ok {
			continue
		}

		return field
	}

	return ""
}

// denialMarkers flag summaries that negate an earlier report.
var denialMarkers = []string{
	// English
	"false alarm",
	"no strike",
	"did not occur",
	"denies",
	"denied",
	"retracts",
	"retraction",
	"not true",
	"untrue",
	// Arabic
	"نفى",
	"نفي",
	"تكذيب",
	"لا صحة",
	"إنذار كاذب",
	"عار عن الصحة",
	// Hebrew
	"הכחשה",
	"הכחיש",
	"אזעקת שווא",
	"לא נכון",
	"דיווח כוזב",
}

// containsDenial reports whether a summary carries a denial marker.
func containsDenial(summary string) bool {
	s := strings.ToLower(summary)

	for _, marker := range denialMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}

	return false
}
