package sender

import (
	"fmt"
	"strings"
	"time"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/process/correlate"
)

const maxSummaryLen = 280

// Credibility badges.
const (
	badgeHigh = "🟢"
	badgeLow  = "🔴"
	badgeMid  = "🟡"
)

var kindLabels = map[domain.EventKind]string{
	domain.KindStrike:    "Strike",
	domain.KindMovement:  "Movement",
	domain.KindCasualty:  "Casualties",
	domain.KindClaim:     "Claim",
	domain.KindStatement: "Statement",
	domain.KindOther:     "Report",
}

// Format renders one emission into the outgoing message text.
func Format(em correlate.Emission) string {
	if em.Retraction {
		return formatRetraction(em)
	}

	c := &em.Cluster
	lead := leadEvent(c)
	sources := c.SourceIDs()
	minScore, maxScore, avg := scoreStats(sources, em.Scores)

	var b strings.Builder

	fmt.Fprintf(&b, "%s %s — %s\n", badge(avg, len(sources)), kindLabels[lead.Kind], lead.Location)
	b.WriteString(clipSummary(lead.Summary))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Sources (%d): %s\n", len(sources), strings.Join(sources, ", "))
	fmt.Fprintf(&b, "Authority: %.0f–%.0f (avg %.1f)\n", minScore, maxScore, avg)
	fmt.Fprintf(&b, "First seen: %s", c.FirstSeen.UTC().Format(time.RFC3339))

	return b.String()
}

func formatRetraction(em correlate.Emission) string {
	c := &em.Cluster
	lead := leadEvent(c)

	var b strings.Builder

	fmt.Fprintf(&b, "⚠️ Retraction — %s\n", lead.Location)
	fmt.Fprintf(&b, "The earlier report (%s) was contradicted and is withdrawn.\n", kindLabels[lead.Kind])
	fmt.Fprintf(&b, "ref:%s", c.ClusterID)

	return b.String()
}

// badge grades the emission: green needs both a high average and broad
// corroboration.
func badge(avg float64, sources int) string {
	switch {
	case avg >= 70 && sources >= 3:
		return badgeHigh
	case avg < 40:
		return badgeLow
	default:
		return badgeMid
	}
}

// leadEvent picks the member whose summary represents the cluster: the
// extractor's most confident one, earliest on ties.
func leadEvent(c *domain.TrendCluster) *domain.Event {
	lead := &c.Members[0]

	for i := 1; i < len(c.Members); i++ {
		if c.Members[i].ConfidenceSelf > lead.ConfidenceSelf {
			lead = &c.Members[i]
		}
	}

	return lead
}

func scoreStats(sources []string, scores map[string]float64) (minScore, maxScore, avg float64) {
	if len(sources) == 0 {
		return 0, 0, 0
	}

	minScore, maxScore = domain.AuthorityMax, domain.AuthorityMin

	var sum float64

	for _, id := range sources {
		s, ok := scores[id]
		if !ok {
			s = domain.AuthorityInitial
		}

		if s < minScore {
			minScore = s
		}

		if s > maxScore {
			maxScore = s
		}

		sum += s
	}

	return minScore, maxScore, sum / float64(len(sources))
}

func clipSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryLen {
		return s
	}

	return string(runes[:maxSummaryLen-1]) + "…"
}
