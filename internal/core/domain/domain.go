// Package domain defines the shared data model: raw and normalized
// messages, extracted events, trend clusters, and per-source authority.
package domain

import "time"

// SourceClass is the editorial class of an origin channel.
type SourceClass string

const (
	SourceClassArab  SourceClass = "arab"
	SourceClassSmart SourceClass = "smart"
)

// MessageRef identifies a message within its source channel.
type MessageRef struct {
	SourceID  string `json:"source_id"`
	MessageID int64  `json:"message_id"`
}

// RawMessage is a message as delivered by an ingestion session.
// Immutable after creation.
type RawMessage struct {
	SourceID    string
	SourceClass SourceClass
	MessageID   int64
	ArrivedAt   time.Time
	Text        string
	ReplyTo     int64
	MediaRefs   []string
}

// NormalizedMessage is a RawMessage with canonicalized text and a
// content fingerprint. Two messages with textually equivalent content
// carry the same Hash.
type NormalizedMessage struct {
	RawMessage

	TextNorm  string
	Hash      string
	LangGuess string

	// Empty marks a message whose text normalizes to nothing; the
	// pipeline drops such messages before storage.
	Empty bool

	// Urgent marks messages matching the urgency keyword heuristic.
	Urgent bool
}

// EventKind enumerates the structured event categories the extractor
// may emit.
type EventKind string

const (
	KindStrike    EventKind = "strike"
	KindMovement  EventKind = "movement"
	KindCasualty  EventKind = "casualty"
	KindClaim     EventKind = "claim"
	KindStatement EventKind = "statement"
	KindOther     EventKind = "other"
)

// ValidKind reports whether k is one of the enumerated event kinds.
func ValidKind(k EventKind) bool {
	switch k {
	case KindStrike, KindMovement, KindCasualty, KindClaim, KindStatement, KindOther:
		return true
	}

	return false
}

// Coordinates is an optional lat/lon pair attached to an event location.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Event is a structured record extracted from one or more messages
// referring to a single happening. Mutated only by correlation
// (cluster assignment).
type Event struct {
	EventID     string
	ClusterID   string
	MessageRefs []MessageRef
	// ReplyRefs identify the messages the source messages replied to.
	// A denial that replies to an earlier report names its target
	// through this linkage.
	ReplyRefs      []MessageRef
	SourceID       string
	SourceClass    SourceClass
	Kind           EventKind
	Location       string
	Coordinates    *Coordinates
	Entities       []string
	TimeHint       *time.Time
	Summary        string
	ConfidenceSelf float64
	Urgent         bool
	CreatedAt      time.Time
}

// ClusterState is the lifecycle state of a trend cluster.
type ClusterState string

const (
	ClusterOpen       ClusterState = "open"
	ClusterEmitted    ClusterState = "emitted"
	ClusterSuperseded ClusterState = "superseded"
)

// TrendCluster is a correlated group of events believed to refer to
// the same real-world occurrence across sources.
type TrendCluster struct {
	ClusterID    string
	Members      []Event
	FirstSeen    time.Time
	LastUpdated  time.Time
	State        ClusterState
	AuthoritySum float64
}

// SourceIDs returns the distinct source identifiers of the member
// events, in first-contribution order.
func (c *TrendCluster) SourceIDs() []string {
	seen := make(map[string]struct{}, len(c.Members))
	ids := make([]string, 0, len(c.Members))

	for _, ev := range c.Members {
		if _, ok := seen[ev.SourceID]; ok {
			continue
		}

		seen[ev.SourceID] = struct{}{}
		ids = append(ids, ev.SourceID)
	}

	return ids
}

// HasSource reports whether any member event originates from sourceID.
func (c *TrendCluster) HasSource(sourceID string) bool {
	for _, ev := range c.Members {
		if ev.SourceID == sourceID {
			return true
		}
	}

	return false
}

// Authority score bounds and defaults.
const (
	AuthorityMin     = 0.0
	AuthorityMax     = 100.0
	AuthorityInitial = 50.0
)

// SourceAuthority is the per-source credibility record.
type SourceAuthority struct {
	SourceID       string
	Class          SourceClass
	Score          float64
	Corroborations int
	Contradictions int
	LastUpdate     time.Time
}

// ClipScore clamps a score into the valid authority range.
func ClipScore(s float64) float64 {
	if s < AuthorityMin {
		return AuthorityMin
	}

	if s > AuthorityMax {
		return AuthorityMax
	}

	return s
}
