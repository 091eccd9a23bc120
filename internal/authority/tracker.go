// Package authority maintains the per-source credibility ledger.
//
// The ledger has a single writer: the tracker task, fed by a channel
// of updates from the correlation engine. Readers get a lock-free
// snapshot published after every mutation.
package authority

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

// UpdateKind names a ledger mutation cause.
type UpdateKind int

const (
	// UpdateEmitted rewards all sources of a cluster that reached the
	// Emitted state.
	UpdateEmitted UpdateKind = iota
	// UpdateSuperseded penalizes all sources of a superseded cluster.
	UpdateSuperseded
	// UpdateDiscardedUrgent penalizes the lone source of an urgent
	// report that expired uncorroborated.
	UpdateDiscardedUrgent
)

// Update is one ledger mutation request.
type Update struct {
	Kind UpdateKind
	// SourceIDs are the distinct sources of the cluster, in
	// first-contribution order; the first entry was first to report.
	SourceIDs []string
	Classes   map[string]domain.SourceClass
	// Corroborated marks an emission confirmed by the minimum source
	// count; fast-tracked single-source emissions leave it unset and do
	// not count as corroborations.
	Corroborated bool
}

// Config holds the scoring model parameters.
type Config struct {
	Alpha         float64 // corroboration boost scale
	Beta          float64 // supersession penalty scale
	DecayPerDay   float64 // idle regression toward the class baseline
	UrgentPenalty float64 // uncorroborated urgent report penalty
	FirstBoost    float64 // extra boost for the first reporter

	// Baselines are the per-class regression targets of idle decay.
	// Classes without an entry regress toward the initial score.
	Baselines map[domain.SourceClass]float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Alpha: 3, Beta: 2, DecayPerDay: 0.5, UrgentPenalty: 1.5, FirstBoost: 1}
}

func (c Config) baseline(class domain.SourceClass) float64 {
	if b, ok := c.Baselines[class]; ok {
		return b
	}

	return domain.AuthorityInitial
}

// Snapshot is an immutable view of the ledger.
type Snapshot struct {
	scores map[string]float64
}

// NewSnapshot builds a fixed view from explicit scores.
func NewSnapshot(scores map[string]float64) *Snapshot {
	return &Snapshot{scores: scores}
}

// Score returns the score for a source; unknown sources read as the
// initial score.
func (s *Snapshot) Score(sourceID string) float64 {
	if s == nil {
		return domain.AuthorityInitial
	}

	if v, ok := s.scores[sourceID]; ok {
		return v
	}

	return domain.AuthorityInitial
}

// Sum returns the total score of the given sources.
func (s *Snapshot) Sum(sourceIDs []string) float64 {
	var sum float64
	for _, id := range sourceIDs {
		sum += s.Score(id)
	}

	return sum
}

// Store is the persistence surface the tracker needs.
type Store interface {
	ReadAllAuthorities(ctx context.Context) ([]domain.SourceAuthority, error)
	UpdateAuthority(ctx context.Context, a domain.SourceAuthority, corroborationDelta, contradictionDelta int) error
	EnsureSource(ctx context.Context, sourceID string, class domain.SourceClass) error
}

// Tracker owns the in-memory ledger.
type Tracker struct {
	cfg      Config
	store    Store
	ledger   map[string]*domain.SourceAuthority
	snapshot atomic.Pointer[Snapshot]
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Tracker with an empty ledger.
func New(cfg Config, store Store, logger *zerolog.Logger) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		store:  store,
		ledger: make(map[string]*domain.SourceAuthority),
		logger: logger.With().Str("component", "authority").Logger(),
		now:    time.Now,
	}
	t.publish()

	return t
}

// Load restores the ledger from the store and registers the known
// sources per class.
func (t *Tracker) Load(ctx context.Context, sources map[string]domain.SourceClass) error {
	for id, class := range sources {
		if err := t.store.EnsureSource(ctx, id, class); err != nil {
			return fmt.Errorf("ensure source %s: %w", id, err)
		}
	}

	all, err := t.store.ReadAllAuthorities(ctx)
	if err != nil {
		return fmt.Errorf("load authority ledger: %w", err)
	}

	for i := range all {
		a := all[i]
		t.ledger[a.SourceID] = &a
	}

	t.publish()
	t.logger.Info().Int("sources", len(t.ledger)).Msg("authority ledger loaded")

	return nil
}

// Snapshot returns the current published view. Safe for concurrent use.
func (t *Tracker) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

// Run consumes updates until ctx is canceled. It is the only writer.
func (t *Tracker) Run(ctx context.Context, updates <-chan Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}

			t.Apply(ctx, u)
		}
	}
}

// Apply executes one ledger mutation and publishes a fresh snapshot.
func (t *Tracker) Apply(ctx context.Context, u Update) {
	switch u.Kind {
	case UpdateEmitted:
		t.applyEmitted(ctx, u)
	case UpdateSuperseded:
		t.applySuperseded(ctx, u)
	case UpdateDiscardedUrgent:
		t.applyDiscardedUrgent(ctx, u)
	}

	t.publish()
}

// applyEmitted: score += α·(|S|−1)/|S| for every source, with an extra
// boost for the first reporter.
func (t *Tracker) applyEmitted(ctx context.Context, u Update) {
	n := len(u.SourceIDs)
	if n == 0 {
		return
	}

	boost := t.cfg.Alpha * float64(n-1) / float64(n)

	corroborations := 0
	if u.Corroborated {
		corroborations = 1
	}

	for i, id := range u.SourceIDs {
		delta := boost
		if i == 0 && n > 1 {
			delta += t.cfg.FirstBoost
		}

		t.adjust(ctx, id, u.Classes[id], delta, corroborations, 0)
	}
}

// applySuperseded: score −= β·score/50 for every source.
func (t *Tracker) applySuperseded(ctx context.Context, u Update) {
	for _, id := range u.SourceIDs {
		score := t.get(id, u.Classes[id]).Score
		t.adjust(ctx, id, u.Classes[id], -t.cfg.Beta*score/50, 0, 1)
	}
}

func (t *Tracker) applyDiscardedUrgent(ctx context.Context, u Update) {
	for _, id := range u.SourceIDs {
		t.adjust(ctx, id, u.Classes[id], -t.cfg.UrgentPenalty, 0, 0)
	}
}

// Decay regresses idle sources toward their class baseline,
// proportionally to elapsed time since their last event.
func (t *Tracker) Decay(ctx context.Context, idleAfter time.Duration) {
	now := t.now()
	changed := false

	for _, a := range t.ledger {
		if now.Sub(a.LastUpdate) < idleAfter {
			continue
		}

		diff := t.cfg.baseline(a.Class) - a.Score
		if math.Abs(diff) < 1e-9 {
			continue
		}

		step := t.cfg.DecayPerDay * now.Sub(a.LastUpdate).Hours() / 24
		if step > math.Abs(diff) {
			step = math.Abs(diff)
		}

		a.Score = domain.ClipScore(a.Score + math.Copysign(step, diff))
		a.LastUpdate = now
		changed = true

		if err := t.store.UpdateAuthority(ctx, *a, 0, 0); err != nil {
			t.logger.Error().Err(err).Str("source", a.SourceID).Msg("persist decay failed")
		}
	}

	if changed {
		t.publish()
	}
}

func (t *Tracker) get(id string, class domain.SourceClass) *domain.SourceAuthority {
	if a, ok := t.ledger[id]; ok {
		return a
	}

	if class == "" {
		class = domain.SourceClassArab
	}

	a := &domain.SourceAuthority{
		SourceID:   id,
		Class:      class,
		Score:      domain.AuthorityInitial,
		LastUpdate: t.now(),
	}
	t.ledger[id] = a

	return a
}

func (t *Tracker) adjust(ctx context.Context, id string, class domain.SourceClass, delta float64, corroborations, contradictions int) {
	a := t.get(id, class)
	a.Score = domain.ClipScore(a.Score + delta)
	a.Corroborations += corroborations
	a.Contradictions += contradictions
	a.LastUpdate = t.now()

	if err := t.store.UpdateAuthority(ctx, *a, corroborations, contradictions); err != nil {
		t.logger.Error().Err(err).Str("source", id).Msg("persist authority failed")
	}

	t.logger.Debug().Str("source", id).Float64("delta", delta).Float64("score", a.Score).Msg("authority adjusted")
}

func (t *Tracker) publish() {
	scores := make(map[string]float64, len(t.ledger))
	for id, a := range t.ledger {
		scores[id] = a.Score
	}

	t.snapshot.Store(&Snapshot{scores: scores})
}
