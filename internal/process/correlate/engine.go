// Package correlate clusters extracted events into trend clusters and
// drives their lifecycle: open, emitted, superseded.
package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clearmap/trend-sentinel/internal/authority"
	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/platform/observability"
)

// bucketSize quantizes event times into coarse signature buckets.
const bucketSize = 15 * time.Minute

// Config holds the clustering thresholds.
type Config struct {
	MinSources         int
	HighThreshold      float64
	FastTrackHold      time.Duration
	IdleTTL            time.Duration
	RetractionLookback time.Duration
}

// Emission is a cluster handed to the output channel. Scores carries
// the per-source authority at decision time so the formatter does not
// race the ledger.
type Emission struct {
	Cluster    domain.TrendCluster
	Retraction bool
	FastTrack  bool
	Scores     map[string]float64
}

// Store is the persistence surface the engine needs.
type Store interface {
	PutCluster(ctx context.Context, c *domain.TrendCluster) error
}

// Engine owns the in-memory cluster state. All methods must be called
// from a single goroutine; Run enforces this.
type Engine struct {
	cfg       Config
	store     Store
	scores    func() *authority.Snapshot
	emissions chan<- Emission
	updates   chan<- authority.Update
	logger    zerolog.Logger
	now       func() time.Time

	open    map[string]*domain.TrendCluster
	emitted map[string]*domain.TrendCluster // retraction window only

	// index maps coarse signatures (location token, time bucket) of
	// member events to candidate cluster ids.
	index map[signature]map[string]struct{}
}

type signature struct {
	loc    string
	bucket int64
}

// New creates an Engine.
func New(
	cfg Config,
	store Store,
	scores func() *authority.Snapshot,
	emissions chan<- Emission,
	updates chan<- authority.Update,
	logger *zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		scores:    scores,
		emissions: emissions,
		updates:   updates,
		logger:    logger.With().Str("component", "correlator").Logger(),
		now:       time.Now,
		open:      make(map[string]*domain.TrendCluster),
		emitted:   make(map[string]*domain.TrendCluster),
		index:     make(map[signature]map[string]struct{}),
	}
}

// Restore reloads open clusters after a restart. The first tick ages
// out whatever went stale while the process was down.
func (e *Engine) Restore(clusters []*domain.TrendCluster) {
	for _, c := range clusters {
		e.open[c.ClusterID] = c
		for i := range c.Members {
			e.indexAdd(&c.Members[i], c.ClusterID)
		}
	}

	if len(clusters) > 0 {
		e.logger.Info().Int("clusters", len(clusters)).Msg("open clusters restored")
	}
}

// Run consumes events and drives the cluster lifecycle until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context, events <-chan domain.Event, tickEvery time.Duration) error {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			if err := e.Ingest(ctx, ev); err != nil {
				e.logger.Error().Err(err).Str("event", ev.EventID).Msg("correlation failed")
			}
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Ingest routes one event: supersession first, then merge or open.
func (e *Engine) Ingest(ctx context.Context, ev domain.Event) error {
	if containsDenial(ev.Summary) {
		if target := e.findContradicted(ev); target != nil {
			return e.supersede(ctx, target, ev)
		}
	}

	if c := e.bestMatch(ev); c != nil {
		return e.merge(ctx, c, ev)
	}

	return e.openCluster(ctx, ev)
}

// Tick runs fast-track checks, cluster aging, and eviction of emitted
// clusters past the retraction window.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	for _, c := range e.open {
		if now.Sub(c.LastUpdated) >= e.cfg.IdleTTL {
			e.closeIdle(ctx, c)

			continue
		}

		if e.fastTrackEligible(c) && now.Sub(c.FirstSeen) >= e.cfg.FastTrackHold {
			e.emit(ctx, c, true)
		}
	}

	for id, c := range e.emitted {
		if now.Sub(c.LastUpdated) > e.cfg.RetractionLookback {
			delete(e.emitted, id)
		}
	}
}

func (e *Engine) merge(ctx context.Context, c *domain.TrendCluster, ev domain.Event) error {
	ev.ClusterID = c.ClusterID
	c.Members = append(c.Members, ev)
	c.LastUpdated = e.now()
	c.AuthoritySum = e.scores().Sum(c.SourceIDs())
	e.indexAdd(&ev, c.ClusterID)

	if err := e.store.PutCluster(ctx, c); err != nil {
		return fmt.Errorf("persist merged cluster: %w", err)
	}

	e.logger.Debug().
		Str("cluster", c.ClusterID).
		Str("event", ev.EventID).
		Int("sources", len(c.SourceIDs())).
		Msg("event merged")

	if len(c.SourceIDs()) >= e.cfg.MinSources {
		e.emit(ctx, c, false)
	}

	return nil
}

func (e *Engine) openCluster(ctx context.Context, ev domain.Event) error {
	now := e.now()
	c := &domain.TrendCluster{
		ClusterID:    uuid.NewString(),
		FirstSeen:    now,
		LastUpdated:  now,
		State:        domain.ClusterOpen,
		AuthoritySum: e.scores().Score(ev.SourceID),
	}

	ev.ClusterID = c.ClusterID
	c.Members = []domain.Event{ev}

	e.open[c.ClusterID] = c
	e.indexAdd(&ev, c.ClusterID)
	observability.ClustersByState.WithLabelValues(string(domain.ClusterOpen)).Inc()

	if err := e.store.PutCluster(ctx, c); err != nil {
		return fmt.Errorf("persist new cluster: %w", err)
	}

	e.logger.Debug().Str("cluster", c.ClusterID).Str("kind", string(ev.Kind)).Msg("cluster opened")

	return nil
}

// emit transitions an Open cluster to Emitted, publishes it, and
// rewards its sources.
func (e *Engine) emit(ctx context.Context, c *domain.TrendCluster, fastTrack bool) {
	c.State = domain.ClusterEmitted
	c.LastUpdated = e.now()

	if err := e.store.PutCluster(ctx, c); err != nil {
		e.logger.Error().Err(err).Str("cluster", c.ClusterID).Msg("persist emitted cluster failed")
	}

	e.dropFromMemory(c.ClusterID)
	e.emitted[c.ClusterID] = c

	observability.ClustersByState.WithLabelValues(string(domain.ClusterEmitted)).Inc()
	observability.Emissions.Inc()

	sources := c.SourceIDs()
	scores := make(map[string]float64, len(sources))

	for _, id := range sources {
		scores[id] = e.scores().Score(id)
	}

	e.send(ctx, Emission{Cluster: *c, FastTrack: fastTrack, Scores: scores})
	e.sendUpdate(ctx, authority.Update{
		Kind:         authority.UpdateEmitted,
		SourceIDs:    sources,
		Classes:      classMap(c),
		Corroborated: len(sources) >= e.cfg.MinSources,
	})

	e.logger.Info().
		Str("cluster", c.ClusterID).
		Int("sources", len(sources)).
		Bool("fast_track", fastTrack).
		Msg("cluster emitted")
}

// supersede cancels a cluster on a contradicting report. An already
// emitted cluster additionally produces a retraction message.
func (e *Engine) supersede(ctx context.Context, c *domain.TrendCluster, denial domain.Event) error {
	wasEmitted := c.State == domain.ClusterEmitted
	priorSources := c.SourceIDs()

	denial.ClusterID = c.ClusterID
	c.Members = append(c.Members, denial)
	c.State = domain.ClusterSuperseded
	c.LastUpdated = e.now()

	if err := e.store.PutCluster(ctx, c); err != nil {
		return fmt.Errorf("persist superseded cluster: %w", err)
	}

	e.dropFromMemory(c.ClusterID)
	delete(e.emitted, c.ClusterID)
	observability.ClustersByState.WithLabelValues(string(domain.ClusterSuperseded)).Inc()

	// The denier is not penalized along with the sources it corrected.
	penalized := make([]string, 0, len(priorSources))
	for _, id := range priorSources {
		if id != denial.SourceID {
			penalized = append(penalized, id)
		}
	}

	e.sendUpdate(ctx, authority.Update{
		Kind:      authority.UpdateSuperseded,
		SourceIDs: penalized,
		Classes:   classMap(c),
	})

	if wasEmitted {
		observability.Retractions.Inc()
		e.send(ctx, Emission{Cluster: *c, Retraction: true})
	}

	e.logger.Info().
		Str("cluster", c.ClusterID).
		Str("denier", denial.SourceID).
		Bool("retraction", wasEmitted).
		Msg("cluster superseded")

	return nil
}

// closeIdle resolves a cluster that saw no new members for the idle
// TTL: emit when eligible, otherwise discard without publishing.
func (e *Engine) closeIdle(ctx context.Context, c *domain.TrendCluster) {
	if len(c.SourceIDs()) >= e.cfg.MinSources || e.fastTrackEligible(c) {
		e.emit(ctx, c, len(c.SourceIDs()) < e.cfg.MinSources)

		return
	}

	e.dropFromMemory(c.ClusterID)

	for _, ev := range c.Members {
		e.logger.Info().
			Str("cluster", c.ClusterID).
			Str("event", ev.EventID).
			Str("kind", string(ev.Kind)).
			Msg("uncorroborated event released for audit")
	}

	// Crying wolf costs: an urgent report nobody corroborated counts
	// against its source.
	if urgentMembers(c) {
		e.sendUpdate(ctx, authority.Update{
			Kind:      authority.UpdateDiscardedUrgent,
			SourceIDs: c.SourceIDs(),
			Classes:   classMap(c),
		})
	}
}

func (e *Engine) fastTrackEligible(c *domain.TrendCluster) bool {
	for _, id := range c.SourceIDs() {
		if e.scores().Score(id) >= e.cfg.HighThreshold {
			return true
		}
	}

	return false
}

// findContradicted locates the cluster a denial event refers to. A
// reply to a clustered message names its target directly; otherwise
// the denial matches a kind-compatible cluster at the same location.
// Either way the target must be still Open or emitted within the
// retraction lookback.
func (e *Engine) findContradicted(ev domain.Event) *domain.TrendCluster {
	if c := e.replyTarget(ev); c != nil {
		return c
	}

	var (
		best    *domain.TrendCluster
		bestSum float64
	)

	consider := func(c *domain.TrendCluster) {
		if !kindCompatible(ev.Kind, c) || !locationMatch(ev, c) {
			return
		}

		if best == nil || c.AuthoritySum > bestSum {
			best, bestSum = c, c.AuthoritySum
		}
	}

	for _, c := range e.open {
		consider(c)
	}

	now := e.now()

	for _, c := range e.emitted {
		if now.Sub(c.LastUpdated) <= e.cfg.RetractionLookback {
			consider(c)
		}
	}

	return best
}

// replyTarget resolves a denial through its reply linkage: the cluster
// holding the replied-to message. Same-source retractions reach the
// right cluster this way even when the location phrasing differs.
func (e *Engine) replyTarget(ev domain.Event) *domain.TrendCluster {
	if len(ev.ReplyRefs) == 0 {
		return nil
	}

	refs := make(map[domain.MessageRef]struct{}, len(ev.ReplyRefs))
	for _, ref := range ev.ReplyRefs {
		refs[ref] = struct{}{}
	}

	holds := func(c *domain.TrendCluster) bool {
		for _, m := range c.Members {
			for _, ref := range m.MessageRefs {
				if _, ok := refs[ref]; ok {
					return true
				}
			}
		}

		return false
	}

	for _, c := range e.open {
		if holds(c) {
			return c
		}
	}

	now := e.now()

	for _, c := range e.emitted {
		if now.Sub(c.LastUpdated) <= e.cfg.RetractionLookback && holds(c) {
			return c
		}
	}

	return nil
}

// bestMatch applies the merge rule over candidate clusters, preferring
// the highest cached authority sum, then the earliest first_seen.
func (e *Engine) bestMatch(ev domain.Event) *domain.TrendCluster {
	var best *domain.TrendCluster

	better := func(c *domain.TrendCluster) bool {
		if best == nil {
			return true
		}

		if c.AuthoritySum != best.AuthoritySum {
			return c.AuthoritySum > best.AuthoritySum
		}

		return c.FirstSeen.Before(best.FirstSeen)
	}

	for _, c := range e.candidates(ev) {
		if matches(ev, c) && better(c) {
			best = c
		}
	}

	return best
}

// candidates narrows the search through the coarse signature index;
// a miss falls back to scanning all open clusters so that the fuzzy
// location rule still applies.
func (e *Engine) candidates(ev domain.Event) []*domain.TrendCluster {
	b := bucketOf(&ev)
	loc := locationToken(ev.Location)
	seen := make(map[string]struct{})

	var out []*domain.TrendCluster

	for db := int64(-2); db <= 2; db++ {
		for id := range e.index[signature{loc: loc, bucket: b + db}] {
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}

			if c, ok := e.open[id]; ok {
				out = append(out, c)
			}
		}
	}

	if len(out) > 0 {
		return out
	}

	out = make([]*domain.TrendCluster, 0, len(e.open))
	for _, c := range e.open {
		out = append(out, c)
	}

	return out
}

func (e *Engine) indexAdd(ev *domain.Event, clusterID string) {
	sig := signature{loc: locationToken(ev.Location), bucket: bucketOf(ev)}

	if e.index[sig] == nil {
		e.index[sig] = make(map[string]struct{})
	}

	e.index[sig][clusterID] = struct{}{}
}

// dropFromMemory removes a cluster from the open set and the index.
func (e *Engine) dropFromMemory(clusterID string) {
	c, ok := e.open[clusterID]
	if !ok {
		return
	}

	delete(e.open, clusterID)

	for i := range c.Members {
		sig := signature{loc: locationToken(c.Members[i].Location), bucket: bucketOf(&c.Members[i])}

		delete(e.index[sig], clusterID)

		if len(e.index[sig]) == 0 {
			delete(e.index, sig)
		}
	}
}

func (e *Engine) send(ctx context.Context, em Emission) {
	select {
	case e.emissions <- em:
	case <-ctx.Done():
	}
}

func (e *Engine) sendUpdate(ctx context.Context, u authority.Update) {
	select {
	case e.updates <- u:
	case <-ctx.Done():
	}
}

// bucketOf quantizes the event time hint, or ingestion time when no
// hint was extracted, into 15-minute buckets.
func bucketOf(ev *domain.Event) int64 {
	ts := ev.CreatedAt
	if ev.TimeHint != nil {
		ts = *ev.TimeHint
	}

	return ts.Unix() / int64(bucketSize.Seconds())
}

func classMap(c *domain.TrendCluster) map[string]domain.SourceClass {
	m := make(map[string]domain.SourceClass, len(c.Members))
	for _, ev := range c.Members {
		m[ev.SourceID] = ev.SourceClass
	}

	return m
}

func urgentMembers(c *domain.TrendCluster) bool {
	for _, ev := range c.Members {
		if ev.Urgent {
			return true
		}
	}

	return false
}
