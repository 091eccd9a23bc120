package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmap/trend-sentinel/internal/authority"
	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

type clusterStore struct {
	puts []domain.TrendCluster
}

func (s *clusterStore) PutCluster(_ context.Context, c *domain.TrendCluster) error {
	s.puts = append(s.puts, *c)

	return nil
}

type harness struct {
	engine    *Engine
	store     *clusterStore
	emissions chan Emission
	updates   chan authority.Update
	clock     time.Time
}

func newHarness(t *testing.T, scores map[string]float64) *harness {
	t.Helper()

	logger := zerolog.Nop()
	h := &harness{
		store:     &clusterStore{},
		emissions: make(chan Emission, 16),
		updates:   make(chan authority.Update, 16),
		clock:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	snap := authority.NewSnapshot(scores)
	h.engine = New(
		Config{
			MinSources:         2,
			HighThreshold:      75,
			FastTrackHold:      time.Minute,
			IdleTTL:            10 * time.Minute,
			RetractionLookback: 10 * time.Minute,
		},
		h.store,
		func() *authority.Snapshot { return snap },
		h.emissions,
		h.updates,
		&logger,
	)
	h.engine.now = func() time.Time { return h.clock }

	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func event(sourceID string, kind domain.EventKind, location string, entities []string, at time.Time) domain.Event {
	return domain.Event{
		EventID:     uuid.NewString(),
		SourceID:    sourceID,
		SourceClass: domain.SourceClassArab,
		Kind:        kind,
		Location:    location,
		Entities:    entities,
		Summary:     "strike reported near " + location,
		CreatedAt:   at,
	}
}

func TestCrossSourceCorrelationEmits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := event("alpha", domain.KindStrike, "Khan Younis", []string{"idf"}, h.clock)
	require.NoError(t, h.engine.Ingest(ctx, first))
	assert.Empty(t, h.emissions, "single source must not emit")

	h.advance(3 * time.Minute)

	second := event("beta", domain.KindStrike, "Khan Yunis", []string{"idf"}, h.clock)
	require.NoError(t, h.engine.Ingest(ctx, second))

	require.Len(t, h.emissions, 1)
	em := <-h.emissions
	assert.False(t, em.Retraction)
	assert.False(t, em.FastTrack)
	assert.Equal(t, domain.ClusterEmitted, em.Cluster.State)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, em.Cluster.SourceIDs())

	require.Len(t, h.updates, 1)
	u := <-h.updates
	assert.Equal(t, authority.UpdateEmitted, u.Kind)
	assert.Equal(t, []string{"alpha", "beta"}, u.SourceIDs, "first reporter leads")
	assert.True(t, u.Corroborated)
}

func TestSpellingVariantsMergeViaSimilarity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// No shared entities: merge requires near-identical location strings.
	require.NoError(t, h.engine.Ingest(ctx, event("alpha", domain.KindStrike, "Rafah", nil, h.clock)))
	require.NoError(t, h.engine.Ingest(ctx, event("beta", domain.KindStrike, "Rafahh", nil, h.clock)))

	assert.Len(t, h.emissions, 1)
}

func TestDistinctLocationsStaySeparate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("alpha", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))
	require.NoError(t, h.engine.Ingest(ctx, event("beta", domain.KindStrike, "Jenin", []string{"idf"}, h.clock)))

	assert.Empty(t, h.emissions)
	assert.Len(t, h.engine.open, 2)
}

func TestClaimPairsWithSpecificKind(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("alpha", domain.KindStrike, "Khan Younis", []string{"idf"}, h.clock)))
	require.NoError(t, h.engine.Ingest(ctx, event("beta", domain.KindClaim, "Khan Younis", []string{"idf"}, h.clock)))

	assert.Len(t, h.emissions, 1)
}

func TestEventsOutsideBucketWindowDoNotMerge(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("alpha", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	late := event("beta", domain.KindStrike, "Rafah", []string{"idf"}, h.clock.Add(2*time.Hour))
	late.TimeHint = &late.CreatedAt

	require.NoError(t, h.engine.Ingest(ctx, late))

	assert.Empty(t, h.emissions)
	assert.Len(t, h.engine.open, 2)
}

func TestFastTrackEmitsAfterHold(t *testing.T) {
	h := newHarness(t, map[string]float64{"trusted": 80})
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("trusted", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	h.engine.Tick(ctx)
	assert.Empty(t, h.emissions, "hold not yet survived")

	h.advance(61 * time.Second)
	h.engine.Tick(ctx)

	require.Len(t, h.emissions, 1)
	em := <-h.emissions
	assert.True(t, em.FastTrack)
	assert.Equal(t, []string{"trusted"}, em.Cluster.SourceIDs())

	u := <-h.updates
	assert.Equal(t, authority.UpdateEmitted, u.Kind)
	assert.False(t, u.Corroborated, "single-source fast track is unconfirmed")
}

func TestLowAuthoritySourceNeverFastTracks(t *testing.T) {
	h := newHarness(t, map[string]float64{"nobody": 50})
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("nobody", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	h.advance(5 * time.Minute)
	h.engine.Tick(ctx)

	assert.Empty(t, h.emissions)
}

func TestSupersessionRetractsEmittedCluster(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("alpha", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))
	require.NoError(t, h.engine.Ingest(ctx, event("beta", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	em := <-h.emissions
	<-h.updates

	h.advance(4 * time.Minute)

	denial := event("alpha", domain.KindStrike, "Rafah", nil, h.clock)
	denial.Summary = "no strike occurred, false alarm"
	require.NoError(t, h.engine.Ingest(ctx, denial))

	require.Len(t, h.emissions, 1)
	retraction := <-h.emissions
	assert.True(t, retraction.Retraction)
	assert.Equal(t, em.Cluster.ClusterID, retraction.Cluster.ClusterID)
	assert.Equal(t, domain.ClusterSuperseded, retraction.Cluster.State)

	require.Len(t, h.updates, 1)
	u := <-h.updates
	assert.Equal(t, authority.UpdateSuperseded, u.Kind)
	assert.Equal(t, []string{"beta"}, u.SourceIDs, "the denier is not penalized")
}

func TestSameSourceReplyRetractsDespiteLocationDrift(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := event("alpha", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)
	first.MessageRefs = []domain.MessageRef{{SourceID: "alpha", MessageID: 10}}
	require.NoError(t, h.engine.Ingest(ctx, first))
	require.NoError(t, h.engine.Ingest(ctx, event("beta", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	em := <-h.emissions
	<-h.updates

	h.advance(4 * time.Minute)

	// The follow-up replies to the original message; its location
	// phrasing no longer matches the cluster.
	denial := event("alpha", domain.KindStatement, "southern Gaza", nil, h.clock)
	denial.Summary = "the source retracts the earlier report, false alarm"
	denial.ReplyRefs = []domain.MessageRef{{SourceID: "alpha", MessageID: 10}}
	require.NoError(t, h.engine.Ingest(ctx, denial))

	require.Len(t, h.emissions, 1)
	retraction := <-h.emissions
	assert.True(t, retraction.Retraction)
	assert.Equal(t, em.Cluster.ClusterID, retraction.Cluster.ClusterID)

	u := <-h.updates
	assert.Equal(t, authority.UpdateSuperseded, u.Kind)
	assert.Equal(t, []string{"beta"}, u.SourceIDs, "the retracting source is not penalized")
}

func TestSupersessionOfOpenClusterDoesNotEmit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("alpha", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	denial := event("beta", domain.KindStrike, "Rafah", nil, h.clock)
	denial.Summary = "تكذيب: لا صحة للأنباء عن غارة"
	require.NoError(t, h.engine.Ingest(ctx, denial))

	assert.Empty(t, h.emissions)
	assert.Empty(t, h.engine.open)

	u := <-h.updates
	assert.Equal(t, authority.UpdateSuperseded, u.Kind)
	assert.Equal(t, []string{"alpha"}, u.SourceIDs)
}

func TestRetractionWindowExpires(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("alpha", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))
	require.NoError(t, h.engine.Ingest(ctx, event("beta", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))
	<-h.emissions
	<-h.updates

	h.advance(11 * time.Minute)
	h.engine.Tick(ctx)

	denial := event("alpha", domain.KindStrike, "Rafah", nil, h.clock)
	denial.Summary = "false alarm, denied"
	require.NoError(t, h.engine.Ingest(ctx, denial))

	// Too late to retract: the denial opens its own cluster instead.
	assert.Empty(t, h.emissions)
	assert.Len(t, h.engine.open, 1)
}

func TestIdleClusterDiscardedWithUrgentPenalty(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ev := event("alarmist", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)
	ev.Urgent = true
	require.NoError(t, h.engine.Ingest(ctx, ev))

	h.advance(11 * time.Minute)
	h.engine.Tick(ctx)

	assert.Empty(t, h.emissions, "uncorroborated cluster is not published")
	assert.Empty(t, h.engine.open)

	require.Len(t, h.updates, 1)
	u := <-h.updates
	assert.Equal(t, authority.UpdateDiscardedUrgent, u.Kind)
	assert.Equal(t, []string{"alarmist"}, u.SourceIDs)
}

func TestIdleEligibleClusterEmitsOnAging(t *testing.T) {
	h := newHarness(t, map[string]float64{"trusted": 90})
	ctx := context.Background()

	require.NoError(t, h.engine.Ingest(ctx, event("trusted", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	h.advance(11 * time.Minute)
	h.engine.Tick(ctx)

	require.Len(t, h.emissions, 1)
	assert.True(t, (<-h.emissions).FastTrack)
}

func TestBestMatchPrefersHigherAuthoritySum(t *testing.T) {
	h := newHarness(t, map[string]float64{"strong": 90, "weak": 20})
	ctx := context.Background()

	// Two clusters both matching the incoming event.
	require.NoError(t, h.engine.Ingest(ctx, event("weak", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))
	require.NoError(t, h.engine.Ingest(ctx, event("strong", domain.KindCasualty, "Rafah", []string{"hamas"}, h.clock)))

	incoming := event("third", domain.KindClaim, "Rafah", []string{"idf", "hamas"}, h.clock)
	require.NoError(t, h.engine.Ingest(ctx, incoming))

	require.Len(t, h.emissions, 1)
	em := <-h.emissions
	assert.Contains(t, em.Cluster.SourceIDs(), "strong")
	assert.NotContains(t, em.Cluster.SourceIDs(), "weak")
}

func TestRestoreRebuildsIndex(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ev := event("alpha", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)
	ev.ClusterID = "restored"

	h.engine.Restore([]*domain.TrendCluster{{
		ClusterID:   "restored",
		Members:     []domain.Event{ev},
		FirstSeen:   h.clock,
		LastUpdated: h.clock,
		State:       domain.ClusterOpen,
	}})

	require.NoError(t, h.engine.Ingest(ctx, event("beta", domain.KindStrike, "Rafah", []string{"idf"}, h.clock)))

	require.Len(t, h.emissions, 1)
	assert.Equal(t, "restored", (<-h.emissions).Cluster.ClusterID)
}

func TestLocationToken(t *testing.T) {
	assert.Equal(t, "rafah", locationToken("Rafah Governorate"))
	assert.Equal(t, "rafah", locationToken("governorate Rafah"))
	assert.Equal(t, "khan", locationToken("Khan Younis, Gaza"))
	assert.Equal(t, "", locationToken(""))
}

func TestContainsDenial(t *testing.T) {
	assert.True(t, containsDenial("IDF denies any strike took place"))
	assert.True(t, containsDenial("لا صحة للأنباء المتداولة"))
	assert.True(t, containsDenial("אזעקת שווא ברפיח"))
	assert.False(t, containsDenial("strike confirmed by two sources"))
}
