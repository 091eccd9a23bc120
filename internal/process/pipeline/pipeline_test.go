package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/llm"
	"github.com/clearmap/trend-sentinel/internal/normalize"
	"github.com/clearmap/trend-sentinel/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string]storage.PutStatus
	messages []domain.NormalizedMessage
	events   []domain.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string]storage.PutStatus)}
}

func (s *fakeStore) PutMessage(_ context.Context, m domain.NormalizedMessage, _ time.Duration) (storage.PutStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.statuses[m.Hash]; ok {
		return st, nil
	}

	s.messages = append(s.messages, m)

	return storage.PutNew, nil
}

func (s *fakeStore) PutEvent(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)

	return nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	errs    []error
	batches [][]domain.NormalizedMessage
}

func (e *fakeExtractor) Extract(_ context.Context, batch []domain.NormalizedMessage) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.batches = append(e.batches, batch)

	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]

		if err != nil {
			return nil, err
		}
	}

	events := make([]domain.Event, 0, len(batch))
	for _, m := range batch {
		events = append(events, domain.Event{
			EventID:     uuid.NewString(),
			SourceID:    m.SourceID,
			SourceClass: m.SourceClass,
			Kind:        domain.KindStrike,
			Location:    "Rafah",
			Summary:     m.TextNorm,
			CreatedAt:   m.ArrivedAt,
		})
	}

	return events, nil
}

func (e *fakeExtractor) NextFree() time.Time { return time.Now() }

func (e *fakeExtractor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.batches)
}

func testConfig() Config {
	return Config{
		BatchSize:          4,
		MaxBatchAge:        5 * time.Minute,
		QueueSize:          512,
		DedupWindow:        6 * time.Hour,
		StoreWriteTimeout:  time.Second,
		FailureBackoffBase: time.Millisecond,
		FailureBackoffCap:  5 * time.Millisecond,
		FlushGrace:         time.Second,
	}
}

func newTestPipeline(cfg Config, store Store, ex Extractor) *Pipeline {
	logger := zerolog.Nop()
	p := New(cfg, normalize.New(nil), store, ex, &logger)
	p.tick = 5 * time.Millisecond

	return p
}

func raw(source string, id int64, text string, at time.Time) domain.RawMessage {
	return domain.RawMessage{
		SourceID:    source,
		SourceClass: domain.SourceClassArab,
		MessageID:   id,
		ArrivedAt:   at,
		Text:        text,
	}
}

func TestIngestDropsEmptyMessages(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(testConfig(), store, &fakeExtractor{})

	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 1, "   ‏  ", time.Now())))

	assert.Empty(t, store.messages, "empty text never reaches the store")
	assert.Nil(t, p.takeBatch(true))
}

func TestIngestDropsDuplicates(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(testConfig(), store, &fakeExtractor{})

	m := p.normalizer.Normalize(raw("alpha", 1, "strike in rafah", time.Now()))
	store.statuses[m.Hash] = storage.PutDup

	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 1, "strike in rafah", time.Now())))

	assert.Nil(t, p.takeBatch(true), "duplicates are not enqueued")
}

func TestOverflowDropsOldestNeverNewest(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(testConfig(), store, &fakeExtractor{})

	base := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, p.Ingest(context.Background(),
			raw("alpha", int64(i), fmt.Sprintf("message number %d", i), base.Add(time.Duration(i)*time.Millisecond))))
	}

	q := p.queues[domain.SourceClassArab]
	require.Equal(t, 512, q.len())

	head, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, int64(488), head.MessageID, "oldest 488 dropped, newest preserved")
}

func TestTakeBatchWaitsForTrigger(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(testConfig(), store, &fakeExtractor{})

	now := time.Now()
	p.now = func() time.Time { return now }

	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 1, "one strike", now)))
	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 2, "two strikes", now)))

	assert.Nil(t, p.takeBatch(false), "below batch size and age threshold")

	p.now = func() time.Time { return now.Add(6 * time.Minute) }
	batch := p.takeBatch(false)
	assert.Len(t, batch, 2, "age trigger releases a partial batch")
}

func TestTakeBatchSizeTriggerOldestFirstAcrossClasses(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(testConfig(), store, &fakeExtractor{})

	base := time.Now()
	smart := raw("think", 1, "analysis of the strike", base.Add(time.Second))
	smart.SourceClass = domain.SourceClassSmart

	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 1, "first report", base)))
	require.NoError(t, p.Ingest(context.Background(), smart))
	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 2, "second report", base.Add(2*time.Second))))
	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 3, "third report", base.Add(3*time.Second))))

	batch := p.takeBatch(false)
	require.Len(t, batch, 4)

	for i := 1; i < len(batch); i++ {
		assert.False(t, batch[i].ArrivedAt.Before(batch[i-1].ArrivedAt), "batch is oldest-first")
	}
}

func TestRunForwardsAndPersistsEvents(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{}
	p := newTestPipeline(testConfig(), store, ex)

	base := time.Now().Add(-10 * time.Minute) // age trigger fires immediately
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Ingest(context.Background(),
			raw("alpha", int64(i), fmt.Sprintf("report %d", i), base)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan domain.Event, 16)
	done := make(chan struct{})

	go func() {
		_ = p.Run(ctx, events)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()

		return len(store.events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Len(t, events, 4)
}

func TestRunRequeuesOnBudgetExhaustion(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{errs: []error{llm.ErrBudgetExhausted}}
	p := newTestPipeline(testConfig(), store, ex)

	base := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Ingest(context.Background(),
			raw("alpha", int64(i), fmt.Sprintf("report %d", i), base)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan domain.Event, 16)
	done := make(chan struct{})

	go func() {
		_ = p.Run(ctx, events)
		close(done)
	}()

	require.Eventually(t, func() bool { return ex.calls() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// Same batch, same order, nothing skipped.
	require.GreaterOrEqual(t, len(ex.batches), 2)
	assert.Equal(t, ex.batches[0], ex.batches[1])
}

func TestRunRetriesFailedBatch(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{errs: []error{llm.ErrSchemaInvalid}}
	p := newTestPipeline(testConfig(), store, ex)

	base := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Ingest(context.Background(),
			raw("alpha", int64(i), fmt.Sprintf("report %d", i), base)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan domain.Event, 16)
	done := make(chan struct{})

	go func() {
		_ = p.Run(ctx, events)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()

		return len(store.events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunFlushesPendingOnShutdown(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{}
	p := newTestPipeline(testConfig(), store, ex)

	// One fresh message: no trigger fires before cancellation.
	require.NoError(t, p.Ingest(context.Background(), raw("alpha", 1, "late report", time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan domain.Event, 16)
	done := make(chan struct{})

	go func() {
		_ = p.Run(ctx, events)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, ex.calls(), "pending batch flushed during shutdown")
	assert.Len(t, store.events, 1)
}

func TestFailureDelayRespectsCap(t *testing.T) {
	cfg := Config{FailureBackoffBase: 30 * time.Second, FailureBackoffCap: 30 * time.Minute}

	for i := 1; i <= 20; i++ {
		d := failureDelay(cfg, i)
		assert.LessOrEqual(t, d, time.Duration(float64(30*time.Minute)*1.2))
		assert.GreaterOrEqual(t, d, time.Duration(float64(30*time.Second)*0.8))
	}
}
