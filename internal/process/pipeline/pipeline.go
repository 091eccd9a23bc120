// Package pipeline feeds normalized messages to the extractor in
// batches and forwards the resulting events to correlation.
package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/llm"
	"github.com/clearmap/trend-sentinel/internal/normalize"
	"github.com/clearmap/trend-sentinel/internal/platform/observability"
	"github.com/clearmap/trend-sentinel/internal/storage"
)

// Config holds the batching parameters.
type Config struct {
	BatchSize         int
	MaxBatchAge       time.Duration
	QueueSize         int
	DedupWindow       time.Duration
	StoreWriteTimeout time.Duration

	// Failed batches are requeued and retried with exponential delay.
	FailureBackoffBase time.Duration
	FailureBackoffCap  time.Duration

	// FlushGrace bounds how long an in-flight batch may finish after
	// shutdown begins.
	FlushGrace time.Duration
}

// Extractor is the LLM gateway surface the pipeline drives.
type Extractor interface {
	Extract(ctx context.Context, batch []domain.NormalizedMessage) ([]domain.Event, error)
	NextFree() time.Time
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	PutMessage(ctx context.Context, m domain.NormalizedMessage, dedupWindow time.Duration) (storage.PutStatus, error)
	PutEvent(ctx context.Context, ev domain.Event) error
}

// Pipeline owns the per-class pending queues. Ingest may be called
// from any goroutine; Run is the single batch consumer.
type Pipeline struct {
	cfg        Config
	normalizer *normalize.Normalizer
	store      Store
	extractor  Extractor
	logger     zerolog.Logger
	now        func() time.Time
	tick       time.Duration

	mu     sync.Mutex
	queues map[domain.SourceClass]*pendingQueue
}

// New creates a Pipeline.
func New(cfg Config, normalizer *normalize.Normalizer, store Store, extractor Extractor, logger *zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		normalizer: normalizer,
		store:      store,
		extractor:  extractor,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		now:        time.Now,
		tick:       time.Second,
		queues: map[domain.SourceClass]*pendingQueue{
			domain.SourceClassArab:  newPendingQueue(cfg.QueueSize),
			domain.SourceClassSmart: newPendingQueue(cfg.QueueSize),
		},
	}
}

// Ingest normalizes, persists, and enqueues one raw message. Empty
// and duplicate messages are dropped here and never reach a batch.
func (p *Pipeline) Ingest(ctx context.Context, raw domain.RawMessage) error {
	m := p.normalizer.Normalize(raw)
	if m.Empty {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreWriteTimeout)
	defer cancel()

	status, err := p.store.PutMessage(writeCtx, m, p.cfg.DedupWindow)
	if err != nil {
		return err
	}

	class := string(m.SourceClass)

	if status == storage.PutDup {
		observability.DroppedDup.WithLabelValues(class).Inc()

		return nil
	}

	observability.MessagesIngested.WithLabelValues(class).Inc()

	p.mu.Lock()
	dropped := p.queues[m.SourceClass].push(m)
	depth := p.queues[m.SourceClass].len()
	p.mu.Unlock()

	observability.PendingQueueSize.WithLabelValues(class).Set(float64(depth))

	if dropped > 0 {
		observability.DroppedIngress.WithLabelValues(class).Add(float64(dropped))
		p.logger.Warn().
			Str("class", class).
			Int("dropped", dropped).
			Msg("pending queue overflow, oldest messages dropped")
	}

	return nil
}

// Run batches pending messages until ctx is canceled, then flushes one
// final batch within the flush grace period. At most one extraction is
// in flight at any time.
func (p *Pipeline) Run(ctx context.Context, events chan<- domain.Event) error {
	// Store writes and the in-flight extraction survive cancellation
	// for the flush grace period.
	workCtx, cancelWork := graceContext(ctx, p.cfg.FlushGrace)
	defer cancelWork()

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			if batch := p.takeBatch(true); len(batch) > 0 {
				p.logger.Info().Int("size", len(batch)).Msg("flushing final batch")
				_ = p.processBatch(workCtx, batch, events)
			}

			return ctx.Err()
		case <-ticker.C:
		}

		batch := p.takeBatch(false)
		if len(batch) == 0 {
			continue
		}

		err := p.processBatch(workCtx, batch, events)

		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, llm.ErrBudgetExhausted):
			p.requeue(batch)
			p.waitUntil(ctx, p.extractor.NextFree())
		case errors.Is(err, context.Canceled):
			return ctx.Err()
		default:
			failures++
			p.requeue(batch)
			observability.BatchesExtracted.WithLabelValues("failed").Inc()
			p.logger.Error().Err(err).Int("failures", failures).Msg("batch failed, requeued")
			p.waitUntil(ctx, p.now().Add(failureDelay(p.cfg, failures)))
		}
	}
}

func (p *Pipeline) processBatch(ctx context.Context, batch []domain.NormalizedMessage, events chan<- domain.Event) error {
	extracted, err := p.extractor.Extract(ctx, batch)
	if err != nil {
		return err
	}

	observability.BatchesExtracted.WithLabelValues("ok").Inc()

	for _, ev := range extracted {
		writeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreWriteTimeout)
		err = p.store.PutEvent(writeCtx, ev)

		cancel()

		if err != nil {
			p.logger.Error().Err(err).Str("event", ev.EventID).Msg("persist event failed")

			continue
		}

		observability.EventsExtracted.Inc()

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// takeBatch pops up to BatchSize messages, oldest first across the
// class queues. Unless force is set, it returns nothing before a
// trigger fires: the batch is full, or the oldest message is older
// than MaxBatchAge.
func (p *Pipeline) takeBatch(force bool) []domain.NormalizedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, q := range p.queues {
		total += q.len()
	}

	if total == 0 {
		return nil
	}

	if !force && total < p.cfg.BatchSize && p.now().Sub(p.oldestLocked()) <= p.cfg.MaxBatchAge {
		return nil
	}

	batch := make([]domain.NormalizedMessage, 0, p.cfg.BatchSize)

	for len(batch) < p.cfg.BatchSize {
		q := p.oldestQueueLocked()
		if q == nil {
			break
		}

		batch = append(batch, q.pop())
	}

	for class, q := range p.queues {
		observability.PendingQueueSize.WithLabelValues(string(class)).Set(float64(q.len()))
	}

	return batch
}

// oldestLocked returns the arrival time of the oldest pending message.
func (p *Pipeline) oldestLocked() time.Time {
	var oldest time.Time

	for _, q := range p.queues {
		if m, ok := q.peek(); ok && (oldest.IsZero() || m.ArrivedAt.Before(oldest)) {
			oldest = m.ArrivedAt
		}
	}

	return oldest
}

func (p *Pipeline) oldestQueueLocked() *pendingQueue {
	var (
		best   *pendingQueue
		oldest time.Time
	)

	for _, q := range p.queues {
		if m, ok := q.peek(); ok && (best == nil || m.ArrivedAt.Before(oldest)) {
			best, oldest = q, m.ArrivedAt
		}
	}

	return best
}

// requeue returns a failed batch to the front of its queues so retry
// order stays FIFO.
func (p *Pipeline) requeue(batch []domain.NormalizedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		p.queues[batch[i].SourceClass].pushFront(batch[i])
	}
}

func (p *Pipeline) waitUntil(ctx context.Context, t time.Time) {
	d := t.Sub(p.now())
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// failureDelay grows exponentially from the base to the cap, with
// ±20% jitter to avoid synchronized retries.
func failureDelay(cfg Config, failures int) time.Duration {
	d := cfg.FailureBackoffBase
	for i := 1; i < failures && d < cfg.FailureBackoffCap; i++ {
		d *= 2
	}

	if d > cfg.FailureBackoffCap {
		d = cfg.FailureBackoffCap
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)

	return time.Duration(float64(d) * jitter)
}

// graceContext yields a context that outlives parent cancellation by
// grace, so in-flight work can finish during shutdown.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-parent.Done():
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
		}

		cancel()
	}()

	return ctx, cancel
}

// pendingQueue is a bounded FIFO that drops oldest entries on
// overflow. Callers hold the pipeline mutex.
type pendingQueue struct {
	items []domain.NormalizedMessage
	max   int
}

func newPendingQueue(max int) *pendingQueue {
	return &pendingQueue{max: max}
}

func (q *pendingQueue) len() int { return len(q.items) }

func (q *pendingQueue) peek() (domain.NormalizedMessage, bool) {
	if len(q.items) == 0 {
		return domain.NormalizedMessage{}, false
	}

	return q.items[0], true
}

func (q *pendingQueue) pop() domain.NormalizedMessage {
	m := q.items[0]
	q.items = q.items[1:]

	return m
}

// push appends and reports how many oldest entries were evicted to
// stay within the bound.
func (q *pendingQueue) push(m domain.NormalizedMessage) int {
	q.items = append(q.items, m)

	dropped := len(q.items) - q.max
	if dropped > 0 {
		q.items = q.items[dropped:]

		return dropped
	}

	return 0
}

// pushFront restores a message during requeue; requeued items may
// transiently exceed the bound rather than be lost.
func (q *pendingQueue) pushFront(m domain.NormalizedMessage) {
	q.items = append([]domain.NormalizedMessage{m}, q.items...)
}
