// Package extract turns batches of normalized messages into structured
// events through a budget-gated LLM call.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/llm"
	"github.com/clearmap/trend-sentinel/internal/platform/observability"
)

const (
	// maxTransportRetries bounds automatic retries of
	// ProviderUnavailable / Timeout failures.
	maxTransportRetries = 5

	transportBackoffInitial = 2 * time.Second
	transportBackoffMax     = 30 * time.Second

	// Input texts are clipped before prompting.
	maxTextLen = 1500
)

// Extractor is the single gateway to the LLM provider. Admission is
// decided by the budget ledger before any call is attempted.
type Extractor struct {
	provider llm.Provider
	ledger   *llm.Ledger
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an Extractor.
func New(provider llm.Provider, ledger *llm.Ledger, timeout time.Duration, logger *zerolog.Logger) *Extractor {
	return &Extractor{
		provider: provider,
		ledger:   ledger,
		timeout:  timeout,
		logger:   logger.With().Str("component", "extractor").Logger(),
		now:      time.Now,
	}
}

// NextFree reports when the budget ledger will next admit a call.
func (e *Extractor) NextFree() time.Time {
	return e.ledger.NextFree()
}

// BudgetUsed reports rolling-hour and rolling-minute call usage.
func (e *Extractor) BudgetUsed() (hourly, minute int) {
	return e.ledger.Used()
}

// Extract runs one batch through the provider and returns the events
// in model output order, with source_msg_indices resolved back to the
// input messages.
//
// Error contract: ErrBudgetExhausted means the batch was deferred and
// no call was made; ErrSchemaInvalid means the output failed the
// schema twice (one repair attempt included); transport failures are
// retried up to maxTransportRetries before surfacing.
func (e *Extractor) Extract(ctx context.Context, batch []domain.NormalizedMessage) ([]domain.Event, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	texts := make([]string, len(batch))
	for i, m := range batch {
		texts[i] = clip(m.TextNorm, maxTextLen)
	}

	raw, err := e.call(ctx, llm.BuildExtractPrompt(texts, false))
	if err != nil {
		return nil, err
	}

	events, parseErr := e.parse(raw, batch)
	if parseErr == nil {
		return events, nil
	}

	e.logger.Warn().Err(parseErr).Msg("extractor output rejected, attempting repair")
	observability.ExtractionRepairs.Inc()

	raw, err = e.call(ctx, llm.BuildExtractPrompt(texts, true))
	if err != nil {
		return nil, err
	}

	events, parseErr = e.parse(raw, batch)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrSchemaInvalid, parseErr)
	}

	return events, nil
}

// call admits against the ledger and invokes the provider with the
// configured timeout, retrying transient transport failures.
func (e *Extractor) call(ctx context.Context, prompt string) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = transportBackoffInitial
	policy.MaxInterval = transportBackoffMax

	var raw string

	op := func() error {
		// Every provider invocation, retries included, is admitted
		// against the ledger individually.
		if !e.ledger.Admit() {
			observability.LLMDeferrals.Inc()

			return backoff.Permanent(llm.ErrBudgetExhausted)
		}

		observability.LLMCalls.Inc()

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		var err error

		raw, err = e.provider.Complete(callCtx, prompt)
		if err != nil && !llm.Retryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxTransportRetries), ctx))
	if err != nil {
		return "", fmt.Errorf("llm call: %w", err)
	}

	return raw, nil
}

// extractResult is the strict wire schema the model must produce.
type extractResult struct {
	Kind             string   `json:"kind"`
	Location         string   `json:"location"`
	Lat              *float64 `json:"lat"`
	Lon              *float64 `json:"lon"`
	Entities         []string `json:"entities"`
	TimeHint         *string  `json:"time_hint"`
	Summary          string   `json:"summary"`
	ConfidenceSelf   float64  `json:"confidence_self"`
	SourceMsgIndices []int    `json:"source_msg_indices"`
}

func (e *Extractor) parse(raw string, batch []domain.NormalizedMessage) ([]domain.Event, error) {
	var results []extractResult
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &results); err != nil {
		return nil, fmt.Errorf("unmarshal extraction: %w", err)
	}

	events := make([]domain.Event, 0, len(results))

	for i, r := range results {
		ev, err := e.toEvent(r, batch)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}

		events = append(events, ev)
	}

	return events, nil
}

func (e *Extractor) toEvent(r extractResult, batch []domain.NormalizedMessage) (domain.Event, error) {
	kind := domain.EventKind(r.Kind)
	if !domain.ValidKind(kind) {
		return domain.Event{}, fmt.Errorf("unknown kind %q", r.Kind)
	}

	if r.ConfidenceSelf < 0 || r.ConfidenceSelf > 1 {
		return domain.Event{}, fmt.Errorf("confidence %v out of range", r.ConfidenceSelf)
	}

	if len(r.SourceMsgIndices) == 0 {
		return domain.Event{}, fmt.Errorf("no source message indices")
	}

	refs := make([]domain.MessageRef, 0, len(r.SourceMsgIndices))

	var replyRefs []domain.MessageRef

	urgent := false

	for _, idx := range r.SourceMsgIndices {
		if idx < 0 || idx >= len(batch) {
			return domain.Event{}, fmt.Errorf("source index %d out of range", idx)
		}

		refs = append(refs, domain.MessageRef{SourceID: batch[idx].SourceID, MessageID: batch[idx].MessageID})
		urgent = urgent || batch[idx].Urgent

		if batch[idx].ReplyTo != 0 {
			replyRefs = append(replyRefs, domain.MessageRef{SourceID: batch[idx].SourceID, MessageID: batch[idx].ReplyTo})
		}
	}

	first := batch[r.SourceMsgIndices[0]]

	ev := domain.Event{
		EventID:        uuid.NewString(),
		MessageRefs:    refs,
		ReplyRefs:      replyRefs,
		SourceID:       first.SourceID,
		SourceClass:    first.SourceClass,
		Kind:           kind,
		Location:       r.Location,
		Entities:       r.Entities,
		Summary:        r.Summary,
		ConfidenceSelf: r.ConfidenceSelf,
		Urgent:         urgent,
		CreatedAt:      e.now(),
	}

	if r.Lat != nil && r.Lon != nil {
		ev.Coordinates = &domain.Coordinates{Lat: *r.Lat, Lon: *r.Lon}
	}

	if r.TimeHint != nil && *r.TimeHint != "" {
		// Reported times come in loose formats; a hint that cannot be
		// parsed is dropped rather than failing the batch.
		if t, err := dateparse.ParseAny(*r.TimeHint); err == nil {
			ev.TimeHint = &t
		}
	}

	return ev, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}

	// Clip on a rune boundary.
	runes := []rune(s)
	if len(runes) > n {
		runes = runes[:n]
	}

	return string(runes)
}
