// Package sender turns emitted clusters into outgoing chat messages
// behind a rate gate.
package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/process/correlate"
)

const (
	maxSendRetries   = 5
	sendRetryInitial = time.Second
	sendRetryMax     = 10 * time.Second
)

// Messenger delivers one formatted message to the output chat for the
// given source class.
type Messenger interface {
	SendSummary(ctx context.Context, class domain.SourceClass, text string) error
}

// Config holds the delivery parameters.
type Config struct {
	// MinInterval is the minimum spacing between regular summaries.
	MinInterval time.Duration
	SendTimeout time.Duration
	// DrainGrace bounds queue draining on shutdown.
	DrainGrace time.Duration
}

// Sender serializes emissions to the output channel, oldest first.
// Retractions bypass the rate gate.
type Sender struct {
	cfg     Config
	out     Messenger
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a Sender.
func New(cfg Config, out Messenger, logger *zerolog.Logger) *Sender {
	return &Sender{
		cfg:     cfg,
		out:     out,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:  logger.With().Str("component", "sender").Logger(),
	}
}

// Run consumes emissions until ctx is canceled, then drains whatever
// is still queued within the drain grace period.
func (s *Sender) Run(ctx context.Context, emissions <-chan correlate.Emission) error {
	for {
		select {
		case <-ctx.Done():
			s.drain(emissions)

			return ctx.Err()
		case em, ok := <-emissions:
			if !ok {
				return nil
			}

			if err := s.deliver(ctx, em); err != nil {
				s.logger.Error().Err(err).Str("cluster", em.Cluster.ClusterID).Msg("delivery failed")
			}
		}
	}
}

// deliver waits for the rate gate (unless retracting) and sends with
// bounded retries.
func (s *Sender) deliver(ctx context.Context, em correlate.Emission) error {
	if !em.Retraction {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}
	}

	return s.send(ctx, em)
}

func (s *Sender) send(ctx context.Context, em correlate.Emission) error {
	text := Format(em)
	class := leadEvent(&em.Cluster).SourceClass

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = sendRetryInitial
	policy.MaxInterval = sendRetryMax

	op := func() error {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()

		return s.out.SendSummary(sendCtx, class, text)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxSendRetries), ctx))
	if err != nil {
		return fmt.Errorf("send summary: %w", err)
	}

	s.logger.Info().
		Str("cluster", em.Cluster.ClusterID).
		Bool("retraction", em.Retraction).
		Bool("fast_track", em.FastTrack).
		Msg("summary delivered")

	return nil
}

// drain flushes queued emissions on shutdown. The rate gate is waived;
// the grace period is the only bound.
func (s *Sender) drain(emissions <-chan correlate.Emission) {
	deadline := time.NewTimer(s.cfg.DrainGrace)
	defer deadline.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainGrace)
	defer cancel()

	for {
		select {
		case <-deadline.C:
			return
		case em, ok := <-emissions:
			if !ok {
				return
			}

			if err := s.send(drainCtx, em); err != nil {
				s.logger.Error().Err(err).Str("cluster", em.Cluster.ClusterID).Msg("drain delivery failed")
			}
		default:
			return
		}
	}
}
