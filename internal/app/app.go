// Package app wires the components together and runs the service
// modes:
//
//   - engine: ingestion, extraction, correlation, authority, sender
//   - bot:    the operator control bot only
//   - all:    engine and bot in one process
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clearmap/trend-sentinel/internal/authority"
	"github.com/clearmap/trend-sentinel/internal/bot"
	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/llm"
	"github.com/clearmap/trend-sentinel/internal/normalize"
	"github.com/clearmap/trend-sentinel/internal/output/sender"
	"github.com/clearmap/trend-sentinel/internal/platform/config"
	"github.com/clearmap/trend-sentinel/internal/platform/observability"
	"github.com/clearmap/trend-sentinel/internal/platform/worker"
	"github.com/clearmap/trend-sentinel/internal/process/correlate"
	"github.com/clearmap/trend-sentinel/internal/process/extract"
	"github.com/clearmap/trend-sentinel/internal/process/pipeline"
	"github.com/clearmap/trend-sentinel/internal/sources"
	"github.com/clearmap/trend-sentinel/internal/storage"
	"github.com/clearmap/trend-sentinel/internal/telegramreader"
)

const (
	eventQueueSize    = 256
	emissionQueueSize = 64
	updateQueueSize   = 64

	correlatorTick = 15 * time.Second
	decayTick      = 15 * time.Minute
	decayIdleAfter = 24 * time.Hour
	pruneTick      = time.Hour

	batchFailBackoffBase = 30 * time.Second
	batchFailBackoffCap  = 30 * time.Minute
	pipelineFlushGrace   = 60 * time.Second
	senderDrainGrace     = 30 * time.Second
)

// App holds the shared dependencies of all modes.
type App struct {
	cfg    *config.Config
	store  *storage.DB
	ledger *llm.Ledger
	logger *zerolog.Logger
}

// New creates an App.
func New(cfg *config.Config, store *storage.DB, logger *zerolog.Logger) *App {
	return &App{
		cfg:    cfg,
		store:  store,
		ledger: llm.NewLedger(cfg.LLMBudgetHourly, cfg.LLMRPMLimit, logger),
		logger: logger,
	}
}

// StartHealthServer serves /healthz, /readyz, and /metrics.
func (a *App) StartHealthServer(ctx context.Context) error {
	return observability.NewServer(a.store, a.cfg.HealthPort, a.logger).Start(ctx)
}

// RunEngine runs the full processing graph. notify, when non-nil, is
// called on session-recovery events.
func (a *App) RunEngine(ctx context.Context, notify func(string)) error {
	channels, err := sources.Load(a.cfg.ArabSourcesFile, a.cfg.SmartSourcesFile)
	if err != nil {
		return err
	}

	if len(channels) == 0 {
		return fmt.Errorf("no channels configured in %s or %s", a.cfg.ArabSourcesFile, a.cfg.SmartSourcesFile)
	}

	a.logger.Info().Int("channels", len(channels)).Msg("source lists loaded")

	provider, err := a.newProvider(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Close() }()

	tracker := authority.New(authority.Config{
		Alpha:         a.cfg.AuthorityAlpha,
		Beta:          a.cfg.AuthorityBeta,
		DecayPerDay:   a.cfg.AuthorityDecayDay,
		UrgentPenalty: 1.5,
		FirstBoost:    1,
		Baselines: map[domain.SourceClass]float64{
			domain.SourceClassArab:  a.cfg.AuthorityBaselineArab,
			domain.SourceClassSmart: a.cfg.AuthorityBaselineSmart,
		},
	}, a.store, a.logger)

	if err = tracker.Load(ctx, sources.Classes(channels)); err != nil {
		return err
	}

	events := make(chan domain.Event, eventQueueSize)
	emissions := make(chan correlate.Emission, emissionQueueSize)
	updates := make(chan authority.Update, updateQueueSize)

	engine := correlate.New(correlate.Config{
		MinSources:         a.cfg.MinSources,
		HighThreshold:      a.cfg.AuthorityHighThreshold,
		FastTrackHold:      a.cfg.FastTrackHold,
		IdleTTL:            a.cfg.ClusterIdleTTL,
		RetractionLookback: a.cfg.RetractionLookback,
	}, a.store, tracker.Snapshot, emissions, updates, a.logger)

	open, err := a.store.GetOpenClusters(ctx)
	if err != nil {
		return err
	}

	engine.Restore(open)

	extractor := extract.New(provider, a.ledger, a.cfg.LLMTimeout, a.logger)

	pipe := pipeline.New(pipeline.Config{
		BatchSize:          a.cfg.BatchSize,
		MaxBatchAge:        a.cfg.MaxBatchAge,
		QueueSize:          a.cfg.IngressQueueSize,
		DedupWindow:        a.cfg.DedupWindow,
		StoreWriteTimeout:  a.cfg.StoreWriteTimeout,
		FailureBackoffBase: batchFailBackoffBase,
		FailureBackoffCap:  batchFailBackoffCap,
		FlushGrace:         pipelineFlushGrace,
	}, normalize.New(a.cfg.SignatureTrailers), a.store, extractor, a.logger)

	reader := telegramreader.New(a.cfg, channels, pipe, a.logger)
	if notify != nil {
		reader.OnAuthLost(func(reason string) {
			notify("⚠️ Telegram session lost: " + reason)
		})
	}

	out := sender.New(sender.Config{
		MinInterval: a.cfg.SummaryMinInterval,
		SendTimeout: a.cfg.SendTimeout,
		DrainGrace:  senderDrainGrace,
	}, reader, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return reader.Run(ctx) })
	g.Go(func() error { return pipe.Run(ctx, events) })
	g.Go(func() error { return engine.Run(ctx, events, correlatorTick) })
	g.Go(func() error { return tracker.Run(ctx, updates) })
	g.Go(func() error { return out.Run(ctx, emissions) })

	g.Go(func() error {
		return worker.TickerLoop(ctx, "authority-decay", decayTick, func(ctx context.Context) {
			tracker.Decay(ctx, decayIdleAfter)
		}, a.logger)
	})

	g.Go(func() error {
		return worker.TickerLoop(ctx, "message-prune", pruneTick, func(ctx context.Context) {
			n, err := a.store.PruneMessages(ctx, 2*a.cfg.DedupWindow)
			if err != nil {
				a.logger.Error().Err(err).Msg("message prune failed")
			} else if n > 0 {
				a.logger.Info().Int64("pruned", n).Msg("old messages pruned")
			}
		}, a.logger)
	})

	return g.Wait()
}

// RunBot runs the control bot alone.
func (a *App) RunBot(ctx context.Context) error {
	b, err := a.newBot()
	if err != nil {
		return err
	}

	return b.Run(ctx)
}

// RunAll runs the engine and, when a token is configured, the control
// bot in one process.
func (a *App) RunAll(ctx context.Context) error {
	var notify func(string)

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.BotToken != "" {
		b, err := a.newBot()
		if err != nil {
			return err
		}

		notify = b.NotifyAdmins

		g.Go(func() error { return b.Run(ctx) })
	}

	g.Go(func() error { return a.RunEngine(ctx, notify) })

	return g.Wait()
}

func (a *App) newBot() (*bot.Bot, error) {
	if a.cfg.BotToken == "" {
		return nil, fmt.Errorf("%w: BOT_TOKEN required for bot mode", config.ErrInvalid)
	}

	return bot.New(a.cfg, a.store, a.ledger, a.logger)
}

func (a *App) newProvider(ctx context.Context) (llm.Provider, error) {
	switch a.cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAI(a.cfg.OpenAIAPIKey, a.cfg.OpenAIBaseURL, a.cfg.OpenAIModel, a.logger), nil
	default:
		return llm.NewGemini(ctx, a.cfg.GeminiAPIKey, a.cfg.GeminiModel, a.logger)
	}
}
