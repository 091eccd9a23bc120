// Package bot runs the companion control bot: liveness, counters, and
// authority standings for operators.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/platform/config"
)

// Store is the read-only surface the bot queries.
type Store interface {
	TopAuthorities(ctx context.Context, n int) ([]domain.SourceAuthority, error)
	CountEmittedSince(ctx context.Context, since time.Time) (int, error)
	Ping(ctx context.Context) error
}

// BudgetReader reports LLM budget usage.
type BudgetReader interface {
	Used() (hourly, minute int)
}

// Bot is the operator-facing control surface.
type Bot struct {
	cfg     *config.Config
	store   Store
	budget  BudgetReader
	api     *tgbotapi.BotAPI
	logger  zerolog.Logger
	started time.Time
}

// New creates the control bot.
func New(cfg *config.Config, store Store, budget BudgetReader, logger *zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		cfg:     cfg,
		store:   store,
		budget:  budget,
		api:     api,
		logger:  logger.With().Str("component", "bot").Logger(),
		started: time.Now(),
	}, nil
}

// Run handles commands until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Msg("control bot listening")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()

			return ctx.Err()
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			if !b.isAdmin(update.Message.From.ID) {
				b.logger.Warn().
					Int64("user_id", update.Message.From.ID).
					Str("username", update.Message.From.UserName).
					Msg("unauthorized command ignored")

				continue
			}

			b.handleCommand(ctx, update.Message)
		}
	}
}

// NotifyAdmins pushes an out-of-band message to every configured admin.
// Used for auth-recovery alerts.
func (b *Bot) NotifyAdmins(text string) {
	for _, id := range b.cfg.AdminIDs {
		if _, err := b.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			b.logger.Error().Err(err).Int64("admin", id).Msg("admin notification failed")
		}
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	for _, id := range b.cfg.AdminIDs {
		if id == userID {
			return true
		}
	}

	return false
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	b.logger.Info().Str("command", msg.Command()).Int64("user_id", msg.From.ID).Msg("handling command")

	switch msg.Command() {
	case "start", "help":
		b.reply(msg, helpText)
	case "status":
		b.handleStatus(ctx, msg)
	case "stats":
		b.handleStats(ctx, msg)
	case "login":
		b.reply(msg, "Sessions are provisioned out of band: mint a new session string and update TG_SESSION_STRING, then restart.")
	default:
		b.reply(msg, "Unknown command. Try /help.")
	}
}

const helpText = `Commands:
/status — liveness, uptime, store health, LLM budget
/stats — emissions in the last hour and authority top 10
/login — session recovery instructions`

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	storeState := "ok"
	if err := b.store.Ping(ctx); err != nil {
		storeState = "error: " + err.Error()
	}

	hourly, minute := b.budget.Used()

	var sb strings.Builder

	sb.WriteString("Status: running\n")
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(b.started).Round(time.Second))
	fmt.Fprintf(&sb, "Store: %s\n", storeState)
	fmt.Fprintf(&sb, "LLM budget: %d/%d this hour, %d/%d this minute",
		hourly, b.cfg.LLMBudgetHourly, minute, b.cfg.LLMRPMLimit)

	b.reply(msg, sb.String())
}

func (b *Bot) handleStats(ctx context.Context, msg *tgbotapi.Message) {
	emitted, err := b.store.CountEmittedSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		b.reply(msg, "stats unavailable: "+err.Error())

		return
	}

	top, err := b.store.TopAuthorities(ctx, 10)
	if err != nil {
		b.reply(msg, "stats unavailable: "+err.Error())

		return
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Emitted last hour: %d\n\nAuthority top %d:\n", emitted, len(top))

	for i, a := range top {
		fmt.Fprintf(&sb, "%2d. %s (%s) — %.1f  +%d/−%d\n",
			i+1, a.SourceID, a.Class, a.Score, a.Corroborations, a.Contradictions)
	}

	b.reply(msg, sb.String())
}

func (b *Bot) reply(msg *tgbotapi.Message, text string) {
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ReplyToMessageID = msg.MessageID

	if _, err := b.api.Send(reply); err != nil {
		b.logger.Error().Err(err).Msg("reply failed")
	}
}
