// Package telegramreader ingests messages from the tracked channels
// over MTProto and feeds them to the pipeline.
package telegramreader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
	"github.com/clearmap/trend-sentinel/internal/platform/config"
	"github.com/clearmap/trend-sentinel/internal/sources"
)

// ErrChannelNotFound indicates a username resolved to nothing.
var ErrChannelNotFound = errors.New("channel not found")

// ErrNotAChannel indicates the peer is not a channel.
var ErrNotAChannel = errors.New("peer is not a channel")

// Ingestor consumes raw messages, usually the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, raw domain.RawMessage) error
}

// channelState carries the resolved peer and the high-water mark of a
// tracked channel.
type channelState struct {
	sources.Channel

	peerID     int64
	accessHash int64
	lastMsgID  int64
}

// Reader polls the tracked channels and pushes new messages into the
// pipeline. It also exposes the summary send path over the same
// authenticated session.
type Reader struct {
	cfg      *config.Config
	channels []*channelState
	ingestor Ingestor
	logger   zerolog.Logger
	now      func() time.Time

	// onAuthLost is notified when the session string stops working.
	onAuthLost func(reason string)

	sender    *message.Sender
	outPeer   tg.InputPeerClass
	smartPeer tg.InputPeerClass
}

// New creates a Reader over the given channel set.
func New(cfg *config.Config, channels []sources.Channel, ingestor Ingestor, logger *zerolog.Logger) *Reader {
	states := make([]*channelState, 0, len(channels))
	for _, ch := range channels {
		states = append(states, &channelState{Channel: ch})
	}

	return &Reader{
		cfg:      cfg,
		channels: states,
		ingestor: ingestor,
		logger:   logger.With().Str("component", "reader").Logger(),
		now:      time.Now,
	}
}

// OnAuthLost registers the recovery notification hook.
func (r *Reader) OnAuthLost(fn func(reason string)) {
	r.onAuthLost = fn
}

// Run connects, authenticates from the session string, and polls until
// ctx is canceled.
func (r *Reader) Run(ctx context.Context) error {
	storage, err := sessionFromString(ctx, r.cfg.TGSessionString)
	if err != nil {
		return err
	}

	client := telegram.NewClient(r.cfg.TelegramAPIID, r.cfg.TelegramAPIHash, telegram.Options{
		SessionStorage: storage,
	})

	return client.Run(ctx, func(ctx context.Context) error {
		if err := client.Auth().IfNecessary(ctx, r.authFlow()); err != nil {
			r.notifyAuthLost(err)

			return fmt.Errorf("%w: %v", ErrInteractiveAuthRequired, err)
		}

		r.logger.Info().Msg("authenticated, starting ingestion")

		api := tg.NewClient(client)
		r.sender = message.NewSender(api)

		if err := r.resolveOutPeer(ctx, api); err != nil {
			return err
		}

		return r.poll(ctx, api)
	})
}

// sessionFromString decodes a Telethon-format session string into an
// in-memory gotd session.
func sessionFromString(ctx context.Context, s string) (telegram.SessionStorage, error) {
	data, err := session.TelethonSession(s)
	if err != nil {
		return nil, fmt.Errorf("decode session string: %w", err)
	}

	storage := new(session.StorageMemory)
	loader := session.Loader{Storage: storage}

	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return storage, nil
}

func (r *Reader) notifyAuthLost(err error) {
	r.logger.Error().Err(err).Msg("session authentication lost")

	if r.onAuthLost != nil {
		r.onAuthLost(err.Error())
	}
}

// poll runs fetch cycles over all tracked channels.
func (r *Reader) poll(ctx context.Context, api *tg.Client) error {
	for {
		start := r.now()
		total := 0

		for _, ch := range r.channels {
			n, err := r.fetchChannel(ctx, api, ch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				r.logger.Error().Err(err).Str("channel", ch.Username).Msg("fetch failed")

				continue
			}

			total += n
		}

		if total > 0 {
			r.logger.Info().
				Int("messages", total).
				Dur("duration", r.now().Sub(start)).
				Msg("ingestion cycle finished")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// fetchChannel pulls new history for one channel and ingests it in
// message-id order.
func (r *Reader) fetchChannel(ctx context.Context, api *tg.Client, ch *channelState) (int, error) {
	if ch.peerID == 0 {
		if err := r.resolveChannel(ctx, api, ch); err != nil {
			return 0, err
		}
	}

	req := &tg.MessagesGetHistoryRequest{
		Peer: &tg.InputPeerChannel{
			ChannelID:  ch.peerID,
			AccessHash: ch.accessHash,
		},
		Limit: r.cfg.ReaderFetchLimit,
	}

	if ch.lastMsgID > 0 {
		req.OffsetID = int(ch.lastMsgID)
		req.AddOffset = -r.cfg.ReaderFetchLimit
	}

	history, err := api.MessagesGetHistory(ctx, req)
	if err != nil {
		if floodErr, ok := tgerr.As(err); ok && floodErr.Type == "FLOOD_WAIT" {
			r.logger.Warn().
				Int("seconds", floodErr.Argument).
				Str("channel", ch.Username).
				Msg("flood wait")

			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(floodErr.Argument) * time.Second):
			}

			return 0, nil
		}

		return 0, fmt.Errorf("get history: %w", err)
	}

	var raw []tg.MessageClass

	switch h := history.(type) {
	case *tg.MessagesMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	case *tg.MessagesMessagesNotModified:
		return 0, nil
	}

	// History arrives newest first; ingest in arrival order.
	msgs := make([]*tg.Message, 0, len(raw))

	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok || msg.ID <= int(ch.lastMsgID) || msg.Message == "" {
			continue
		}

		msgs = append(msgs, msg)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	count := 0

	for _, msg := range msgs {
		var replyTo int64
		if header, ok := msg.GetReplyTo(); ok {
			if h, ok := header.(*tg.MessageReplyHeader); ok {
				replyTo = int64(h.ReplyToMsgID)
			}
		}

		err := r.ingestor.Ingest(ctx, domain.RawMessage{
			SourceID:    ch.Username,
			SourceClass: ch.Class,
			MessageID:   int64(msg.ID),
			ArrivedAt:   r.now(),
			Text:        msg.Message,
			ReplyTo:     replyTo,
		})
		if err != nil {
			r.logger.Error().Err(err).Str("channel", ch.Username).Int("msg_id", msg.ID).Msg("ingest failed")

			continue
		}

		count++

		if int64(msg.ID) > ch.lastMsgID {
			ch.lastMsgID = int64(msg.ID)
		}
	}

	return count, nil
}

// resolveChannel turns a username into a peer id and access hash.
func (r *Reader) resolveChannel(ctx context.Context, api *tg.Client, ch *channelState) error {
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: ch.Username})
	if err != nil {
		return fmt.Errorf("resolve username %s: %w", ch.Username, err)
	}

	if len(resolved.Chats) == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, ch.Username)
	}

	channel, ok := resolved.Chats[0].(*tg.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAChannel, ch.Username)
	}

	ch.peerID = channel.ID
	ch.accessHash = channel.AccessHash

	r.logger.Info().
		Str("channel", ch.Username).
		Int64("peer_id", ch.peerID).
		Str("title", channel.Title).
		Msg("channel resolved")

	return nil
}

// resolveOutPeer locates the summary targets among the account dialogs.
// The smart chat is optional; the main output chat is not.
func (r *Reader) resolveOutPeer(ctx context.Context, api *tg.Client) error {
	dialogs, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return fmt.Errorf("get dialogs: %w", err)
	}

	var chats []tg.ChatClass

	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}

	for _, chat := range chats {
		var (
			id   int64
			peer tg.InputPeerClass
		)

		switch c := chat.(type) {
		case *tg.Channel:
			id = c.ID
			peer = &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
		case *tg.Chat:
			id = c.ID
			peer = &tg.InputPeerChat{ChatID: c.ID}
		default:
			continue
		}

		switch id {
		case r.cfg.ArabsSummaryOut:
			r.outPeer = peer
		case r.cfg.SmartChat:
			r.smartPeer = peer
		}
	}

	if r.outPeer == nil {
		return fmt.Errorf("%w: output chat %d not among dialogs", ErrChannelNotFound, r.cfg.ArabsSummaryOut)
	}

	if r.cfg.SmartChat != 0 && r.smartPeer == nil {
		r.logger.Warn().Int64("chat", r.cfg.SmartChat).Msg("smart chat not among dialogs, routing to main output")
	}

	return nil
}

// SendSummary delivers one formatted summary. Smart-class summaries go
// to the smart chat when one is configured and resolved.
func (r *Reader) SendSummary(ctx context.Context, class domain.SourceClass, text string) error {
	if r.sender == nil || r.outPeer == nil {
		return errors.New("reader not connected")
	}

	peer := r.outPeer
	if class == domain.SourceClassSmart && r.smartPeer != nil {
		peer = r.smartPeer
	}

	if _, err := r.sender.To(peer).Text(ctx, text); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}

	return nil
}
