// ABOUTME: Telegram Bot API transport using long polling
// ABOUTME: Maps private chats, groups and channels onto peer fields and sends HTML replies

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/coven-relay/internal/transport"
)

// channelIDOffset converts between Bot API supergroup/channel ids (-100XXXXXXXXXX)
// and positive channel peer ids.
const channelIDOffset = 1000000000000

const defaultPollTimeout = 60 * time.Second

// Config configures the Telegram transport.
type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API server.
	APIEndpoint string
}

// Transport implements transport.Transport and transport.Typer for Telegram.
type Transport struct {
	bot    *tgbotapi.BotAPI
	cfg    Config
	logger *slog.Logger
}

// New connects to the Bot API and identifies the bot account.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Transport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.PollTimeout + 10*time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}

	t := &Transport{
		bot:    bot,
		cfg:    cfg,
		logger: logger.With("component", "telegram"),
	}
	t.logger.Info("telegram bot authorized", "username", bot.Self.UserName, "id", bot.Self.ID)
	return t, nil
}

// Name returns "telegram".
func (t *Transport) Name() string {
	return "telegram"
}

// Run long-polls for updates and hands message events to h until ctx is done.
func (t *Transport) Run(ctx context.Context, h transport.Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(t.cfg.PollTimeout / time.Second)
	u.AllowedUpdates = []string{"message", "channel_post"}

	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	t.logger.Info("telegram transport running")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("shutting down telegram transport")
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			msg := update.Message
			if msg == nil {
				msg = update.ChannelPost
			}
			evt := eventFromMessage(msg, t.bot.Self.ID)
			if evt == nil {
				continue
			}
			h(ctx, evt)
		}
	}
}

// eventFromMessage converts a Bot API message. Returns nil for messages
// without text.
func eventFromMessage(msg *tgbotapi.Message, selfID int64) *transport.Event {
	if msg == nil || msg.Chat == nil {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return nil
	}

	chatID := msg.Chat.ID
	evt := &transport.Event{
		ID:       fmt.Sprintf("%d:%d", chatID, msg.MessageID),
		SenderID: chatID,
		Text:     text,
		Target:   transport.Target(strconv.FormatInt(chatID, 10)),
	}

	switch {
	case msg.Chat.IsPrivate():
		evt.UserID = transport.Int64(chatID)
	case msg.Chat.IsGroup():
		evt.ChatID = transport.Int64(-chatID)
	case msg.Chat.IsSuperGroup(), msg.Chat.IsChannel():
		evt.ChannelID = transport.Int64(-chatID - channelIDOffset)
	}

	if msg.From != nil {
		evt.FromID = transport.Int64(msg.From.ID)
		evt.Outgoing = msg.From.ID == selfID
	}
	return evt
}

func chatID(target transport.Target) (int64, error) {
	id, err := strconv.ParseInt(string(target), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram target %q: %w", target, err)
	}
	return id, nil
}

// Send delivers text to the chat.
func (t *Transport) Send(ctx context.Context, target transport.Target, text string, format transport.Format) error {
	id, err := chatID(target)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(id, text)
	if format == transport.FormatHTML {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}

	t.logger.Debug("message sent", "chat", id, "length", len(text))
	return nil
}

// SetTyping shows the typing action. Telegram clears it on its own after a
// few seconds or when a message is sent, so typing=false is a no-op.
func (t *Transport) SetTyping(ctx context.Context, target transport.Target, typing bool) error {
	if !typing {
		return nil
	}
	id, err := chatID(target)
	if err != nil {
		return err
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("sending chat action: %w", err)
	}
	return nil
}
