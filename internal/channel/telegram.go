package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"askhuman/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

var errTelegramNotConnected = errors.New("telegram bot not connected")

// Telegram implements domain.Transport for a Telegram bot using long polling.
// A reply to the question message (reply_to_message) is the thread reply.
type Telegram struct {
	token     string
	allowFrom map[string]bool // empty = allow all
	parseMode string

	bot    *tgbotapi.BotAPI
	sender telegramSender
	feed   domain.EventFeed
	logger *slog.Logger
	ready  atomic.Bool
}

// telegramSender is the part of *tgbotapi.BotAPI that Send uses.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ParseMode string // "Markdown" (default), "HTML", or "none"
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, s := range cfg.AllowFrom {
		if s = strings.TrimSpace(s); s != "" {
			allowed[s] = true
		}
	}
	switch cfg.ParseMode {
	case "":
		cfg.ParseMode = tgbotapi.ModeMarkdown
	case "none":
		cfg.ParseMode = ""
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Ready() bool { return t.ready.Load() }

// Mention links the user id, which notifies them without needing a username.
func (t *Telegram) Mention(userID string) string {
	if userID == "" {
		return ""
	}
	switch t.parseMode {
	case tgbotapi.ModeMarkdown:
		return "[" + userID + "](tg://user?id=" + userID + ")"
	case tgbotapi.ModeHTML:
		return `<a href="tg://user?id=` + userID + `">` + userID + "</a>"
	default:
		return userID
	}
}

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, feed domain.EventFeed) error {
	t.feed = feed

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.sender = bot
	t.ready.Store(true)
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.ready.Store(false)
			t.logger.Info("telegram transport stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				t.ready.Store(false)
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	ev, ok := telegramMessageToEvent(update.Message, t.bot.Self.ID)
	if !ok {
		return
	}
	if !t.isAllowed(ev.AuthorID) {
		t.logger.Warn("dropping message from telegram user not in allow list", "user_id", ev.AuthorID)
		return
	}
	t.logger.Debug("telegram message received",
		"user_id", ev.AuthorID,
		"chat_id", ev.SourceID,
		"reply_to", ev.ParentMessageID,
		"text_len", len(ev.Text),
	)
	t.feed.Publish(ev)
}

// Send posts text to the chat and returns the message id of the first chunk.
func (t *Telegram) Send(ctx context.Context, destination, text string) (string, error) {
	if !t.ready.Load() {
		return "", errTelegramNotConnected
	}
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", destination, err)
	}

	var anchor int
	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i > 0 {
			msg.ReplyToMessageID = anchor
		}
		sent, err := t.sendChunk(ctx, msg)
		if err != nil {
			if i == 0 {
				return "", err
			}
			return strconv.Itoa(anchor), fmt.Errorf("telegram send continuation: %w", err)
		}
		if i == 0 {
			anchor = sent.MessageID
		}
	}
	return strconv.Itoa(anchor), nil
}

// sendChunk sends one message once. A chunk the API rejects because its
// markup does not parse is sent again as plain text; any other error is
// returned as is.
func (t *Telegram) sendChunk(ctx context.Context, msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.Message{}, err
	}
	msg.ParseMode = t.parseMode
	sent, err := t.sender.Send(msg)
	if err == nil {
		return sent, nil
	}
	if msg.ParseMode == "" || !strings.Contains(err.Error(), "can't parse entities") {
		return tgbotapi.Message{}, fmt.Errorf("telegram send: %w", err)
	}

	t.logger.Warn("telegram markup parse error, sending as plain text", "err", err)
	msg.ParseMode = ""
	sent, err = t.sender.Send(msg)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram send plain text: %w", err)
	}
	return sent, nil
}

func (t *Telegram) isAllowed(userID string) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	return t.allowFrom[userID]
}

// telegramMessageToEvent converts an update message. Updates without a sender
// or chat are dropped.
func telegramMessageToEvent(m *tgbotapi.Message, selfID int64) (domain.InboundEvent, bool) {
	if m == nil || m.From == nil || m.Chat == nil {
		return domain.InboundEvent{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	ev := domain.InboundEvent{
		Transport:      "telegram",
		SourceID:       strconv.FormatInt(m.Chat.ID, 10),
		AuthorID:       strconv.FormatInt(m.From.ID, 10),
		Text:           text,
		MessageID:      strconv.Itoa(m.MessageID),
		SelfOriginated: m.From.IsBot || m.From.ID == selfID,
		Timestamp:      time.Unix(int64(m.Date), 0),
	}
	if m.ReplyToMessage != nil {
		ev.ParentMessageID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	return ev, true
}
