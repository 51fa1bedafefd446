package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"askhuman/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000
)

var errDiscordNotConnected = errors.New("discord session not connected")

// Discord implements domain.Transport for Discord.
//
// A message counts as a thread reply when it is a Discord reply to another
// message, or when it is posted in a thread started from that message.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	feed    domain.EventFeed
	logger  *slog.Logger
	ready   atomic.Bool
}

// DiscordConfig configures the Discord transport.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord transport.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Ready() bool { return d.ready.Load() }

func (d *Discord) Mention(userID string) string {
	if userID == "" {
		return ""
	}
	return "<@" + userID + ">"
}

// Start connects to Discord using a bot token and feeds message events until ctx is done.
func (d *Discord) Start(ctx context.Context, feed domain.EventFeed) error {
	d.feed = feed

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Ready) {
		d.ready.Store(true)
		d.logger.Info("discord gateway ready", "user", s.State.User.Username)
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		d.ready.Store(true)
		d.logger.Info("discord gateway resumed")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.ready.Store(false)
		d.logger.Warn("discord gateway disconnected")
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.Author == nil {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		selfID := ""
		if s.State != nil && s.State.User != nil {
			selfID = s.State.User.ID
		}
		ev := discordMessageToEvent(m.Message, selfID, discordThreadParent(s.State.Channel,
			func(channelID string) (*discordgo.Channel, error) {
				ch, err := s.Channel(channelID)
				if err == nil {
					_ = s.State.ChannelAdd(ch)
				}
				return ch, err
			}))

		d.logger.Debug("discord message received",
			"author", ev.AuthorID,
			"channel_id", ev.SourceID,
			"parent", ev.ParentMessageID,
			"content_len", len(ev.Text),
		)
		d.feed.Publish(ev)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.ready.Store(false)
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// discordThreadParent resolves a channel id to its parent when the channel is
// a thread. The state cache is tried first, then the REST API.
func discordThreadParent(cached, fetch func(channelID string) (*discordgo.Channel, error)) func(string) (string, bool) {
	return func(channelID string) (string, bool) {
		ch, err := cached(channelID)
		if err != nil || ch == nil {
			if ch, err = fetch(channelID); err != nil || ch == nil {
				return "", false
			}
		}
		if !ch.IsThread() {
			return "", false
		}
		return ch.ParentID, true
	}
}

// Send posts text and returns the message id. Overflow is sent as replies to
// the first message.
func (d *Discord) Send(ctx context.Context, destination, text string) (string, error) {
	if !d.ready.Load() {
		return "", errDiscordNotConnected
	}
	chunks := splitMessage(text, discordMaxMsgLen)
	msg, err := d.session.ChannelMessageSend(destination, chunks[0], discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	ref := &discordgo.MessageReference{MessageID: msg.ID, ChannelID: destination}
	for _, chunk := range chunks[1:] {
		if _, err := d.session.ChannelMessageSendReply(destination, chunk, ref, discordgo.WithContext(ctx)); err != nil {
			return msg.ID, fmt.Errorf("discord send continuation: %w", err)
		}
	}
	return msg.ID, nil
}

// discordMessageToEvent converts a created message. threadParent reports the
// parent channel of a thread channel; for a thread started from a message the
// thread id equals the starter message id.
func discordMessageToEvent(m *discordgo.Message, selfID string, threadParent func(channelID string) (string, bool)) domain.InboundEvent {
	ev := domain.InboundEvent{
		Transport: "discord",
		SourceID:  m.ChannelID,
		Text:      m.Content,
		MessageID: m.ID,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		ev.AuthorID = m.Author.ID
		ev.SelfOriginated = m.Author.Bot || (selfID != "" && m.Author.ID == selfID)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	switch {
	case m.MessageReference != nil && m.MessageReference.MessageID != "":
		ev.ParentMessageID = m.MessageReference.MessageID
		if m.MessageReference.ChannelID != "" {
			ev.SourceID = m.MessageReference.ChannelID
		}
	case threadParent != nil:
		if parent, ok := threadParent(m.ChannelID); ok {
			ev.SourceID = parent
			ev.ParentMessageID = m.ChannelID
		}
	}
	return ev
}
