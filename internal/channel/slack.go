package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"askhuman/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Transport for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	feed     domain.EventFeed
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to flag self-originated events
	ready    atomic.Bool
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack transport.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		client:   slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken)),
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Ready() bool { return s.ready.Load() }

func (s *Slack) Mention(userID string) string { return slackMention(userID) }

// Start connects to Slack via Socket Mode and feeds every message event to feed.
// It blocks until ctx is done or the socket fails.
func (s *Slack) Start(ctx context.Context, feed domain.EventFeed) error {
	s.feed = feed

	authResp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot authenticated", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(s.client)

	go func() {
		for evt := range socketClient.Events {
			s.handleSocketEvent(socketClient, evt)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.ready.Store(false)
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		s.ready.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) handleSocketEvent(client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		s.logger.Debug("slack connecting to socket mode")

	case socketmode.EventTypeConnected:
		s.ready.Store(true)
		s.logger.Info("slack socket mode connected")

	case socketmode.EventTypeConnectionError:
		s.ready.Store(false)
		s.logger.Warn("slack connection error", "data", evt.Data)

	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		client.Ack(*evt.Request)
		s.handleEventsAPI(eventsAPIEvent)

	default:
		// Acknowledge unknown requests to prevent Socket Mode disconnection.
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	in, ok := slackMessageToEvent(ev, s.botUID)
	if !ok {
		return
	}
	s.logger.Debug("slack message received",
		"user", in.AuthorID,
		"channel", in.SourceID,
		"thread", in.ParentMessageID,
		"content_len", len(in.Text),
	)
	s.feed.Publish(in)
}

// Send posts text and returns the message ts. Text over the Slack limit is
// continued as replies in the new message's thread.
func (s *Slack) Send(ctx context.Context, destination, text string) (string, error) {
	return postSlack(ctx, s.client, destination, text)
}

// slackMessageToEvent converts a message event. Edits, deletions and other
// subtypes are dropped; thread broadcasts count as ordinary replies.
func slackMessageToEvent(ev *slackevents.MessageEvent, botUID string) (domain.InboundEvent, bool) {
	switch ev.SubType {
	case "", "thread_broadcast", "bot_message":
	default:
		return domain.InboundEvent{}, false
	}
	return slackEvent(ev.Channel, ev.User, ev.BotID, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp, botUID), true
}

func slackEvent(channel, user, botID, text, ts, threadTS, botUID string) domain.InboundEvent {
	parent := threadTS
	if parent == ts {
		// The thread parent itself carries thread_ts == ts.
		parent = ""
	}
	return domain.InboundEvent{
		Transport:       "slack",
		SourceID:        channel,
		AuthorID:        user,
		Text:            text,
		MessageID:       ts,
		ParentMessageID: parent,
		SelfOriginated:  botID != "" || (botUID != "" && user == botUID),
		Timestamp:       slackTime(ts),
	}
}

func slackMention(userID string) string {
	if userID == "" {
		return ""
	}
	return "<@" + userID + ">"
}

func postSlack(ctx context.Context, client *slack.Client, channelID, text string) (string, error) {
	chunks := splitMessage(text, slackMaxMsgLen)
	_, anchor, err := client.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunks[0], false))
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if _, _, err := client.PostMessageContext(ctx, channelID,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionTS(anchor),
		); err != nil {
			return anchor, fmt.Errorf("slack post continuation: %w", err)
		}
	}
	return anchor, nil
}

// slackTime parses a "1700000000.000100" ts; the zero time if malformed.
func slackTime(ts string) time.Time {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Time{}
	}
	return time.Unix(sec, usec*1000)
}
