package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"askhuman/internal/domain"

	"github.com/slack-go/slack"
)

const (
	defaultSlackPollInterval = 3 * time.Second
	defaultSlackPollRetain   = 5 * time.Minute
)

// slackRepliesAPI is the part of *slack.Client the poller reads threads with.
type slackRepliesAPI interface {
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
}

// SlackPollConfig configures the polling Slack transport.
type SlackPollConfig struct {
	BotToken string
	Interval time.Duration // default 3s
	Retain   time.Duration // how long a posted thread is watched (default 5m)
	Logger   *slog.Logger
}

// SlackPoll implements domain.Transport for Slack without Socket Mode. It
// watches the threads of messages it posted by polling conversations.replies
// and synthesizes an inbound event for every new reply.
type SlackPoll struct {
	client   *slack.Client
	replies  slackRepliesAPI
	interval time.Duration
	retain   time.Duration
	logger   *slog.Logger
	botUID   string
	ready    atomic.Bool
	now      func() time.Time

	mu      sync.Mutex
	threads map[string]*watchedThread // keyed by channel + ts
}

type watchedThread struct {
	channel    string
	ts         string
	posted     time.Time
	seen       map[string]bool
	retryAfter time.Time
}

// NewSlackPoll creates a polling Slack transport.
func NewSlackPoll(cfg SlackPollConfig) *SlackPoll {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSlackPollInterval
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultSlackPollRetain
	}
	client := slack.New(cfg.BotToken, slack.OptionHTTPClient(sharedHTTPClient(30*time.Second)))
	return &SlackPoll{
		client:   client,
		replies:  client,
		interval: cfg.Interval,
		retain:   cfg.Retain,
		logger:   cfg.Logger,
		now:      time.Now,
		threads:  make(map[string]*watchedThread),
	}
}

func (p *SlackPoll) Name() string { return "slack" }

func (p *SlackPoll) Ready() bool { return p.ready.Load() }

func (p *SlackPoll) Mention(userID string) string { return slackMention(userID) }

// Start authenticates and polls watched threads until ctx is done.
func (p *SlackPoll) Start(ctx context.Context, feed domain.EventFeed) error {
	authResp, err := p.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	p.botUID = authResp.UserID
	p.ready.Store(true)
	p.logger.Info("slack poller started", "user", authResp.User, "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.ready.Store(false)
			p.logger.Info("slack poller stopping")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx, feed)
		}
	}
}

// Send posts text and starts watching its thread.
func (p *SlackPoll) Send(ctx context.Context, destination, text string) (string, error) {
	ts, err := postSlack(ctx, p.client, destination, text)
	if err != nil {
		return "", err
	}
	p.watch(destination, ts)
	return ts, nil
}

func (p *SlackPoll) watch(channel, ts string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[channel+"/"+ts] = &watchedThread{
		channel: channel,
		ts:      ts,
		posted:  p.now(),
		seen:    map[string]bool{ts: true},
	}
}

// pollOnce fetches every watched thread once and publishes unseen replies.
func (p *SlackPoll) pollOnce(ctx context.Context, feed domain.EventFeed) {
	now := p.now()

	p.mu.Lock()
	due := make([]*watchedThread, 0, len(p.threads))
	for key, th := range p.threads {
		if now.Sub(th.posted) > p.retain {
			delete(p.threads, key)
			continue
		}
		if now.Before(th.retryAfter) {
			continue
		}
		due = append(due, th)
	}
	p.mu.Unlock()

	for _, th := range due {
		if ctx.Err() != nil {
			return
		}
		msgs, err := p.fetchThread(ctx, th)
		if err != nil {
			var rl *slack.RateLimitedError
			if errors.As(err, &rl) {
				p.mu.Lock()
				th.retryAfter = now.Add(rl.RetryAfter)
				p.mu.Unlock()
				p.logger.Warn("slack poll rate limited", "channel", th.channel, "retry_after", rl.RetryAfter)
				continue
			}
			p.logger.Warn("slack poll failed", "channel", th.channel, "ts", th.ts, "err", err)
			continue
		}

		for _, m := range msgs {
			p.mu.Lock()
			dup := th.seen[m.Timestamp]
			th.seen[m.Timestamp] = true
			p.mu.Unlock()
			if dup {
				continue
			}
			feed.Publish(slackEvent(th.channel, m.User, m.BotID, m.Text, m.Timestamp, m.ThreadTimestamp, p.botUID))
		}
	}
}

func (p *SlackPoll) fetchThread(ctx context.Context, th *watchedThread) ([]slack.Message, error) {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: th.channel,
		Timestamp: th.ts,
		Limit:     200,
	}
	var all []slack.Message
	for {
		msgs, hasMore, cursor, err := p.replies.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
		if !hasMore || cursor == "" {
			return all, nil
		}
		params.Cursor = cursor
	}
}

// watching returns the number of threads currently watched.
func (p *SlackPoll) watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}
