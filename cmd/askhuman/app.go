package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"askhuman/internal/bus"
	"askhuman/internal/channel"
	"askhuman/internal/config"
	"askhuman/internal/domain"
	"askhuman/internal/mcp"
	"askhuman/internal/metrics"
	"askhuman/internal/question"
	"askhuman/internal/tool"

	"golang.org/x/sync/errgroup"
)

const feedBufferSize = 100

// app is one wired instance: transport, feed, store, engine, dispatcher
// and the optional metrics server.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	transport  domain.Transport
	feed       *bus.FeedBus
	events     *bus.EventBus
	store      *question.Store
	engine     *question.Engine
	dispatcher *question.Dispatcher
	collector  *metrics.Collector
	tools      *tool.Registry
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	feed := bus.New(feedBufferSize, logger)
	events := bus.NewEventBus(logger)
	store := question.NewStore(logger.With("component", "store"))

	collector := metrics.NewCollector("askhuman")
	metrics.NewQuestions(collector).Subscribe(events)

	engine := question.NewEngine(question.EngineConfig{
		Transport:      transport,
		Store:          store,
		Events:         events,
		Destination:    cfg.Question.Destination,
		ExpectedAuthor: cfg.Question.ExpectedAuthor,
		Timeout:        cfg.Question.Timeout(),
		Logger:         logger.With("component", "engine"),
	})
	dispatcher := question.NewDispatcher(question.DispatcherConfig{
		Store:  store,
		Feed:   feed.Subscribe(),
		Events: events,
		Logger: logger.With("component", "dispatcher"),
	})

	tools := tool.NewRegistry(logger)
	tools.Register(tool.NewAskHumanTool(engine, logger))

	return &app{
		cfg:        cfg,
		logger:     logger,
		transport:  transport,
		feed:       feed,
		events:     events,
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		collector:  collector,
		tools:      tools,
	}, nil
}

// start launches the transport, the dispatcher and, if enabled, the metrics
// server on g.
func (rt *app) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		if err := rt.transport.Start(ctx, rt.feed); err != nil {
			return fmt.Errorf("%s transport: %w", rt.transport.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		return rt.dispatcher.Run(ctx)
	})
	if rt.cfg.Metrics.Enabled {
		srv := metrics.NewServer(metrics.ServerConfig{
			Addr:      rt.cfg.Metrics.Addr,
			Endpoint:  rt.cfg.Metrics.Endpoint,
			Collector: rt.collector,
			Events:    rt.events,
			Ready:     rt.transport.Ready,
			Logger:    rt.logger.With("component", "metrics"),
		})
		g.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
}

func (rt *app) toolServer() *mcp.Server {
	return mcp.NewServer(mcp.ServerConfig{
		Registry: rt.tools,
		Name:     "askhuman",
		Version:  version,
		Logger:   rt.logger.With("component", "mcp"),
	})
}

// askOnce starts the runtime, waits up to readyWait for the transport, asks
// and shuts everything down again.
func (rt *app) askOnce(ctx context.Context, q string, readyWait time.Duration) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	rt.start(gctx, g)

	var (
		answer string
		askErr error
	)
	g.Go(func() error {
		defer cancel()
		if err := waitReady(gctx, rt.transport, readyWait); err != nil {
			askErr = err
			return nil
		}
		answer, askErr = rt.engine.Ask(gctx, q)
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	return answer, askErr
}

// waitReady polls t.Ready until it reports true, ctx is done or wait elapses.
func waitReady(ctx context.Context, t domain.Transport, wait time.Duration) error {
	if t.Ready() {
		return nil
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s did not connect within %s", question.ErrNotReady, t.Name(), wait)
		case <-tick.C:
			if t.Ready() {
				return nil
			}
		}
	}
}

func (rt *app) close() {
	rt.feed.Close()
}

func newTransport(cfg *config.Config, logger *slog.Logger) (domain.Transport, error) {
	t := cfg.Transports
	name := cfg.Question.Transport
	log := logger.With("transport", name)

	switch name {
	case "slack":
		if t.Slack.Mode == "poll" {
			return channel.NewSlackPoll(channel.SlackPollConfig{
				BotToken: t.Slack.BotToken,
				Interval: time.Duration(t.Slack.PollIntervalSeconds) * time.Second,
				Logger:   log,
			}), nil
		}
		return channel.NewSlack(channel.SlackConfig{
			BotToken: t.Slack.BotToken,
			AppToken: t.Slack.AppToken,
			Logger:   log,
		}), nil
	case "telegram":
		return channel.NewTelegram(channel.TelegramConfig{
			Token:     t.Telegram.Token,
			AllowFrom: t.Telegram.AllowFrom,
			ParseMode: t.Telegram.ParseMode,
			Logger:    log,
		}), nil
	case "discord":
		return channel.NewDiscord(channel.DiscordConfig{
			Token:   t.Discord.Token,
			GuildID: t.Discord.GuildID,
			Logger:  log,
		}), nil
	case "websocket":
		return channel.NewWebSocketChannel(channel.WSConfig{
			Addr:   t.WebSocket.Addr,
			Path:   t.WebSocket.Path,
			BotID:  t.WebSocket.BotID,
			Logger: log,
		}), nil
	case "webhook":
		return channel.NewWebhook(channel.WebhookConfig{
			Addr:        t.Webhook.Addr,
			Path:        t.Webhook.Path,
			Secret:      t.Webhook.Secret,
			OutboundURL: t.Webhook.OutboundURL,
			Logger:      log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// newLogger builds the process logger. Logs never go to stdout, which carries
// the tool protocol.
func newLogger(gc config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if gc.LogLevel != "" {
		if err := level.UnmarshalText([]byte(gc.LogLevel)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if gc.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(gc.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(gc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if gc.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn, nil
}
