package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"askhuman/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "askhuman",
		Short: "askhuman: ask a human in team chat and wait for the threaded reply",
		Long: "askhuman posts a question to a chat channel, tags the configured person, and blocks " +
			"until that person replies in the question's thread or the timeout elapses.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .json or .yaml (default: ~/.askhuman/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(askCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(wizardCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and replaces the global logger with one built
// from it. The returned func closes the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	return cfg, closeLog, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Next: set question.destination and question.expectedAuthor, or run 'askhuman wizard'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the ask_human tool on stdin/stdout",
		Long: "Connects the configured transport and serves the ask_human tool over newline-delimited " +
			"JSON-RPC on stdin/stdout. Logs go to stderr. Exits when stdin closes or on Ctrl+C.",
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()
	if err := config.RequireRunnable(cfg); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	rt, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	g, gctx := errgroup.WithContext(ctx)
	rt.start(gctx, g)
	g.Go(func() error {
		// Input closed means the client is gone; stop everything else too.
		defer cancel()
		return rt.toolServer().Serve(gctx, os.Stdin, os.Stdout)
	})

	logger.Info("askhuman serving", "version", version, "transport", rt.transport.Name(),
		"destination", cfg.Question.Destination, "timeout", cfg.Question.Timeout())

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func askCmd() *cobra.Command {
	var (
		to        string
		user      string
		timeout   time.Duration
		readyWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask once and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if to != "" {
				cfg.Question.Destination = to
			}
			if user != "" {
				cfg.Question.ExpectedAuthor = user
			}
			if timeout > 0 {
				cfg.Question.TimeoutSeconds = int((timeout + time.Second - 1) / time.Second)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.RequireRunnable(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			answer, err := rt.askOnce(ctx, strings.Join(args, " "), readyWait)
			if err != nil {
				return err
			}
			fmt.Println(answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination channel id (overrides question.destination)")
	cmd.Flags().StringVar(&user, "user", "", "user id expected to answer (overrides question.expectedAuthor)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "reply window (overrides question.timeoutSeconds)")
	cmd.Flags().DurationVar(&readyWait, "connect-timeout", 15*time.Second, "how long to wait for the transport to connect")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and whether a metrics endpoint is live",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			_, statErr := os.Stat(cfgPath)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger.Info("config", "path", cfgPath, "file", statErr == nil)
			logger.Info("question",
				"transport", cfg.Question.Transport,
				"destination", cfg.Question.Destination,
				"expected_author", cfg.Question.ExpectedAuthor,
				"timeout", cfg.Question.Timeout(),
			)
			if err := config.RequireRunnable(cfg); err != nil {
				logger.Warn("not runnable", "err", err)
			} else {
				logger.Info("runnable", "ok", true)
			}

			if !cfg.Metrics.Enabled {
				logger.Info("metrics", "enabled", false)
				return nil
			}
			health, err := probeHealth(cmd.Context(), cfg.Metrics.Addr)
			if err != nil {
				logger.Info("server", "running", false, "addr", cfg.Metrics.Addr, "err", err)
				return nil
			}
			logger.Info("server", "running", true, "status", health["status"], "uptime_seconds", health["uptime"])
			return nil
		},
	}
}

func probeHealth(ctx context.Context, addr string) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return body, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. question.destination)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. question.transport telegram)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadFile(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config paths and values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			safe := config.Sanitize(cfg)
			values := config.ListPaths(safe)
			for _, path := range config.SortedPaths(safe) {
				data, _ := json.Marshal(values[path])
				fmt.Printf("%s = %s\n", path, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
