package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"askhuman/internal/config"

	"github.com/spf13/cobra"
)

// transportMeta describes a transport option for the wizard.
type transportMeta struct {
	Name   string
	Desc   string
	EnvVar string // credential env var, empty if none is needed
}

var knownTransports = []transportMeta{
	{Name: "slack", Desc: "Slack app (Socket Mode or polling)", EnvVar: "SLACK_BOT_TOKEN"},
	{Name: "telegram", Desc: "Telegram bot, replies via reply-to", EnvVar: "TELEGRAM_BOT_TOKEN"},
	{Name: "discord", Desc: "Discord bot, replies or threads", EnvVar: "DISCORD_BOT_TOKEN"},
	{Name: "websocket", Desc: "Local WebSocket chat (development)"},
	{Name: "webhook", Desc: "Generic HTTP bridge with HMAC signatures"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: transport → credentials → channel and person → save config",
		Long:  "Guides you through choosing a transport, its credentials, where questions are posted and who answers them. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadFile(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(os.Stdin, os.Stdout, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'askhuman doctor', then 'askhuman ask \"hello?\"' to try it.")
			return nil
		},
	}
}

// runWizard fills cfg from answers read on in.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Transport
	fmt.Fprintln(out, "\n--- Step 1: Transport ---")
	defNum := "1"
	for i, t := range knownTransports {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, t.Name, t.Desc)
		if t.Name == cfg.Question.Transport {
			defNum = strconv.Itoa(i + 1)
		}
	}
	fmt.Fprintf(out, "Choose transport (1-%d)", len(knownTransports))
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(knownTransports) {
		idx, _ = strconv.Atoi(defNum)
	}
	tr := knownTransports[idx-1]
	cfg.Question.Transport = tr.Name
	fmt.Fprintf(out, "  Using transport: %s\n", tr.Name)

	// Step 2: Credentials
	fmt.Fprintln(out, "\n--- Step 2: Credentials ---")
	ts := &cfg.Transports
	envDefault := ""
	if tr.EnvVar != "" {
		envDefault = "${" + tr.EnvVar + "}"
	}
	switch tr.Name {
	case "slack":
		fmt.Fprint(out, "Mode: socket (needs an app-level token) or poll")
		mode, err := prompt(ts.Slack.Mode)
		if err != nil {
			return err
		}
		ts.Slack.Mode = mode
		fmt.Fprint(out, "Bot token: paste token or env var")
		if ts.Slack.BotToken, err = prompt(envDefault); err != nil {
			return err
		}
		if mode == "socket" {
			fmt.Fprint(out, "App-level token")
			if ts.Slack.AppToken, err = prompt("${SLACK_APP_TOKEN}"); err != nil {
				return err
			}
		}
	case "telegram":
		fmt.Fprint(out, "Bot token (from @BotFather)")
		if ts.Telegram.Token, err = prompt(envDefault); err != nil {
			return err
		}
	case "discord":
		fmt.Fprint(out, "Bot token")
		if ts.Discord.Token, err = prompt(envDefault); err != nil {
			return err
		}
	case "webhook":
		fmt.Fprint(out, "Outbound URL questions are POSTed to")
		if ts.Webhook.OutboundURL, err = prompt(ts.Webhook.OutboundURL); err != nil {
			return err
		}
		fmt.Fprint(out, "HMAC secret (empty disables signatures)")
		if ts.Webhook.Secret, err = prompt(ts.Webhook.Secret); err != nil {
			return err
		}
	default:
		fmt.Fprintln(out, "  No credentials needed.")
	}

	// Step 3: Routing
	fmt.Fprintln(out, "\n--- Step 3: Where to ask and who answers ---")
	fmt.Fprint(out, "Channel or chat id")
	if cfg.Question.Destination, err = prompt(cfg.Question.Destination); err != nil {
		return err
	}
	fmt.Fprint(out, "User id of the person who answers")
	if cfg.Question.ExpectedAuthor, err = prompt(cfg.Question.ExpectedAuthor); err != nil {
		return err
	}
	fmt.Fprint(out, "Reply timeout in seconds")
	secs, err := prompt(strconv.Itoa(cfg.Question.TimeoutSeconds))
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(secs); err == nil {
		cfg.Question.TimeoutSeconds = n
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
