package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for askhuman.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Question   QuestionConfig   `json:"question" yaml:"question"`
	Transports TransportsConfig `json:"transports" yaml:"transports"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel" env:"ASKHUMAN_LOG_LEVEL"`
	// "text" | "json"
	LogFormat string `json:"logFormat" yaml:"logFormat" env:"ASKHUMAN_LOG_FORMAT"`
	// Replaces stderr when set.
	LogFile string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"ASKHUMAN_LOG_FILE"`
}

// QuestionConfig says where questions go and whose reply counts.
type QuestionConfig struct {
	// slack | telegram | discord | websocket | webhook
	Transport      string `json:"transport" yaml:"transport" env:"ASKHUMAN_TRANSPORT"`
	Destination    string `json:"destination" yaml:"destination" env:"ASKHUMAN_DESTINATION"`
	ExpectedAuthor string `json:"expectedAuthor" yaml:"expectedAuthor" env:"ASKHUMAN_USER_ID"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" env:"ASKHUMAN_TIMEOUT_SECONDS"`
}

// Timeout returns the reply window as a duration.
func (q QuestionConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutSeconds) * time.Second
}

type TransportsConfig struct {
	Slack     SlackConfig     `json:"slack" yaml:"slack"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Discord   DiscordConfig   `json:"discord" yaml:"discord"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
}

type SlackConfig struct {
	BotToken string `json:"botToken" yaml:"botToken" env:"SLACK_BOT_TOKEN"`
	// Required for Socket Mode.
	AppToken string `json:"appToken" yaml:"appToken" env:"SLACK_APP_TOKEN"`
	// "socket" | "poll"
	Mode                string `json:"mode" yaml:"mode" env:"ASKHUMAN_SLACK_MODE"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds,omitempty" yaml:"pollIntervalSeconds,omitempty"`
}

type TelegramConfig struct {
	Token     string         `json:"token" yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	ParseMode string         `json:"parseMode" yaml:"parseMode"`
}

type DiscordConfig struct {
	Token string `json:"token" yaml:"token" env:"DISCORD_BOT_TOKEN"`
	// Optional: restrict to a specific guild.
	GuildID string `json:"guildId,omitempty" yaml:"guildId,omitempty"`
}

type WebSocketConfig struct {
	Addr  string `json:"addr" yaml:"addr" env:"ASKHUMAN_WS_ADDR"`
	Path  string `json:"path" yaml:"path"`
	BotID string `json:"botId" yaml:"botId"`
}

type WebhookConfig struct {
	Addr        string `json:"addr" yaml:"addr" env:"ASKHUMAN_WEBHOOK_ADDR"`
	Path        string `json:"path" yaml:"path"`
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty" env:"ASKHUMAN_WEBHOOK_SECRET"`
	OutboundURL string `json:"outboundUrl" yaml:"outboundUrl" env:"ASKHUMAN_WEBHOOK_OUTBOUND_URL"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"ASKHUMAN_METRICS_ENABLED"`
	Addr     string `json:"addr" yaml:"addr" env:"ASKHUMAN_METRICS_ADDR"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.askhuman).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".askhuman"
	}
	return filepath.Join(home, ".askhuman")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file at path, then applies environment overrides.
// ${VAR} and ${VAR:-default} references in the file are expanded. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := readFile(ExpandPath(path), true)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment: %w", err)
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFile reads the config file as written, for editing and saving back. No
// environment overlay is applied and ${VAR} references are kept verbatim, so
// secrets that only live in the environment never reach the file.
func LoadFile(path string) (*Config, error) {
	return readFile(ExpandPath(path), false)
}

func readFile(path string, expand bool) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if expand {
		data = []byte(ExpandEnvVars(string(data)))
	}
	if err := unmarshal(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg to path, as YAML for .yaml/.yml and JSON otherwise.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Tokens live here.
	return os.WriteFile(path, data, 0o600)
}

var transportNames = []string{"slack", "telegram", "discord", "websocket", "webhook"}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if !validTransport(cfg.Question.Transport) {
		errs = append(errs, "question.transport must be one of: "+strings.Join(transportNames, ", "))
	}
	if cfg.Question.TimeoutSeconds < 1 || cfg.Question.TimeoutSeconds > 3600 {
		errs = append(errs, "question.timeoutSeconds must be between 1 and 3600")
	}

	switch cfg.Transports.Slack.Mode {
	case "socket", "poll":
	default:
		errs = append(errs, "transports.slack.mode must be one of: socket, poll")
	}
	if cfg.Transports.Slack.PollIntervalSeconds < 0 {
		errs = append(errs, "transports.slack.pollIntervalSeconds must be >= 0")
	}
	switch cfg.Transports.Telegram.ParseMode {
	case "", "Markdown", "HTML", "none":
	default:
		errs = append(errs, "transports.telegram.parseMode must be one of: Markdown, HTML, none")
	}
	if p := cfg.Transports.WebSocket.Path; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, "transports.websocket.path must start with /")
	}
	if p := cfg.Transports.Webhook.Path; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, "transports.webhook.path must start with /")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, "metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
			errs = append(errs, "metrics.endpoint must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireRunnable checks what serve and ask need beyond a valid config: the
// selected transport's credentials and the question routing.
func RequireRunnable(cfg *Config) error {
	var errs []string

	if cfg.Question.Destination == "" {
		errs = append(errs, "question.destination is required (or set ASKHUMAN_DESTINATION)")
	}
	if cfg.Question.ExpectedAuthor == "" {
		errs = append(errs, "question.expectedAuthor is required (or set ASKHUMAN_USER_ID)")
	}

	t := cfg.Transports
	switch cfg.Question.Transport {
	case "slack":
		if t.Slack.BotToken == "" {
			errs = append(errs, "transports.slack.botToken is required (or set SLACK_BOT_TOKEN)")
		}
		if t.Slack.Mode == "socket" && t.Slack.AppToken == "" {
			errs = append(errs, "transports.slack.appToken is required for socket mode (or set SLACK_APP_TOKEN)")
		}
	case "telegram":
		if t.Telegram.Token == "" {
			errs = append(errs, "transports.telegram.token is required (or set TELEGRAM_BOT_TOKEN)")
		}
		if d := cfg.Question.Destination; d != "" {
			if _, err := strconv.ParseInt(d, 10, 64); err != nil {
				errs = append(errs, "question.destination must be a numeric chat id for telegram")
			}
		}
	case "discord":
		if t.Discord.Token == "" {
			errs = append(errs, "transports.discord.token is required (or set DISCORD_BOT_TOKEN)")
		}
	case "webhook":
		if t.Webhook.OutboundURL == "" {
			errs = append(errs, "transports.webhook.outboundUrl is required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config incomplete:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validTransport(name string) bool {
	for _, n := range transportNames {
		if n == name {
			return true
		}
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
