package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Question: QuestionConfig{
			Transport:      "slack",
			TimeoutSeconds: 60,
		},
		Transports: TransportsConfig{
			Slack: SlackConfig{
				Mode:                "socket",
				PollIntervalSeconds: 3,
			},
			Telegram: TelegramConfig{
				ParseMode: "Markdown",
			},
			WebSocket: WebSocketConfig{
				Addr:  "127.0.0.1:8081",
				Path:  "/ws",
				BotID: "askhuman",
			},
			Webhook: WebhookConfig{
				Addr: "127.0.0.1:9090",
				Path: "/webhook",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
