package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Channels: ChannelsConfig{
			Discord:  DiscordConfig{Enabled: false},
			Telegram: TelegramConfig{Enabled: false},
		},
		Pipeline: PipelineConfig{
			Interpreter:    "python3",
			Script:         "main.py",
			WorkDir:        "temp_images",
			TimeoutSeconds: 900,
			Exclusive:      true,
			ResetArgs:      []string{"--reset"},
			MaxImageBytes:  25 * 1024 * 1024,
			MaxOutputBytes: 8 * 1024 * 1024,
			ChunkSize:      1900,
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        "~/.scanbot/history.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}
