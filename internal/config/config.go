package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment
// variables. Runtime tunables (delays, cooldown, retry ceiling) are only the
// seed values — the settings table owns them after first boot so the admin
// API can change them without a restart.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DBPath      string `envconfig:"DB_PATH" default:"report-agent.db"`

	// Platform API
	APIBaseURL     string        `envconfig:"API_BASE_URL" default:"https://api.example-video.com"`
	PassportURL    string        `envconfig:"PASSPORT_URL" default:"https://passport.example-video.com"`
	MessageURL     string        `envconfig:"MESSAGE_URL" default:"https://message.example-video.com"`
	UserAgent      string        `envconfig:"USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"20s"`

	// Reporting tunables (seed values for the settings table)
	MinDelaySeconds int `envconfig:"MIN_DELAY_SECONDS" default:"3"`
	MaxDelaySeconds int `envconfig:"MAX_DELAY_SECONDS" default:"8"`
	CooldownSeconds int `envconfig:"COOLDOWN_SECONDS" default:"60"`
	MaxRetries      int `envconfig:"MAX_RETRIES" default:"3"`
	BatchWidth      int `envconfig:"BATCH_WIDTH" default:"5"`

	// Reply poller
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"90s"`
	RulesPath    string        `envconfig:"RULES_PATH" default:"rules.yaml"`

	// Batch scheduler
	BatchInterval time.Duration `envconfig:"BATCH_INTERVAL" default:"5m"`

	// Admin API
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8090"`
	AuthMode       string `envconfig:"AUTH_MODE" default:"api-key"`
	APIKey         string `envconfig:"API_KEY"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"100"`
	CORSOrigins    string `envconfig:"CORS_ORIGINS"`

	// Metrics / health
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9100"`

	// Slack notifications (optional)
	SlackToken   string `envconfig:"SLACK_TOKEN"`
	SlackChannel string `envconfig:"SLACK_CHANNEL"`
}

// SlackEnabled returns true if Slack notification credentials are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackToken != "" && c.SlackChannel != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.MinDelaySeconds > cfg.MaxDelaySeconds {
		return nil, fmt.Errorf("MIN_DELAY_SECONDS must not exceed MAX_DELAY_SECONDS")
	}
	return &cfg, nil
}
