package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "MAILSYNC"

type Config struct {
	HTTPPort   int
	DBDriver   string
	DBDSN      string
	AuthSecret string
	PublicURL  string
	LogLevel   slog.Level

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GooglePubSubTopic  string

	PollInterval       time.Duration
	IMAPConnectTimeout time.Duration
	IMAPIdleRefresh    time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffResetAfter  time.Duration
	SMTPTimeout        time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 3025)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "")
	v.SetDefault("auth_secret", "")
	v.SetDefault("public_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "")
	v.SetDefault("google.pubsub_topic", "")
	v.SetDefault("poll_interval", 30*time.Second)
	v.SetDefault("imap.connect_timeout", 10*time.Second)
	v.SetDefault("imap.idle_refresh", 25*time.Minute)
	v.SetDefault("backoff.initial", 2*time.Second)
	v.SetDefault("backoff.max", 5*time.Minute)
	v.SetDefault("backoff.reset_after", 2*time.Minute)
	v.SetDefault("smtp.timeout", 30*time.Second)
}

// Load reads configuration from MAILSYNC_* environment variables and, when
// path is set, a config file. Environment variables take precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v.GetString("log_level")))); err != nil {
		return Config{}, fmt.Errorf("parse log_level: %w", err)
	}

	cfg := Config{
		HTTPPort:           v.GetInt("http_port"),
		DBDriver:           strings.ToLower(strings.TrimSpace(v.GetString("db.driver"))),
		DBDSN:              strings.TrimSpace(v.GetString("db.dsn")),
		AuthSecret:         strings.TrimSpace(v.GetString("auth_secret")),
		PublicURL:          strings.TrimRight(strings.TrimSpace(v.GetString("public_url")), "/"),
		LogLevel:           level,
		GoogleClientID:     strings.TrimSpace(v.GetString("google.client_id")),
		GoogleClientSecret: strings.TrimSpace(v.GetString("google.client_secret")),
		GoogleRedirectURL:  strings.TrimSpace(v.GetString("google.redirect_url")),
		GooglePubSubTopic:  strings.TrimSpace(v.GetString("google.pubsub_topic")),
		PollInterval:       v.GetDuration("poll_interval"),
		IMAPConnectTimeout: v.GetDuration("imap.connect_timeout"),
		IMAPIdleRefresh:    v.GetDuration("imap.idle_refresh"),
		BackoffInitial:     v.GetDuration("backoff.initial"),
		BackoffMax:         v.GetDuration("backoff.max"),
		BackoffResetAfter:  v.GetDuration("backoff.reset_after"),
		SMTPTimeout:        v.GetDuration("smtp.timeout"),
	}
	if cfg.GoogleRedirectURL == "" && cfg.PublicURL != "" {
		cfg.GoogleRedirectURL = cfg.PublicURL + "/v1/oauth-mail-configs/google/callback"
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.DBDSN == "" {
		return errors.New("db.dsn is required for postgres")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	return nil
}
