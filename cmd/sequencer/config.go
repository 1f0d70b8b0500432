package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rendis/sequencer/internal/expressions"
)

// Config holds all sequencer server configuration.
// Priority: env vars (and .env) > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`

	// Dispatcher.
	Schedule    string   `json:"schedule"`
	PoolSize    int      `json:"pool_size"`
	BatchSize   int      `json:"batch_size"`
	Lease       Duration `json:"lease"`
	SendTimeout Duration `json:"send_timeout"`
	MaxAttempts int      `json:"max_attempts"`
	BackoffBase Duration `json:"backoff_base"`
	BackoffMax  Duration `json:"backoff_max"`

	ConditionEngine string `json:"condition_engine"`
	CatalogDir      string `json:"catalog_dir"`

	SMTP     SMTPConfig                 `json:"smtp"`
	SMS      SMSConfig                  `json:"sms"`
	Breaker  BreakerConfig              `json:"breaker"`
	Triggers expressions.PayloadQueries `json:"triggers"`
}

// SMTPConfig enables the email channel when Host is set.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
}

// SMSConfig enables the SMS channel when URL is set.
type SMSConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	From  string `json:"from"`
}

// BreakerConfig tunes the per-channel circuit breakers.
type BreakerConfig struct {
	Threshold int      `json:"threshold"`
	Cooldown  Duration `json:"cooldown"`
}

// Duration is a time.Duration written as "15s" in settings.json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(sequencerDir(), "sequencer.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		Schedule:        "@every 15s",
		PoolSize:        10,
		BatchSize:       100,
		Lease:           Duration(2 * time.Minute),
		SendTimeout:     Duration(30 * time.Second),
		MaxAttempts:     5,
		BackoffBase:     Duration(time.Minute),
		BackoffMax:      Duration(time.Hour),
		ConditionEngine: "cel",
		SMTP:            SMTPConfig{Port: 587},
		Breaker:         BreakerConfig{Threshold: 5, Cooldown: Duration(30 * time.Second)},
		Triggers:        expressions.DefaultPayloadQueries(),
	}
}

func sequencerDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sequencer"
	}
	return filepath.Join(home, ".sequencer")
}

func settingsPath() string {
	return filepath.Join(sequencerDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(sequencerDir(), "sequencer.pid")
}

// loadConfig layers defaults, settings.json and the environment. A broken
// settings.json is an error; a missing one is not.
func loadConfig() (Config, error) {
	// .env only fills variables that are not already set.
	_ = godotenv.Load()
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	env := envReader{getenv: getenv}
	env.str("SEQUENCER_LISTEN_ADDR", &cfg.ListenAddr)
	env.str("SEQUENCER_BASE_URL", &cfg.BaseURL)
	env.str("SEQUENCER_DB_PATH", &cfg.DBPath)
	env.str("SEQUENCER_LOG_LEVEL", &cfg.LogLevel)
	env.str("SEQUENCER_LOG_FORMAT", &cfg.LogFormat)
	env.str("SEQUENCER_SCHEDULE", &cfg.Schedule)
	env.num("SEQUENCER_POOL_SIZE", &cfg.PoolSize)
	env.num("SEQUENCER_BATCH_SIZE", &cfg.BatchSize)
	env.duration("SEQUENCER_LEASE", &cfg.Lease)
	env.duration("SEQUENCER_SEND_TIMEOUT", &cfg.SendTimeout)
	env.num("SEQUENCER_MAX_ATTEMPTS", &cfg.MaxAttempts)
	env.duration("SEQUENCER_BACKOFF_BASE", &cfg.BackoffBase)
	env.duration("SEQUENCER_BACKOFF_MAX", &cfg.BackoffMax)
	env.str("SEQUENCER_CONDITION_ENGINE", &cfg.ConditionEngine)
	env.str("SEQUENCER_CATALOG_DIR", &cfg.CatalogDir)

	env.str("SEQUENCER_SMTP_HOST", &cfg.SMTP.Host)
	env.num("SEQUENCER_SMTP_PORT", &cfg.SMTP.Port)
	env.str("SEQUENCER_SMTP_USERNAME", &cfg.SMTP.Username)
	env.str("SEQUENCER_SMTP_PASSWORD", &cfg.SMTP.Password)
	env.str("SEQUENCER_SMTP_FROM", &cfg.SMTP.From)
	env.str("SEQUENCER_SMTP_FROM_NAME", &cfg.SMTP.FromName)

	env.str("SEQUENCER_SMS_URL", &cfg.SMS.URL)
	env.str("SEQUENCER_SMS_TOKEN", &cfg.SMS.Token)
	env.str("SEQUENCER_SMS_FROM", &cfg.SMS.From)

	env.num("SEQUENCER_BREAKER_THRESHOLD", &cfg.Breaker.Threshold)
	env.duration("SEQUENCER_BREAKER_COOLDOWN", &cfg.Breaker.Cooldown)

	env.str("SEQUENCER_TRIGGER_RECIPIENT_TYPE", &cfg.Triggers.RecipientType)
	env.str("SEQUENCER_TRIGGER_RECIPIENT_ID", &cfg.Triggers.RecipientID)
	env.str("SEQUENCER_TRIGGER_FIRST_NAME", &cfg.Triggers.FirstName)
	env.str("SEQUENCER_TRIGGER_LAST_NAME", &cfg.Triggers.LastName)
	env.str("SEQUENCER_TRIGGER_EMAIL", &cfg.Triggers.Email)
	env.str("SEQUENCER_TRIGGER_PHONE", &cfg.Triggers.Phone)
	if env.err != nil {
		return cfg, env.err
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.PoolSize <= 0:
		return fmt.Errorf("pool_size must be positive")
	case c.MaxAttempts <= 0:
		return fmt.Errorf("max_attempts must be positive")
	case c.SendTimeout.D() <= 0:
		return fmt.Errorf("send_timeout must be positive")
	case c.Lease.D() <= c.SendTimeout.D():
		return fmt.Errorf("lease (%s) must exceed send_timeout (%s)", c.Lease.D(), c.SendTimeout.D())
	}
	return nil
}

// envReader applies SEQUENCER_* overrides, keeping the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) num(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = Duration(d)
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	TriggersChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.Triggers != new.Triggers {
		d.TriggersChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"base_url", old.BaseURL != new.BaseURL},
		{"db_path", old.DBPath != new.DBPath},
		{"log_format", old.LogFormat != new.LogFormat},
		{"schedule", old.Schedule != new.Schedule},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"batch_size", old.BatchSize != new.BatchSize},
		{"lease", old.Lease != new.Lease},
		{"send_timeout", old.SendTimeout != new.SendTimeout},
		{"retry", old.MaxAttempts != new.MaxAttempts || old.BackoffBase != new.BackoffBase || old.BackoffMax != new.BackoffMax},
		{"condition_engine", old.ConditionEngine != new.ConditionEngine},
		{"catalog_dir", old.CatalogDir != new.CatalogDir},
		{"smtp", old.SMTP != new.SMTP},
		{"sms", old.SMS != new.SMS},
		{"breaker", old.Breaker != new.Breaker},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.name)
		}
	}
	return d
}
