package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, "@every 15s", cfg.Schedule)
	assert.Equal(t, "cel", cfg.ConditionEngine)
	assert.Equal(t, 2*time.Minute, cfg.Lease.D())
	assert.Equal(t, ".recipient_id", cfg.Triggers.RecipientID)
	assert.Equal(t, 587, cfg.SMTP.Port)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_addr": ":9000",
		"pool_size": 3,
		"send_timeout": "10s",
		"condition_engine": "expr",
		"smtp": {"host": "smtp.example.com", "from": "dojo@example.com"},
		"triggers": {"recipient_id": ".lead.id"}
	}`), 0o600))

	cfg, err := loadConfigFrom(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 10*time.Second, cfg.SendTimeout.D())
	assert.Equal(t, "expr", cfg.ConditionEngine)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port, "unset nested fields keep defaults")
	assert.Equal(t, ".lead.id", cfg.Triggers.RecipientID)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pool_size": 3}`), 0o600))

	cfg, err := loadConfigFrom(path, envMap(map[string]string{
		"SEQUENCER_POOL_SIZE":        "7",
		"SEQUENCER_BASE_URL":         "https://dojo.example.com",
		"SEQUENCER_LEASE":            "5m",
		"SEQUENCER_SMS_URL":          "https://sms.example.com/send",
		"SEQUENCER_TRIGGER_EMAIL":    ".contact.email",
		"SEQUENCER_BACKOFF_BASE":     "30s",
		"SEQUENCER_MAX_ATTEMPTS":     "2",
		"SEQUENCER_LOG_FORMAT":       "json",
		"SEQUENCER_BREAKER_COOLDOWN": "1m",
	}))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, "https://dojo.example.com", cfg.BaseURL)
	assert.Equal(t, 5*time.Minute, cfg.Lease.D())
	assert.Equal(t, "https://sms.example.com/send", cfg.SMS.URL)
	assert.Equal(t, ".contact.email", cfg.Triggers.Email)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase.D())
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown.D())
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"lease": 120}`), 0o600))
	_, err := loadConfigFrom(bad, envMap(nil))
	assert.Error(t, err)

	missing := filepath.Join(dir, "missing.json")
	_, err = loadConfigFrom(missing, envMap(map[string]string{"SEQUENCER_POOL_SIZE": "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SEQUENCER_POOL_SIZE")

	_, err = loadConfigFrom(missing, envMap(map[string]string{"SEQUENCER_LEASE": "10s"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must exceed send_timeout")
}

func TestDuration_RoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, d, back)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()
	same := diffConfigs(old, old)
	assert.False(t, same.LogLevelChanged)
	assert.False(t, same.TriggersChanged)
	assert.Empty(t, same.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.Triggers.Phone = ".mobile"
	next.PoolSize = 20
	next.SMTP.Host = "smtp.example.com"
	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.TriggersChanged)
	assert.Equal(t, []string{"pool_size", "smtp"}, d.RestartNeeded)
}
