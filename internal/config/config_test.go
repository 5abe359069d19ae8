package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://jules.googleapis.com/v1alpha", cfg.JulesBaseURL)
	assert.Equal(t, 30*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RetryDelay)
	assert.Equal(t, "@every 1m", cfg.TickSchedule)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, "master", cfg.DefaultBranch)
	assert.Equal(t, "America/New_York", cfg.DefaultTimeZone)
	assert.Equal(t, "sources/github/open-learning-exchange/myplanet", cfg.DefaultSourceID)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowOrigins)
	assert.Empty(t, cfg.OTELEndpoint)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JULESQ_DATA_DIR", dir)
	t.Setenv("JULESQ_PROVIDER_TIMEOUT", "5s")
	t.Setenv("JULESQ_CONCURRENCY", "4")
	t.Setenv("JULESQ_PROVIDER_RATE", "2.5")
	t.Setenv("JULESQ_SLACK_WEBHOOK", "https://hooks.slack.example/x")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "julesq.db"), cfg.DatabasePath())
	assert.Equal(t, 5*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.InDelta(t, 2.5, cfg.ProviderRate, 0.0001)
	assert.Equal(t, "https://hooks.slack.example/x", cfg.SlackWebhook)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "julesq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9090\"\nretry_delay: 2m\n"), 0o600))

	v := New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Minute, cfg.RetryDelay)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want string
	}{
		{"bad source", "default_source_id", "github/a/b", "default_source_id"},
		{"bad zone", "default_time_zone", "Mars/Olympus", "invalid default_time_zone"},
		{"zero concurrency", "concurrency", 0, "concurrency must be at least 1"},
		{"zero timeout", "provider_timeout", "0s", "provider_timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
