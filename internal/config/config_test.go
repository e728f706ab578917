// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Covers duration parsing, defaults, and required-field errors.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  http_addr: "localhost:9009"
database:
  path: "/tmp/conect/registry.db"
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "localhost:9009", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/conect/registry.db", cfg.Database.Path)

	// Defaults
	assert.Equal(t, DefaultMaxReconnectAttempts, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, DefaultReconnectBaseDelay, cfg.Reconnect.BaseDelay)
	assert.Equal(t, DefaultReconnectMaxDelay, cfg.Reconnect.MaxDelay)
	assert.Equal(t, DefaultPerMinute, cfg.Governor.PerMinute)
	assert.Equal(t, DefaultPerHour, cfg.Governor.PerHour)
	assert.Equal(t, DefaultPerDay, cfg.Governor.PerDay)
	assert.Equal(t, DefaultWebhookTimeout, cfg.Webhook.Timeout)
	assert.Equal(t, DefaultWebhookMaxAttempts, cfg.Webhook.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse_Durations(t *testing.T) {
	yaml := minimalYAML + `
reconnect:
  max_attempts: 3
  base_delay: "2s"
  max_delay: "20s"
governor:
  per_minute: 10
  cooldown_min: "500ms"
  cooldown_max: "1500ms"
webhook:
  timeout: "5s"
  retry_delay: "1s"
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 20*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 10, cfg.Governor.PerMinute)
	assert.Equal(t, 500*time.Millisecond, cfg.Governor.CooldownMin)
	assert.Equal(t, 1500*time.Millisecond, cfg.Governor.CooldownMax)
	assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, time.Second, cfg.Webhook.RetryDelay)
}

func TestParse_InvalidDuration(t *testing.T) {
	yaml := minimalYAML + `
reconnect:
  base_delay: "not-a-duration"
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_delay")
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("CONECT_TEST_DB", "/data/registry.db")
	t.Setenv("CONECT_TEST_KEY", "sekrit")

	yaml := `
server:
  http_addr: "localhost:9009"
database:
  path: "${CONECT_TEST_DB}"
auth:
  api_key: "${CONECT_TEST_KEY}"
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "/data/registry.db", cfg.Database.Path)
	assert.Equal(t, "sekrit", cfg.Auth.APIKey)
}

func TestParse_EnvExpansion_UnsetVar(t *testing.T) {
	yaml := `
server:
  http_addr: "localhost:9009"
database:
  path: "${CONECT_DEFINITELY_UNSET_VAR}"
`
	// Unset variables expand to empty, which then fails validation
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing http addr",
			yaml:    "database:\n  path: \"/tmp/x.db\"\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			yaml:    "server:\n  http_addr: \"localhost:9009\"\n",
			wantErr: "database.path",
		},
		{
			name:    "unknown chat provider",
			yaml:    minimalYAML + "chat:\n  provider: \"carrier-pigeon\"\n",
			wantErr: "chat.provider",
		},
		{
			name:    "matrix without homeserver",
			yaml:    minimalYAML + "chat:\n  provider: \"matrix\"\n",
			wantErr: "chat.matrix.homeserver",
		},
		{
			name:    "bad webhook url",
			yaml:    minimalYAML + "webhook:\n  default_url: \"not a url\"\n",
			wantErr: "webhook.default_url",
		},
		{
			name:    "inverted cooldown band",
			yaml:    minimalYAML + "governor:\n  cooldown_min: \"5s\"\n  cooldown_max: \"1s\"\n",
			wantErr: "cooldown_max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9009", cfg.Server.HTTPAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
