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
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "development", cfg.App.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "./data/approvals.db", cfg.DB.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1, cfg.Fiscal.StartMonth)
	assert.True(t, cfg.Escalation.Enabled)
	assert.Equal(t, time.Hour, cfg.Escalation.Interval)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Empty(t, cfg.Policies.File)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("APPROVAL_HTTP_PORT", "9090")
	t.Setenv("APPROVAL_DB_PATH", ":memory:")
	t.Setenv("APPROVAL_FISCAL_START_MONTH", "4")
	t.Setenv("APPROVAL_ESCALATION_INTERVAL", "15m")
	t.Setenv("APPROVAL_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, ":memory:", cfg.DB.Path)
	assert.Equal(t, 4, cfg.Fiscal.StartMonth)
	assert.Equal(t, 15*time.Minute, cfg.Escalation.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: production
log:
  level: warn
fiscal:
  start_month: 7
escalation:
  enabled: false
`), 0o600))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "production", cfg.App.Env)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Fiscal.StartMonth)
	assert.False(t, cfg.Escalation.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("APPROVAL_FISCAL_START_MONTH", "13")

	_, err := Load("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fiscal.start_month")
}

func TestValidate_CollectsEveryError(t *testing.T) {
	cfg := Config{}

	err := cfg.Validate()

	require.Error(t, err)
	for _, want := range []string{"http.port", "timeouts", "db.path", "app.env", "fiscal.start_month"} {
		assert.Contains(t, err.Error(), want)
	}
}
