package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	m, err := NewManager()
	require.NoError(t, err)
	return m
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(t)
	cfg := m.GetConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "intake_forms", cfg.Database.Database)
	assert.Equal(t, "redis://localhost:6379", cfg.Cache.RedisURL)
	assert.Equal(t, "data/drafts.db", cfg.Drafts.Path)
	assert.Equal(t, 10, cfg.Engine.MaxResolvePasses)
	assert.Equal(t, "100ms", cfg.Engine.DebounceWindow.String())
	assert.Equal(t, 256, cfg.Engine.ResolutionCacheSize)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, m.Validate())
}

func TestNewManager_EnvironmentOverrides(t *testing.T) {
	t.Setenv("INTAKE_SERVER_PORT", "9090")
	t.Setenv("INTAKE_DATABASE_HOST", "db.internal")
	t.Setenv("INTAKE_ENGINE_MAX_RESOLVE_PASSES", "5")
	t.Setenv("INTAKE_LOGGING_LEVEL", "debug")

	m := newTestManager(t)
	cfg := m.GetConfig()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5, cfg.Engine.MaxResolvePasses)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Manager)
		wantErr string
	}{
		{
			"invalid port",
			func(m *Manager) { m.config.Server.Port = 0 },
			"invalid server port",
		},
		{
			"missing database host",
			func(m *Manager) { m.config.Database.Host = "" },
			"database host is required",
		},
		{
			"missing redis url",
			func(m *Manager) { m.config.Cache.RedisURL = "" },
			"Redis URL is required",
		},
		{
			"missing draft path",
			func(m *Manager) { m.config.Drafts.Path = "" },
			"draft store path is required",
		},
		{
			"zero resolve passes",
			func(m *Manager) { m.config.Engine.MaxResolvePasses = 0 },
			"max_resolve_passes must be positive",
		},
		{
			"bad log level",
			func(m *Manager) { m.config.Logging.Level = "verbose" },
			"invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			tt.mutate(m)

			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDatabaseConnectionString(t *testing.T) {
	m := newTestManager(t)
	m.config.Database.Host = "pg.local"
	m.config.Database.Port = 5433
	m.config.Database.Username = "intake"
	m.config.Database.Password = "secret"
	m.config.Database.Database = "forms"
	m.config.Database.SSLMode = "require"

	assert.Equal(t,
		"host=pg.local port=5433 user=intake password=secret dbname=forms sslmode=require",
		m.GetDatabaseConnectionString())
}
