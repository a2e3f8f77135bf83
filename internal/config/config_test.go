package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GITHUB_CLIENT_ID", "GITHUB_CLIENT_SECRET", "GITHUB_OAUTH_REDIRECT_URL", "GITHUB_APP_ID",
		"GITHUB_APP_SLUG", "GITHUB_API_URL", "GITHUB_TOKEN", "SESSION_SECRET", "SESSION_TTL",
		"ENCRYPTION_KEY", "STORAGE_TYPE", "SQLITE_PATH", "POSTGRES_URL", "API_PORT", "API_HOST",
		"CORS_ORIGINS", "API_ENDPOINT", "DELETE_GRACE_INTERVAL", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StorageType)
	assert.Equal(t, 2*time.Second, cfg.GraceInterval)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "localhost:8080", cfg.Address())
	assert.Equal(t, "https://github.com/apps/fork-cleaner/installations/new", cfg.InstallURL())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_APP_ID", "4242")
	t.Setenv("DELETE_GRACE_INTERVAL", "500ms")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(4242), cfg.GitHubAppID)
	assert.Equal(t, 500*time.Millisecond, cfg.GraceInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_BlankOriginListKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORS_ORIGINS", " , ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "app id", key: "GITHUB_APP_ID", value: "abc"},
		{name: "grace interval", key: "DELETE_GRACE_INTERVAL", value: "soon"},
		{name: "negative grace", key: "DELETE_GRACE_INTERVAL", value: "-1s"},
		{name: "session ttl", key: "SESSION_TTL", value: "1 day"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.key, cfgErr.Field)
		})
	}
}

func TestValidateServer(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StorageType:        "sqlite",
			GitHubClientID:     "id",
			GitHubClientSecret: "secret",
			GitHubAppID:        1,
			SessionSecret:      "0123456789abcdef0123456789abcdef",
			CORSOrigins:        []string{"http://localhost:3000"},
		}
	}

	require.NoError(t, valid().ValidateServer())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "storage type", mutate: func(c *Config) { c.StorageType = "mysql" }, field: "STORAGE_TYPE"},
		{name: "postgres url", mutate: func(c *Config) { c.StorageType = "postgres" }, field: "POSTGRES_URL"},
		{name: "client id", mutate: func(c *Config) { c.GitHubClientID = "" }, field: "GITHUB_CLIENT_ID"},
		{name: "client secret", mutate: func(c *Config) { c.GitHubClientSecret = "" }, field: "GITHUB_CLIENT_SECRET"},
		{name: "app id", mutate: func(c *Config) { c.GitHubAppID = 0 }, field: "GITHUB_APP_ID"},
		{name: "short secret", mutate: func(c *Config) { c.SessionSecret = "short" }, field: "SESSION_SECRET"},
		{name: "no origins", mutate: func(c *Config) { c.CORSOrigins = nil }, field: "CORS_ORIGINS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.ValidateServer()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
