package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// GitHub OAuth app
	GitHubClientID     string
	GitHubClientSecret string
	OAuthRedirectURL   string

	// GitHub App whose installation gates the workflow
	GitHubAppID   int64
	GitHubAppSlug string

	// GitHub API base URL, overridable for GitHub Enterprise
	GitHubAPIURL string

	// CLI fallback credential
	GitHubToken string

	// Sessions
	SessionSecret string
	SessionTTL    time.Duration

	// Base64 encoded 32 byte key for tokens at rest
	EncryptionKey string

	// Storage
	StorageType string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresURL string

	// API Server
	APIPort     string
	APIHost     string
	CORSOrigins []string

	// CLI
	APIEndpoint string

	// Deletion
	GraceInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads the configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	appID, err := getEnvAsInt64("GITHUB_APP_ID", 0)
	if err != nil {
		return nil, &ConfigError{Field: "GITHUB_APP_ID", Message: "must be an integer"}
	}
	ttl, err := getEnvAsDuration("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, &ConfigError{Field: "SESSION_TTL", Message: err.Error()}
	}
	grace, err := getEnvAsDuration("DELETE_GRACE_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, &ConfigError{Field: "DELETE_GRACE_INTERVAL", Message: err.Error()}
	}

	return &Config{
		GitHubClientID:     getEnv("GITHUB_CLIENT_ID", ""),
		GitHubClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
		OAuthRedirectURL:   getEnv("GITHUB_OAUTH_REDIRECT_URL", "http://localhost:8080/auth/callback"),
		GitHubAppID:        appID,
		GitHubAppSlug:      getEnv("GITHUB_APP_SLUG", "fork-cleaner"),
		GitHubAPIURL:       getEnv("GITHUB_API_URL", ""),
		GitHubToken:        getEnv("GITHUB_TOKEN", ""),
		SessionSecret:      getEnv("SESSION_SECRET", ""),
		SessionTTL:         ttl,
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		StorageType:        getEnv("STORAGE_TYPE", "sqlite"),
		SQLitePath:         getEnv("SQLITE_PATH", "./fork-cleaner.db"),
		PostgresURL:        getEnv("POSTGRES_URL", ""),
		APIPort:            getEnv("API_PORT", "8080"),
		APIHost:            getEnv("API_HOST", "localhost"),
		CORSOrigins:        getEnvAsSlice("CORS_ORIGINS", ",", []string{"http://localhost:3000"}),
		APIEndpoint:        getEnv("API_ENDPOINT", "http://localhost:8080"),
		GraceInterval:      grace,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}, nil
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(value, 10, 64)
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}

func getEnvAsSlice(key, separator string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, separator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Validate validates the storage settings shared by the server and the CLI
func (c *Config) Validate() error {
	if c.StorageType != "sqlite" && c.StorageType != "postgres" {
		return &ConfigError{Field: "STORAGE_TYPE", Message: "must be 'sqlite' or 'postgres'"}
	}
	if c.StorageType == "postgres" && c.PostgresURL == "" {
		return &ConfigError{Field: "POSTGRES_URL", Message: "PostgreSQL URL is required when STORAGE_TYPE is 'postgres'"}
	}
	return nil
}

// ValidateServer validates everything the web server needs on top of Validate
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.GitHubClientID == "" {
		return &ConfigError{Field: "GITHUB_CLIENT_ID", Message: "GitHub OAuth client ID is required"}
	}
	if c.GitHubClientSecret == "" {
		return &ConfigError{Field: "GITHUB_CLIENT_SECRET", Message: "GitHub OAuth client secret is required"}
	}
	if c.GitHubAppID == 0 {
		return &ConfigError{Field: "GITHUB_APP_ID", Message: "GitHub App ID is required"}
	}
	if len(c.SessionSecret) < 32 {
		return &ConfigError{Field: "SESSION_SECRET", Message: "must be at least 32 characters"}
	}
	if len(c.CORSOrigins) == 0 {
		return &ConfigError{Field: "CORS_ORIGINS", Message: "at least one origin is required"}
	}
	return nil
}

// Address returns the host:port the API server listens on
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.APIHost, c.APIPort)
}

// InstallURL returns the page where users install the GitHub App
func (c *Config) InstallURL() string {
	return fmt.Sprintf("https://github.com/apps/%s/installations/new", c.GitHubAppSlug)
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
