// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	App    AppConfig
	Logger LoggerConfig
	Store  StoreConfig
	Server ServerConfig
	Sync   SyncConfig
	Client ClientConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// StoreConfig holds row store configuration.
type StoreConfig struct {
	// Path is the sqlite database file (default: ~/CartShare/cartshare.db)
	Path string
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port           string        // Server port (default: 8080)
	ReadTimeout    time.Duration // HTTP read timeout (default: 15s)
	WriteTimeout   time.Duration // HTTP write timeout (default: 0, SSE streams are long lived)
	IdleTimeout    time.Duration // HTTP idle timeout (default: 60s)
	AllowedOrigins []string      // CORS origins (default: *)
	WriteRateLimit float64       // Writes per second per client (default: 20)
	WriteBurst     int           // Write burst per client (default: 40)
}

// SyncConfig holds the reconnect and windowing knobs of the sync engine.
type SyncConfig struct {
	// ResubscribeDelay is how long a degraded list session waits before resubscribing (default: 2s)
	ResubscribeDelay time.Duration
	// PresenceRetryDelay is the fixed delay between presence listener attempts (default: 3s)
	PresenceRetryDelay time.Duration
	// PresenceMaxAttempts bounds presence listener retries (default: 5)
	PresenceMaxAttempts int
	// NotificationLimit is the inbox sliding window size (default: 50)
	NotificationLimit int
}

// ClientConfig holds CLI client configuration.
type ClientConfig struct {
	ServerURL string
	UserID    string
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("cartshared", flag.ContinueOnError)

	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	storePath := fs.String("store-path", "", "Path to the sqlite database")

	serverPort := fs.String("port", "", "Server port (default: 8080)")
	readTimeout := fs.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := fs.String("write-timeout", "", "HTTP write timeout (default: 0)")
	idleTimeout := fs.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")
	allowedOrigins := fs.String("allowed-origins", "", "Comma separated CORS origins (default: *)")
	writeRate := fs.String("write-rate", "", "Writes per second per client (default: 20)")
	writeBurst := fs.String("write-burst", "", "Write burst per client (default: 40)")

	resubscribeDelay := fs.String("resubscribe-delay", "", "Delay before a degraded session resubscribes (default: 2s)")
	presenceRetryDelay := fs.String("presence-retry-delay", "", "Presence listener retry delay (default: 3s)")
	presenceMaxAttempts := fs.String("presence-max-attempts", "", "Presence listener retry budget (default: 5)")
	notificationLimit := fs.String("notification-limit", "", "Inbox window size (default: 50)")

	serverURL := fs.String("server-url", "", "cartshared base URL for clients")
	userID := fs.String("user-id", "", "Acting user ID for clients")

	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Missing .env is fine. godotenv never overrides variables already set.
	_ = godotenv.Load(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Path: getConfigValue(*storePath, "STORE_PATH", ""),
		},
		Server: ServerConfig{
			Port:           getConfigValue(*serverPort, "SERVER_PORT", "8080"),
			AllowedOrigins: splitList(getConfigValue(*allowedOrigins, "ALLOWED_ORIGINS", "*")),
			WriteRateLimit: getFloatConfigValue(*writeRate, "WRITE_RATE_LIMIT", 20),
			WriteBurst:     getIntConfigValue(*writeBurst, "WRITE_BURST", 40),
		},
		Sync: SyncConfig{
			PresenceMaxAttempts: getIntConfigValue(*presenceMaxAttempts, "PRESENCE_MAX_ATTEMPTS", 5),
			NotificationLimit:   getIntConfigValue(*notificationLimit, "NOTIFICATION_LIMIT", 50),
		},
		Client: ClientConfig{
			ServerURL: getConfigValue(*serverURL, "CARTSHARE_SERVER_URL", "http://127.0.0.1:8080"),
			UserID:    getConfigValue(*userID, "CARTSHARE_USER_ID", ""),
		},
	}

	durations := []struct {
		flagValue string
		envKey    string
		def       string
		dest      *time.Duration
	}{
		{*readTimeout, "SERVER_READ_TIMEOUT", "15s", &cfg.Server.ReadTimeout},
		{*writeTimeout, "SERVER_WRITE_TIMEOUT", "0s", &cfg.Server.WriteTimeout},
		{*idleTimeout, "SERVER_IDLE_TIMEOUT", "60s", &cfg.Server.IdleTimeout},
		{*resubscribeDelay, "RESUBSCRIBE_DELAY", "2s", &cfg.Sync.ResubscribeDelay},
		{*presenceRetryDelay, "PRESENCE_RETRY_DELAY", "3s", &cfg.Sync.PresenceRetryDelay},
	}
	for _, d := range durations {
		raw := getConfigValue(d.flagValue, d.envKey, d.def)
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", strings.ToLower(d.envKey), raw, err)
		}
		*d.dest = parsed
	}

	if err := cfg.expandStorePath(); err != nil {
		return nil, fmt.Errorf("invalid store path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %q (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Store.Path == "" {
		return errors.New("store path cannot be empty after expansion")
	}

	if c.Sync.PresenceMaxAttempts < 0 {
		return errors.New("presence max attempts cannot be negative")
	}
	if c.Sync.NotificationLimit <= 0 {
		return errors.New("notification limit must be positive")
	}
	if c.Sync.ResubscribeDelay <= 0 || c.Sync.PresenceRetryDelay <= 0 {
		return errors.New("retry delays must be positive")
	}
	if c.Server.WriteRateLimit <= 0 || c.Server.WriteBurst <= 0 {
		return errors.New("write rate limit and burst must be positive")
	}

	return nil
}

// expandStorePath expands ~ and makes the path absolute, defaulting to
// ~/CartShare/cartshare.db.
func (c *Config) expandStorePath() error {
	path := c.Store.Path
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.Store.Path = filepath.Join(homeDir, "CartShare", "cartshare.db")
		return nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	c.Store.Path = filepath.Clean(path)
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(strValue, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// getFloatConfigValue returns a float from flag, env var, or default.
func getFloatConfigValue(flagValue, envKey string, defaultValue float64) float64 {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result float64
	if _, err := fmt.Sscanf(strValue, "%g", &result); err != nil {
		return defaultValue
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
