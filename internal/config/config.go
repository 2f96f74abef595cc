// Package config provides application configuration management using environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Discord  DiscordConfig
	Database DatabaseConfig
	Redis    RedisConfig
	PuzzUp   PuzzUpConfig
	Logging  LoggingConfig
}

// DiscordConfig holds Discord bot configuration.
// BotToken and GuildID may both be empty, in which case the Discord
// integration is disabled and every sync operation becomes a no-op.
type DiscordConfig struct {
	BotToken           string
	GuildID            string
	ClientID           string
	CategoryPrefix     string
	TestsolveChannelID string
}

// Enabled reports whether the Discord integration is configured.
func (c *DiscordConfig) Enabled() bool {
	return c.BotToken != "" && c.GuildID != ""
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds connection settings for the sync outbox queue
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PuzzUpConfig holds settings about the tracker itself, used when
// composing channel topics and info posts.
type PuzzUpConfig struct {
	BaseURL string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
// It optionally loads from a .env file if it exists
func Load() (*Config, error) {
	// Try to load .env file (optional, ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Discord = DiscordConfig{
		BotToken:           getEnv("DISCORD_BOT_TOKEN", ""),
		GuildID:            getEnv("DISCORD_GUILD_ID", ""),
		ClientID:           getEnv("DISCORD_CLIENT_ID", ""),
		CategoryPrefix:     getEnv("DISCORD_CATEGORY_PREFIX", ""),
		TestsolveChannelID: getEnv("DISCORD_TESTSOLVE_CHANNEL_ID", ""),
	}

	maxOpenConns, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	maxIdleConns, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))

	cfg.Database = DatabaseConfig{
		Host:         getEnv("DB_HOST", "localhost"),
		Port:         getEnv("DB_PORT", "5432"),
		User:         getEnv("DB_USER", "puzzup"),
		Password:     getEnv("DB_PASSWORD", ""),
		Name:         getEnv("DB_NAME", "puzzup_db"),
		SSLMode:      getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns: maxOpenConns,
		MaxIdleConns: maxIdleConns,
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cfg.Redis = RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       redisDB,
	}

	cfg.PuzzUp = PuzzUpConfig{
		BaseURL: getEnv("PUZZUP_URL", "http://localhost:8000"),
	}

	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Discord is allowed to be fully unconfigured, but a half-configured
	// integration is almost certainly a mistake.
	if (c.Discord.BotToken == "") != (c.Discord.GuildID == "") {
		return fmt.Errorf("DISCORD_BOT_TOKEN and DISCORD_GUILD_ID must be set together")
	}

	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if c.PuzzUp.BaseURL == "" {
		return fmt.Errorf("PUZZUP_URL is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// getEnv retrieves an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
