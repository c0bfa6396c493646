package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full application configuration, loaded from environment
// variables with an optional .env file for local development.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Panel    PanelConfig
}

type AppConfig struct {
	Port     int
	APIToken string // admin API bearer token
	LogLevel string
	Env      string // development or production
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// DSN builds the MySQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PanelConfig struct {
	RequestTimeout time.Duration
	SyncCron       string // cron spec for the inbound sync job
}

// Load reads configuration from the environment. A missing .env file is
// fine; containers supply real environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("APP_LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "production")

	v.SetDefault("DB_HOST", "127.0.0.1")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_USER", "vpnshop")
	v.SetDefault("DB_NAME", "vpnshop")

	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("PANEL_REQUEST_TIMEOUT", "20s")
	v.SetDefault("PANEL_SYNC_CRON", "@every 30m")

	timeout, err := time.ParseDuration(v.GetString("PANEL_REQUEST_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("invalid PANEL_REQUEST_TIMEOUT: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Port:     v.GetInt("APP_PORT"),
			APIToken: v.GetString("APP_API_TOKEN"),
			LogLevel: v.GetString("APP_LOG_LEVEL"),
			Env:      v.GetString("APP_ENV"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Panel: PanelConfig{
			RequestTimeout: timeout,
			SyncCron:       v.GetString("PANEL_SYNC_CRON"),
		},
	}

	if cfg.App.APIToken == "" {
		return nil, fmt.Errorf("APP_API_TOKEN is required")
	}
	return cfg, nil
}
