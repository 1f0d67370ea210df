/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the sync-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	PlaidBaseURL     string `mapstructure:"PLAID_BASE_URL"`
	PlaidClientID    string `mapstructure:"PLAID_CLIENT_ID"`
	PlaidSecret      string `mapstructure:"PLAID_SECRET"`
	PlaidEnvironment string `mapstructure:"PLAID_ENVIRONMENT"`

	SyncPageSize            int `mapstructure:"SYNC_PAGE_SIZE"`
	SyncMaxTransactions     int `mapstructure:"SYNC_MAX_TRANSACTIONS"`
	SyncMaxRounds           int `mapstructure:"SYNC_MAX_ROUNDS"`
	SnapshotWindowDays      int `mapstructure:"SNAPSHOT_WINDOW_DAYS"`
	WebhookMaxAgeSeconds    int `mapstructure:"WEBHOOK_MAX_AGE_SECONDS"`
	ManualSyncsPerMinute    int `mapstructure:"MANUAL_SYNCS_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given
// path. It uses Viper to automatically bind environment variables to the
// Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledgerline:rate_limit")
	viper.SetDefault("PLAID_BASE_URL", "https://production.plaid.com")
	viper.SetDefault("PLAID_ENVIRONMENT", "production")
	viper.SetDefault("SYNC_PAGE_SIZE", 500)
	viper.SetDefault("SYNC_MAX_TRANSACTIONS", 10000)
	viper.SetDefault("SYNC_MAX_ROUNDS", 40)
	viper.SetDefault("SNAPSHOT_WINDOW_DAYS", 30)
	viper.SetDefault("WEBHOOK_MAX_AGE_SECONDS", 300)
	viper.SetDefault("MANUAL_SYNCS_PER_MINUTE", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SYNC_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PLAID_BASE_URL")
	_ = viper.BindEnv("PLAID_CLIENT_ID")
	_ = viper.BindEnv("PLAID_SECRET")
	_ = viper.BindEnv("PLAID_ENVIRONMENT")
	_ = viper.BindEnv("SYNC_PAGE_SIZE")
	_ = viper.BindEnv("SYNC_MAX_TRANSACTIONS")
	_ = viper.BindEnv("SYNC_MAX_ROUNDS")
	_ = viper.BindEnv("SNAPSHOT_WINDOW_DAYS")
	_ = viper.BindEnv("WEBHOOK_MAX_AGE_SECONDS")
	_ = viper.BindEnv("MANUAL_SYNCS_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SYNC_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledgerline:rate_limit"
	}

	config.PlaidEnvironment = strings.ToLower(strings.TrimSpace(config.PlaidEnvironment))
	switch config.PlaidEnvironment {
	case "development", "sandbox", "production":
	default:
		log.Printf("level=warn component=config msg=\"unknown plaid environment; coercing to production\" value=%q", config.PlaidEnvironment)
		config.PlaidEnvironment = "production"
	}

	if config.SyncPageSize <= 0 {
		config.SyncPageSize = 500
	}
	if config.SyncMaxTransactions <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive sync transaction cap; using default\" value=%d", config.SyncMaxTransactions)
		config.SyncMaxTransactions = 10000
	}
	if config.SyncMaxRounds <= 0 {
		config.SyncMaxRounds = 40
	}
	if config.SnapshotWindowDays <= 0 {
		config.SnapshotWindowDays = 30
	}
	if config.WebhookMaxAgeSeconds <= 0 {
		config.WebhookMaxAgeSeconds = 300
	}
	if config.ManualSyncsPerMinute < 0 {
		config.ManualSyncsPerMinute = 0
	}

	return
}
