/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
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

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	TransferEventExchange      string `mapstructure:"TRANSFER_EVENT_EXCHANGE"`
	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	DBMaxConns                 int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                 int32  `mapstructure:"DB_MIN_CONNS"`
	BurnMaxMillis              int    `mapstructure:"BURN_MAX_MS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("TRANSFER_EVENT_EXCHANGE", "ledger.events")
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("DB_MAX_CONNS", 50)
	viper.SetDefault("DB_MIN_CONNS", 5)
	viper.SetDefault("BURN_MAX_MS", 5000)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_EXCHANGE")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("DB_MIN_CONNS")
	_ = viper.BindEnv("BURN_MAX_MS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}
	config.TransferEventExchange = strings.TrimSpace(config.TransferEventExchange)
	if config.TransferEventExchange == "" {
		config.TransferEventExchange = "ledger.events"
	}

	if config.TransferRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer rate limit configured; disabling limiting\" limit=%d", config.TransferRateLimitPerMinute)
		config.TransferRateLimitPerMinute = 0
	}
	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 50
	}
	if config.DBMinConns < 0 {
		config.DBMinConns = 0
	}
	if config.DBMinConns > config.DBMaxConns {
		log.Printf("level=warn component=config msg=\"db min conns exceeds max; clamping\" min=%d max=%d", config.DBMinConns, config.DBMaxConns)
		config.DBMinConns = config.DBMaxConns
	}
	if config.BurnMaxMillis <= 0 {
		config.BurnMaxMillis = 5000
	}

	return
}
