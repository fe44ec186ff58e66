// pkg/config/config.go
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration.
type Config struct {
	// Database connections
	Source *DBConfig
	Target *DBConfig
	Store  *DBConfig // job/log/conflict store; defaults to the target

	// Sync settings
	TableConfigPath string
	MaxRetries      int
	ErrorWait       time.Duration // initial backoff before a batch retry
	BatchTimeout    time.Duration // per-batch wall-clock limit
	FullSyncMode    string        // error-handling mode for full syncs
	IncrementalMode string        // error-handling mode for incremental syncs
	AIResolverURL   string        // optional conflict-resolution endpoint
	SyncSchedule    string        // optional cron spec for incremental syncs

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string // when set, logs rotate on disk instead of stderr
}

// DBConfig holds connection parameters for one database.
type DBConfig struct {
	Driver string // "postgres" or "mysql"
	DSN    string
	Name   string // identifier used in job records and logs

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		TableConfigPath: getEnv("TABLE_CONFIG_PATH", "tables.json"),
		MaxRetries:      getEnvAsInt("MAX_RETRIES", 3),
		ErrorWait:       time.Duration(getEnvAsInt("ERROR_WAIT_SECONDS", 5)) * time.Second,
		BatchTimeout:    time.Duration(getEnvAsInt("BATCH_TIMEOUT_SECONDS", 300)) * time.Second,
		FullSyncMode:    getEnv("FULL_SYNC_ERROR_MODE", "fail"),
		IncrementalMode: getEnv("INCREMENTAL_ERROR_MODE", "continue_with_reporting"),
		AIResolverURL:   getEnv("AI_RESOLVER_URL", ""),
		SyncSchedule:    getEnv("SYNC_SCHEDULE", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		LogFile:         getEnv("LOG_FILE", ""),
	}

	source, err := loadDBConfig("SOURCE")
	if err != nil {
		return nil, errors.New("failed to load source database configuration: " + err.Error())
	}
	cfg.Source = source

	target, err := loadDBConfig("TARGET")
	if err != nil {
		return nil, errors.New("failed to load target database configuration: " + err.Error())
	}
	cfg.Target = target

	// The store rides on the target unless configured separately.
	if os.Getenv("STORE_DB_DSN") != "" {
		store, err := loadDBConfig("STORE")
		if err != nil {
			return nil, errors.New("failed to load store database configuration: " + err.Error())
		}
		cfg.Store = store
	} else {
		cfg.Store = target
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present and valid.
func (c *Config) Validate() error {
	if c.Source == nil {
		return errors.New("source database configuration is required")
	}
	if c.Target == nil {
		return errors.New("target database configuration is required")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.BatchTimeout <= 0 {
		return errors.New("batch timeout must be positive")
	}
	switch c.FullSyncMode {
	case "fail", "continue", "continue_with_reporting":
	default:
		return errors.New("invalid full-sync error mode: " + c.FullSyncMode)
	}
	switch c.IncrementalMode {
	case "fail", "continue", "continue_with_reporting":
	default:
		return errors.New("invalid incremental error mode: " + c.IncrementalMode)
	}
	return nil
}

// loadDBConfig reads one database's settings using the given env prefix.
// Credentials always come from the environment, never from code.
func loadDBConfig(prefix string) (*DBConfig, error) {
	dsn := os.Getenv(prefix + "_DB_DSN")
	if dsn == "" {
		return nil, errors.New(prefix + "_DB_DSN environment variable is required")
	}

	driver := getEnv(prefix+"_DB_DRIVER", "postgres")
	switch driver {
	case "postgres", "mysql":
	default:
		return nil, errors.New("unsupported database driver: " + driver)
	}

	return &DBConfig{
		Driver:          driver,
		DSN:             dsn,
		Name:            getEnv(prefix+"_DB_NAME", prefix),
		MaxOpenConns:    getEnvAsInt(prefix+"_DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt(prefix+"_DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: time.Duration(getEnvAsInt(prefix+"_DB_CONN_MAX_LIFETIME_SECONDS", 1800)) * time.Second,
		ConnMaxIdleTime: time.Duration(getEnvAsInt(prefix+"_DB_CONN_MAX_IDLE_TIME_SECONDS", 600)) * time.Second,
	}, nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
