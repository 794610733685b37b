package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Environment string         `mapstructure:"environment" json:"environment"`
	Server      ServerConfig   `mapstructure:"server" json:"server"`
	Database    DatabaseConfig `mapstructure:"database" json:"database"`
	Redis       RedisConfig    `mapstructure:"redis" json:"redis"`
	Logging     LoggingConfig  `mapstructure:"logging" json:"logging"`
	Engine      EngineConfig   `mapstructure:"engine" json:"engine"`
	Dispatch    DispatchConfig `mapstructure:"dispatch" json:"dispatch"`
	Monitor     MonitorConfig  `mapstructure:"monitor" json:"monitor"`
}

// ServerConfig contains server-specific configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port" validate:"gt=0,lt=65536"`
	ShutdownTime time.Duration `mapstructure:"shutdown_time" json:"shutdown_time"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" json:"driver" validate:"oneof=postgres sqlite"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
	DBName   string `mapstructure:"dbname" json:"dbname"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`
	Path     string `mapstructure:"path" json:"path"` // sqlite only
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" json:"format" validate:"oneof=json console"`
}

// EngineConfig tunes the execution engine and context manager.
type EngineConfig struct {
	ContextTTL           time.Duration `mapstructure:"context_ttl" json:"context_ttl" validate:"gt=0"`
	MaxResidentContexts  int           `mapstructure:"max_resident_contexts" json:"max_resident_contexts" validate:"gt=0"`
	SnapshotEvery        int           `mapstructure:"snapshot_every" json:"snapshot_every" validate:"gt=0"`
	SnapshotRetention    int           `mapstructure:"snapshot_retention" json:"snapshot_retention" validate:"gt=0"`
	DispatchGracePeriod  time.Duration `mapstructure:"dispatch_grace_period" json:"dispatch_grace_period"`
	CallbackPollInterval time.Duration `mapstructure:"callback_poll_interval" json:"callback_poll_interval" validate:"gt=0"`
}

// DispatchConfig tunes the task dispatch layer.
type DispatchConfig struct {
	AgentWorkers     int           `mapstructure:"agent_workers" json:"agent_workers" validate:"gt=0"`
	AgentQueueSize   int           `mapstructure:"agent_queue_size" json:"agent_queue_size" validate:"gt=0"`
	AgentTimeout     time.Duration `mapstructure:"agent_timeout" json:"agent_timeout" validate:"gt=0"`
	MaxTaskRetries   int           `mapstructure:"max_task_retries" json:"max_task_retries" validate:"gte=0"`
	RetryInitialWait time.Duration `mapstructure:"retry_initial_wait" json:"retry_initial_wait"`
	RetryMaxWait     time.Duration `mapstructure:"retry_max_wait" json:"retry_max_wait"`
}

// MonitorConfig tunes the stall monitor.
type MonitorConfig struct {
	ScanInterval        time.Duration `mapstructure:"scan_interval" json:"scan_interval" validate:"gt=0"`
	StallThreshold      time.Duration `mapstructure:"stall_threshold" json:"stall_threshold" validate:"gt=0"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts" json:"max_recovery_attempts" validate:"gt=0"`
}

// Load reads configuration from the given file (optional) and LOOM_*
// environment variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_time", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "loom")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "loom")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "loom.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("engine.context_ttl", 2*time.Hour)
	v.SetDefault("engine.max_resident_contexts", 256)
	v.SetDefault("engine.snapshot_every", 5)
	v.SetDefault("engine.snapshot_retention", 10)
	v.SetDefault("engine.dispatch_grace_period", 5*time.Minute)
	v.SetDefault("engine.callback_poll_interval", 30*time.Second)

	v.SetDefault("dispatch.agent_workers", 4)
	v.SetDefault("dispatch.agent_queue_size", 256)
	v.SetDefault("dispatch.agent_timeout", 120*time.Second)
	v.SetDefault("dispatch.max_task_retries", 3)
	v.SetDefault("dispatch.retry_initial_wait", 1*time.Second)
	v.SetDefault("dispatch.retry_max_wait", 30*time.Second)

	v.SetDefault("monitor.scan_interval", 5*time.Minute)
	v.SetDefault("monitor.stall_threshold", 2*time.Hour)
	v.SetDefault("monitor.max_recovery_attempts", 3)
}

// DSN renders the database connection string for the configured driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}
