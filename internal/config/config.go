package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	Telephony TelephonyConfig
}

type ServerConfig struct {
	Address         string        `envconfig:"SERVER_ADDRESS" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "postgres" or "sqlite".
	Driver      string `envconfig:"DB_DRIVER" default:"postgres"`
	PostgresURL string `envconfig:"POSTGRES_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"reminders.db"`
}

type RedisConfig struct {
	// Empty address disables the result cache.
	Address  string        `envconfig:"REDIS_ADDR"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	TTL      time.Duration `envconfig:"REDIS_TTL" default:"24h"`
}

func (c RedisConfig) Enabled() bool { return c.Address != "" }

type SchedulerConfig struct {
	Interval  time.Duration `envconfig:"SCHED_INTERVAL" default:"5s"`
	BatchSize int           `envconfig:"SCHED_BATCH_SIZE" default:"10"`
}

type DispatchConfig struct {
	MaxAttempts   int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"3"`
	RetryBackoff  time.Duration `envconfig:"DISPATCH_RETRY_BACKOFF" default:"1m"`
	LeaseDuration time.Duration `envconfig:"DISPATCH_LEASE_DURATION" default:"2m"`
	// StaleAfter fails reminders whose due time is too far past to be worth
	// calling. Zero disables the cutoff.
	StaleAfter     time.Duration `envconfig:"DISPATCH_STALE_AFTER" default:"24h"`
	CallsPerSecond float64       `envconfig:"DISPATCH_CALLS_PER_SECOND" default:"1"`
}

type TelephonyConfig struct {
	BaseURL       string        `envconfig:"TELEPHONY_BASE_URL" default:"https://api.vapi.ai"`
	APIKey        string        `envconfig:"TELEPHONY_API_KEY" required:"true"`
	PhoneNumberID string        `envconfig:"TELEPHONY_PHONE_NUMBER_ID" required:"true"`
	Timeout       time.Duration `envconfig:"TELEPHONY_TIMEOUT" default:"30s"`
}

func LoadAll() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required with DB_DRIVER=postgres")
		}
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty with DB_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", cfg.Database.Driver)
	}

	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHED_INTERVAL must be > 0")
	}
	if cfg.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("SCHED_BATCH_SIZE must be > 0")
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0")
	}
	if cfg.Dispatch.RetryBackoff <= 0 {
		return fmt.Errorf("DISPATCH_RETRY_BACKOFF must be > 0")
	}
	if cfg.Dispatch.StaleAfter < 0 {
		return fmt.Errorf("DISPATCH_STALE_AFTER must be >= 0")
	}
	if cfg.Dispatch.CallsPerSecond <= 0 {
		return fmt.Errorf("DISPATCH_CALLS_PER_SECOND must be > 0")
	}
	// A lease shorter than the call timeout could be reclaimed while the call
	// is still legitimately in flight.
	if cfg.Dispatch.LeaseDuration <= cfg.Telephony.Timeout {
		return fmt.Errorf("DISPATCH_LEASE_DURATION (%s) must exceed TELEPHONY_TIMEOUT (%s)",
			cfg.Dispatch.LeaseDuration, cfg.Telephony.Timeout)
	}
	return nil
}
