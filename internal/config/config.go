// Package config loads sheetgate settings from SHEETGATE_* environment
// variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentworkforce/sheetgate/internal/sheetgate"
)

type Config struct {
	Addr        string `env:"SHEETGATE_ADDR" envDefault:":8080"`
	SchemaFile  string `env:"SHEETGATE_SCHEMA_FILE" envDefault:"sheetgate.yaml"`
	WatchSchema bool   `env:"SHEETGATE_WATCH_SCHEMA" envDefault:"true"`

	StoreDSN   string `env:"SHEETGATE_STORE_DSN" envDefault:"https://sheets.googleapis.com"`
	StoreToken string `env:"SHEETGATE_STORE_TOKEN"`

	JournalDSN     string `env:"SHEETGATE_JOURNAL_DSN"`
	BackendProfile string `env:"SHEETGATE_BACKEND_PROFILE"`
	DataDir        string `env:"SHEETGATE_DATA_DIR" envDefault:".sheetgate"`
	ProductionDSN  string `env:"SHEETGATE_PRODUCTION_DSN"`
	PostgresDSN    string `env:"SHEETGATE_POSTGRES_DSN"`

	CacheTTL         time.Duration `env:"SHEETGATE_CACHE_TTL" envDefault:"5m"`
	RetryMaxAttempts int           `env:"SHEETGATE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"SHEETGATE_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"SHEETGATE_RETRY_MAX_DELAY" envDefault:"30s"`

	JWTSecret       string        `env:"SHEETGATE_JWT_SECRET"`
	RateLimitMax    int           `env:"SHEETGATE_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow time.Duration `env:"SHEETGATE_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"SHEETGATE_MAX_BODY_BYTES" envDefault:"1048576"`

	OTelEnabled  bool   `env:"SHEETGATE_OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint string `env:"SHEETGATE_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolveJournalDSN picks the journal backend. An explicit
// SHEETGATE_JOURNAL_DSN wins over the profile default; an empty result
// means an in-memory journal.
func (c Config) ResolveJournalDSN() (string, error) {
	if dsn := strings.TrimSpace(c.JournalDSN); dsn != "" {
		return dsn, nil
	}
	return c.profileJournalDSN()
}

func (c Config) profileJournalDSN() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".sheetgate"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "journal.json"), nil
	case "sqlite", "local-sqlite":
		return "sqlite://" + filepath.Join(dataDir, "journal.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.ProductionDSN)
		if dsn == "" {
			dsn = strings.TrimSpace(c.PostgresDSN)
		}
		if dsn == "" {
			return "", fmt.Errorf("SHEETGATE_PRODUCTION_DSN or SHEETGATE_POSTGRES_DSN is required when SHEETGATE_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported SHEETGATE_BACKEND_PROFILE: %s", profile)
	}
}

func (c Config) RetryPolicy() sheetgate.RetryPolicy {
	return sheetgate.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// BuildJournal opens the journal selected by ResolveJournalDSN.
func (c Config) BuildJournal() (sheetgate.Journal, error) {
	dsn, err := c.ResolveJournalDSN()
	if err != nil {
		return nil, err
	}
	return sheetgate.BuildJournalFromDSN(dsn)
}

func (c Config) BuildStore() (sheetgate.TabularStore, error) {
	return sheetgate.BuildTabularStoreFromDSN(c.StoreDSN, c.StoreToken)
}
