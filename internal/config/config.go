// Package config defines the top-level configuration for the ledger service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYLEDGER_* environment variables.
type Config struct {
	Engine     EngineConfig     `toml:"engine"`
	Collateral CollateralConfig `toml:"collateral"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Badger     BadgerConfig     `toml:"badger"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Publisher  PublisherConfig  `toml:"publisher"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
}

// EngineConfig holds the ledger's economic parameters. Amounts are decimal
// strings so they keep full 18-digit precision through TOML.
type EngineConfig struct {
	// Account is the custody address that holds every pool.
	Account            string   `toml:"account"`
	FeeBps             uint32   `toml:"fee_bps"`
	MaxCreatorFeeBps   uint32   `toml:"max_creator_fee_bps"`
	MaxOutcomes        int      `toml:"max_outcomes"`
	ProbabilityEpsilon string   `toml:"probability_epsilon"`
	PriceBandBps       uint32   `toml:"price_band_bps"`
	MinTick            string   `toml:"min_tick"`
	MaxSupply          uint64   `toml:"max_supply"`
	Admins             []string `toml:"admins"`
	// Grants maps an address to the capability names it holds.
	Grants map[string][]string `toml:"grants"`
}

// CollateralConfig seeds the in-memory settlement token.
type CollateralConfig struct {
	Symbol  string           `toml:"symbol"`
	Genesis []GenesisAccount `toml:"genesis"`
	// ApproveEngine grants the custody account an unlimited allowance
	// from every genesis account.
	ApproveEngine bool `toml:"approve_engine"`
}

// GenesisAccount is a starting balance.
type GenesisAccount struct {
	Account string `toml:"account"`
	Amount  string `toml:"amount"`
}

// StorageConfig selects the event log backend: "memory", "postgres" or
// "badger".
type StorageConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// BadgerConfig holds the embedded key-value store parameters.
type BadgerConfig struct {
	Dir        string `toml:"dir"`
	InMemory   bool   `toml:"in_memory"`
	SyncWrites bool   `toml:"sync_writes"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int      `toml:"stream_max_len"`
	QuoteTTL     duration `toml:"quote_ttl"`
	// LeaseKey names the lock that keeps a single writer process.
	LeaseKey string   `toml:"lease_key"`
	LeaseTTL duration `toml:"lease_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig controls periodic full-state snapshots.
type SnapshotConfig struct {
	Interval duration `toml:"interval"`
	// EveryEvents also snapshots once this many events accumulate; zero
	// disables the trigger.
	EveryEvents    uint64 `toml:"every_events"`
	RestoreOnStart bool   `toml:"restore_on_start"`
	// Keep is how many snapshots survive each prune; zero keeps all.
	Keep int `toml:"keep"`
}

// PublisherConfig controls how committed events leave the process.
type PublisherConfig struct {
	Interval   duration `toml:"interval"`
	BatchSize  int      `toml:"batch_size"`
	MaxElapsed duration `toml:"max_elapsed"`
	Channel    string   `toml:"channel"`
	Stream     string   `toml:"stream"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeys authorise write requests; empty disables authentication.
	APIKeys        []string `toml:"api_keys"`
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     duration `toml:"rate_window"`
	MetricsEnabled bool     `toml:"metrics_enabled"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig controls the structured logger. When File is set, output is
// rotated through lumberjack instead of going to stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Account:            "0x00000000000000000000000000000000000000e0",
			FeeBps:             100,
			MaxCreatorFeeBps:   1_000,
			MaxOutcomes:        16,
			ProbabilityEpsilon: "0.0001",
			MinTick:            "0.000001",
			MaxSupply:          1_000_000_000,
			Grants:             map[string][]string{},
		},
		Collateral: CollateralConfig{
			Symbol:        "USDX",
			ApproveEngine: true,
		},
		Storage: StorageConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Badger: BadgerConfig{
			Dir:        "data/events",
			SyncWrites: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
			QuoteTTL:     duration{10 * time.Minute},
			LeaseKey:     "writer",
			LeaseTTL:     duration{15 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyledger",
			Prefix:         "snapshots",
			ForcePathStyle: true,
		},
		Snapshot: SnapshotConfig{
			Interval:       duration{5 * time.Minute},
			EveryEvents:    10_000,
			RestoreOnStart: true,
			Keep:           10,
		},
		Publisher: PublisherConfig{
			Interval:   duration{250 * time.Millisecond},
			BatchSize:  500,
			MaxElapsed: duration{time.Minute},
			Channel:    "ledger.events",
			Stream:     "ledger:events",
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:      120,
			RateWindow:     duration{time.Minute},
			MetricsEnabled: true,
		},
		Notify: NotifyConfig{
			Events: []string{"market.resolved", "market.cancelled", "invariant_violation"},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

var validBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
	"badger":   true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log.level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	// Engine
	if !common.IsHexAddress(c.Engine.Account) {
		errs = append(errs, fmt.Sprintf("engine: account %q is not an address", c.Engine.Account))
	}
	if c.Engine.FeeBps >= 10_000 || c.Engine.MaxCreatorFeeBps >= 10_000 {
		errs = append(errs, "engine: fee_bps and max_creator_fee_bps must be below 10000")
	}
	if c.Engine.MaxOutcomes < 2 {
		errs = append(errs, "engine: max_outcomes must be >= 2")
	}
	for name, v := range map[string]string{
		"probability_epsilon": c.Engine.ProbabilityEpsilon,
		"min_tick":            c.Engine.MinTick,
	} {
		if d, err := fp.Parse(v); err != nil || d.IsZero() {
			errs = append(errs, fmt.Sprintf("engine: %s must be a positive decimal, got %q", name, v))
		}
	}
	if c.Engine.MaxSupply == 0 {
		errs = append(errs, "engine: max_supply must be > 0")
	}
	for _, a := range c.Engine.Admins {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("engine: admin %q is not an address", a))
		}
	}
	for a := range c.Engine.Grants {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("engine: grant holder %q is not an address", a))
		}
	}

	// Collateral
	for _, g := range c.Collateral.Genesis {
		if !common.IsHexAddress(g.Account) {
			errs = append(errs, fmt.Sprintf("collateral: genesis account %q is not an address", g.Account))
		}
		if _, err := fp.Parse(g.Amount); err != nil {
			errs = append(errs, fmt.Sprintf("collateral: genesis amount %q for %s: %v", g.Amount, g.Account, err))
		}
	}

	// Storage
	backend := strings.ToLower(c.Storage.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, postgres, badger)", c.Storage.Backend))
	}
	if backend == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must lie in [0, pool_max_conns]")
		}
	}
	if backend == "badger" && !c.Badger.InMemory && c.Badger.Dir == "" {
		errs = append(errs, "badger: dir must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LeaseTTL.Duration < time.Second {
			errs = append(errs, "redis: lease_ttl must be at least 1s")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Snapshot
	if c.Snapshot.Keep < 0 {
		errs = append(errs, "snapshot: keep must be >= 0")
	}

	// Publisher
	if c.Publisher.BatchSize < 1 {
		errs = append(errs, "publisher: batch_size must be >= 1")
	}
	if c.Publisher.Interval.Duration <= 0 {
		errs = append(errs, "publisher: interval must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
