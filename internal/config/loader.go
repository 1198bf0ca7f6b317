package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYLEDGER_* environment variable overrides, and
// returns the final Config. A missing file at path leaves the defaults in
// place. The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Account, "POLYLEDGER_ENGINE_ACCOUNT")
	setUint32(&cfg.Engine.FeeBps, "POLYLEDGER_ENGINE_FEE_BPS")
	setUint32(&cfg.Engine.MaxCreatorFeeBps, "POLYLEDGER_ENGINE_MAX_CREATOR_FEE_BPS")
	setInt(&cfg.Engine.MaxOutcomes, "POLYLEDGER_ENGINE_MAX_OUTCOMES")
	setStr(&cfg.Engine.ProbabilityEpsilon, "POLYLEDGER_ENGINE_PROBABILITY_EPSILON")
	setUint32(&cfg.Engine.PriceBandBps, "POLYLEDGER_ENGINE_PRICE_BAND_BPS")
	setStringSlice(&cfg.Engine.Admins, "POLYLEDGER_ENGINE_ADMINS")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "POLYLEDGER_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Badger ──
	setStr(&cfg.Badger.Dir, "POLYLEDGER_BADGER_DIR")
	setBool(&cfg.Badger.InMemory, "POLYLEDGER_BADGER_IN_MEMORY")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYLEDGER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYLEDGER_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LeaseTTL, "POLYLEDGER_REDIS_LEASE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYLEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYLEDGER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLYLEDGER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLYLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYLEDGER_S3_FORCE_PATH_STYLE")

	// ── Snapshot / publisher ──
	setDuration(&cfg.Snapshot.Interval, "POLYLEDGER_SNAPSHOT_INTERVAL")
	setBool(&cfg.Snapshot.RestoreOnStart, "POLYLEDGER_SNAPSHOT_RESTORE_ON_START")
	setInt(&cfg.Snapshot.Keep, "POLYLEDGER_SNAPSHOT_KEEP")
	setDuration(&cfg.Publisher.Interval, "POLYLEDGER_PUBLISHER_INTERVAL")
	setInt(&cfg.Publisher.BatchSize, "POLYLEDGER_PUBLISHER_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYLEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYLEDGER_SERVER_CORS_ORIGINS")
	setStringSlice(&cfg.Server.APIKeys, "POLYLEDGER_SERVER_API_KEYS")
	setInt(&cfg.Server.RateLimit, "POLYLEDGER_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYLEDGER_NOTIFY_EVENTS")

	// ── Log ──
	setStr(&cfg.Log.Level, "POLYLEDGER_LOG_LEVEL")
	setStr(&cfg.Log.File, "POLYLEDGER_LOG_FILE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
