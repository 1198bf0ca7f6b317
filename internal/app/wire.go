package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/polyledger/internal/blob/s3"
	"github.com/alanyoungcy/polyledger/internal/cache/redis"
	"github.com/alanyoungcy/polyledger/internal/config"
	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/metrics"
	"github.com/alanyoungcy/polyledger/internal/notify"
	"github.com/alanyoungcy/polyledger/internal/server/handler"
	"github.com/alanyoungcy/polyledger/internal/service"
	badgerstore "github.com/alanyoungcy/polyledger/internal/store/badger"
	"github.com/alanyoungcy/polyledger/internal/store/postgres"
)

// Dependencies bundles every backend the serve mode needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Events    domain.EventStore
	Snapshots domain.SnapshotStore
	Audit     domain.AuditStore
	Archiver  service.Archiver

	// Redis; all nil when redis is disabled.
	Quotes  domain.QuoteCache
	Bus     domain.EventBus
	Limiter domain.RateLimiter
	Locks   domain.LockManager

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks are the dependency probes served by /api/health.
	Checks map[string]handler.Checker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  map[string]handler.Checker{},
	}

	// --- Event log, snapshots and audit trail ---
	switch backend := strings.ToLower(cfg.Storage.Backend); backend {
	case "memory", "badger":
		opts := badgerstore.Options{
			Dir:        cfg.Badger.Dir,
			InMemory:   backend == "memory" || cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
		}
		store, err := badgerstore.Open(opts)
		if err != nil {
			return fail(fmt.Errorf("wire: badger: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Events, deps.Snapshots, deps.Audit = store, store, store
		logger.Info("event log on badger", slog.Bool("in_memory", opts.InMemory), slog.String("dir", opts.Dir))

	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Events = postgres.NewEventStore(pool)
		deps.Snapshots = postgres.NewSnapshotStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pool.Ping
		logger.Info("event log on postgres")

	default:
		return fail(fmt.Errorf("wire: unknown storage backend %q", cfg.Storage.Backend))
	}

	// --- S3 snapshots and event archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.Snapshots = s3blob.NewSnapshotStore(writer, reader, cfg.S3.Prefix)
		deps.Archiver = s3blob.NewEventArchiver(writer, deps.Events, deps.Audit, "")
		deps.Checks["s3"] = s3Client.Health
		logger.Info("snapshots on s3", slog.String("bucket", s3Client.Bucket()))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Quotes = redis.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL.Duration)
		deps.Bus = redis.NewEventBus(redisClient, int64(cfg.Redis.StreamMaxLen))
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return fail(fmt.Errorf("wire: telegram: %w", err))
		}
		senders = append(senders, tg)
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
