package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aniladanir/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/LeventeLantos/relay/internal/api"
	"github.com/LeventeLantos/relay/internal/cache"
	"github.com/LeventeLantos/relay/internal/config"
	"github.com/LeventeLantos/relay/internal/directory"
	"github.com/LeventeLantos/relay/internal/repo"
	"github.com/LeventeLantos/relay/internal/transport"
)

const startupAttempts = 5

// backends holds the stores picked from configuration and what is needed to
// close them again.
type backends struct {
	messages repo.MessageRepository
	registry directory.Registry
	cache    cache.StatusCache
	checks   map[string]api.Check

	pool   *pgxpool.Pool
	db     *gorm.DB
	redis  *redis.Client
	logger *slog.Logger
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	retrier, err := retry.New(retry.WithMaxAttemps(startupAttempts))
	if err != nil {
		return nil, fmt.Errorf("encountered error when initializing retrier: %w", err)
	}

	b := &backends{checks: make(map[string]api.Check), logger: logger}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if cfg.Database.PostgresURL == "" {
		logger.Warn("POSTGRES_URL not set, using in-memory store and directory")
		b.messages = repo.NewMemoryMessageRepo()
		b.registry = directory.NewMemory()
	} else if err := b.openPostgres(ctx, cfg.Database.PostgresURL, retrier); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ping := func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
		if err := withRetry(ctx, retrier, logger, "redis", ping); err != nil {
			return nil, err
		}
		b.cache = cache.NewRedisCache(b.redis, cfg.Redis.TTL)
		b.checks["redis"] = ping
	}

	ok = true
	return b, nil
}

func (b *backends) openPostgres(ctx context.Context, url string, retrier *retry.Retrier) error {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	b.pool = pool
	if err := withRetry(ctx, retrier, b.logger, "postgres", pool.Ping); err != nil {
		return err
	}

	store := repo.NewPostgresMessageRepo(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	err = withRetry(ctx, retrier, b.logger, "directory", func(context.Context) error {
		db, err := directory.Open(url)
		if err != nil {
			return err
		}
		b.db = db
		return nil
	})
	if err != nil {
		return err
	}

	dir := directory.NewGormDirectory(b.db)
	b.messages = store
	b.registry = dir
	b.checks["postgres"] = pool.Ping
	b.checks["directory"] = dir.Ping
	return nil
}

func (b *backends) Close() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.logger.Warn("close redis", "error", err)
		}
	}
	if b.db != nil {
		if err := directory.Close(b.db); err != nil {
			b.logger.Warn("close directory", "error", err)
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// withRetry runs fn until it succeeds or the retrier gives up.
func withRetry(ctx context.Context, retrier *retry.Retrier, logger *slog.Logger, name string, fn func(context.Context) error) error {
	var lastErr error
	retryFunc := func(attempt int) (terminate bool) {
		if lastErr = fn(ctx); lastErr != nil {
			logger.Warn("dependency not ready", "dependency", name, "attempt", attempt, "error", lastErr)
			return false
		}
		return true
	}

	if <-retrier.Retry(ctx, retryFunc, true) {
		logger.Info("dependency ready", "dependency", name)
		return nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("retries exhausted")
	}
	return fmt.Errorf("%s unavailable: %w", name, lastErr)
}

func newTransport(cfg *config.Config, logger *slog.Logger) transport.Transport {
	if cfg.Transport.Mode == config.TransportWebhook {
		return transport.NewWebhook(cfg.Transport.WebhookURL, cfg.Transport.ContentMax, logger.With("component", "webhook"))
	}
	return transport.NewSimulator(cfg.Transport.SuccessRate)
}
