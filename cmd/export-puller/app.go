package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/config"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/logging"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/notify"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/ratelimit"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/transport"
)

// snapshotCacheSize bounds the tenant snapshots kept in memory.
const snapshotCacheSize = 64

// app holds the shared services behind every command.
type app struct {
	cfg      config.Config
	redis    *redis.Client
	store    *tenant.RedisStore
	tenants  *tenant.Snapshotter
	client   *transport.Client
	cursors  *cursor.Manager
	notifier *notify.RedisNotifier
	logger   zerolog.Logger
}

func setupLogger(cfg config.Config) zerolog.Logger {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})
	return logging.NewLogger("export-puller")
}

// newApp connects to Redis and builds the tenant API stack on top of it.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Msg("Connected to Redis")

	client, err := transport.New(transport.Config{
		UserAgent:      transport.UserAgent(cfg.HTTP.UserAgent, "netskope", version),
		InstallationID: cfg.HTTP.InstallationID,
		Timeout:        cfg.HTTP.Timeout,
		Retry:          transport.DefaultRetryPolicy(),
		RateLimiter:    ratelimit.NewTracker(rdb, logging.NewLogger("ratelimit")),
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("create tenant API client: %w", err)
	}

	store := tenant.NewRedisStore(rdb)
	tenants := tenant.NewSnapshotter(store, cfg.Puller.SnapshotStaleness, snapshotCacheSize)

	cursors := cursor.NewManager(client, tenants, logging.NewLogger("cursor"))
	cursors.SetPollInterval(cfg.Puller.PollInterval)

	return &app{
		cfg:      cfg,
		redis:    rdb,
		store:    store,
		tenants:  tenants,
		client:   client,
		cursors:  cursors,
		notifier: notify.NewRedisNotifier(rdb),
		logger:   logger,
	}, nil
}

func (a *app) Close() error {
	return a.redis.Close()
}
