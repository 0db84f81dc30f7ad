package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/config"
	"bakery-kds/internal/common/httpx"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/common/sqlitedb"
	"bakery-kds/internal/connections/database"
	"bakery-kds/internal/lan"
	"bakery-kds/internal/microservices/dispatch/handlers"
	"bakery-kds/internal/microservices/dispatch/repository"
	"bakery-kds/internal/microservices/dispatch/service"
	"bakery-kds/internal/notify"
)

// Start runs the POS dispatcher: queue processor and HTTP API. It blocks
// until ctx is cancelled or a component fails.
func Start(ctx context.Context, cfg config.App, ch lan.Channel, clk clock.Clock, log *logger.Logger) error {
	store, closeStore, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	repo := repository.New(store)

	svc := service.NewDispatchService(service.Config{
		DeviceID:          cfg.LAN.DeviceID,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		BaseBackoff:       cfg.Dispatch.BaseBackoff,
		MaxBackoff:        cfg.Dispatch.MaxBackoff,
		AckTimeout:        cfg.Dispatch.AckTimeout,
		ProcessInterval:   cfg.Dispatch.ProcessInterval,
		ReconnectDebounce: cfg.Dispatch.ReconnectDebounce,
		SendTimeout:       cfg.LAN.SendTimeout,
	}, repo.DispatchRepo, ch, clk, alerter(cfg, log), log)
	defer svc.Close()

	router := httpx.NewRouter(log, cfg.HTTP.AllowedOrigins)
	handlers.Register(router, handlers.New(svc))
	srv := httpx.New(fmt.Sprintf(":%d", cfg.HTTP.Port), router)

	log.Info("dispatcher_started", map[string]any{
		"port":      cfg.HTTP.Port,
		"store":     cfg.Dispatch.Store,
		"device_id": cfg.LAN.DeviceID,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

func openRepository(ctx context.Context, cfg config.App, log *logger.Logger) (repository.DispatchRepositoryInterface, func(), error) {
	switch cfg.Dispatch.Store {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Database, log)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx, pool, log); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repository.NewPostgresRepository(pool), pool.Close, nil
	case "sqlite":
		pool, err := sqlitedb.Open(sqlitedb.Config{
			Path:     cfg.SQLite.Path,
			PoolSize: cfg.SQLite.PoolSize,
			Logger:   log.Slog(),
			Schema:   repository.SQLiteSchema,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open dispatch queue: %w", err)
		}
		return repository.NewSQLiteRepository(pool), func() { _ = pool.Close() }, nil
	default:
		log.Warn("dispatch_store_volatile", map[string]any{"store": cfg.Dispatch.Store})
		return repository.NewMemoryRepository(), func() {}, nil
	}
}

func alerter(cfg config.App, log *logger.Logger) service.FailureAlerter {
	if cfg.Telegram.Token == "" {
		return notify.LogAlerter{Log: log}
	}
	a, err := notify.NewTelegramAlerter(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.LAN.DeviceID, log)
	if err != nil {
		log.Error("telegram_init_failed", err, nil)
		return notify.LogAlerter{Log: log}
	}
	return a
}
