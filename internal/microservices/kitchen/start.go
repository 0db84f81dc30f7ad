package kitchen

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/config"
	"bakery-kds/internal/common/httpx"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/lan"
	"bakery-kds/internal/microservices/kitchen/autoremove"
	"bakery-kds/internal/microservices/kitchen/handlers"
	"bakery-kds/internal/microservices/kitchen/queue"
	"bakery-kds/internal/microservices/kitchen/receiver"
	"bakery-kds/internal/microservices/kitchen/service"
	"bakery-kds/internal/notify"
)

// Start runs one station display: the display loop, the LAN receiver and
// the HTTP API with its live feed. It blocks until ctx is cancelled or a
// component fails.
func Start(ctx context.Context, cfg config.App, ch lan.Channel, clk clock.Clock, log *logger.Logger) error {
	station, err := domain.ParseStation(cfg.Kitchen.Station)
	if err != nil {
		return fmt.Errorf("kitchen.station: %w", err)
	}
	log = log.With(map[string]any{"station": station.String()})

	d := service.NewDisplay(service.Config{
		Station:           station,
		Queue:             queue.Config{UrgentAfter: cfg.Kitchen.UrgentAfter, CriticalAfter: cfg.Kitchen.CriticalAfter},
		RecomputeInterval: cfg.Kitchen.RecomputeInterval,
		AutoRemove:        autoremove.Config{Delay: cfg.Kitchen.AutoRemoveDelay, ExitDelay: cfg.Kitchen.ExitDelay},
		AlertInterval:     cfg.Kitchen.AlertInterval,
		SoundEnabled:      cfg.Kitchen.SoundEnabled,
	}, clk, notify.PlayerByName(cfg.Kitchen.Sound, os.Stdout, log), log)

	router := httpx.NewRouter(log, cfg.HTTP.AllowedOrigins)
	svc := service.New(d)
	handlers.Register(router, handlers.New(svc.DisplayService, log))
	srv := httpx.New(fmt.Sprintf(":%d", cfg.HTTP.Port), router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })

	unsubscribe := receiver.Subscribe(ch, station, d.HandleNewOrder, receiver.Options{
		DeviceID:         cfg.LAN.DeviceID,
		SoundEnabled:     cfg.Kitchen.SoundEnabled,
		PlaySound:        d.PlayNewOrder,
		ExistingOrderIDs: d.OrderIDs,
		AckTimeout:       cfg.LAN.SendTimeout,
		Clock:            clk,
		Log:              log,
	})
	defer unsubscribe()

	g.Go(func() error { return srv.Run(gctx) })

	log.Info("display_started", map[string]any{"port": cfg.HTTP.Port, "device_id": cfg.LAN.DeviceID})
	return g.Wait()
}
