// Package app wires configuration, the LAN channel and the services for
// each run mode of the binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/codec"
	"bakery-kds/internal/common/config"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/connections/database"
	"bakery-kds/internal/connections/rabbitmq"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/lan"
	"bakery-kds/internal/microservices/dispatch"
	"bakery-kds/internal/microservices/kitchen"
)

const (
	ModePOSDispatcher  = "pos-dispatcher"
	ModeKitchenDisplay = "kitchen-display"
	ModeStandalone     = "standalone"
	ModeMigrate        = "migrate"
)

var ErrUnknownMode = errors.New("unknown mode")

// Options are the command-line overrides. Zero values keep the config file.
type Options struct {
	Mode       string
	ConfigPath string
	Station    string
	Port       int
	DeviceID   string
}

func Modes() []string {
	return []string{ModePOSDispatcher, ModeKitchenDisplay, ModeStandalone, ModeMigrate}
}

// LoadConfig reads the config file (or the default location) and applies
// the command-line overrides.
func LoadConfig(opts Options) (config.App, error) {
	path := opts.ConfigPath
	if path == "" {
		if found, err := config.FindConfig(); err == nil {
			path = found
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.App{}, err
	}
	if opts.Station != "" {
		cfg.Kitchen.Station = opts.Station
	}
	if opts.Port != 0 {
		cfg.HTTP.Port = opts.Port
	}
	if opts.DeviceID != "" {
		cfg.LAN.DeviceID = opts.DeviceID
	}
	if cfg.LAN.DeviceID == "" {
		cfg.LAN.DeviceID = defaultDeviceID(opts.Mode, cfg.Kitchen.Station)
	}
	return cfg, nil
}

func defaultDeviceID(mode, station string) string {
	host, _ := os.Hostname()
	if mode == ModeKitchenDisplay {
		return fmt.Sprintf("kds-%s-%s", station, host)
	}
	return "pos-" + host
}

// Run starts the given mode and blocks until ctx is done or it fails.
func Run(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	logger.Configure(nil, cfg.Log.Level)
	log := logger.New(opts.Mode)
	clk := clock.Real()

	switch opts.Mode {
	case ModeMigrate:
		return migrate(ctx, cfg, log)
	case ModePOSDispatcher:
		return withChannel(ctx, cfg, clk, log, func(ctx context.Context, ch lan.Channel) error {
			return dispatch.Start(ctx, cfg, ch, clk, log)
		})
	case ModeKitchenDisplay:
		return withChannel(ctx, cfg, clk, log, func(ctx context.Context, ch lan.Channel) error {
			return kitchen.Start(ctx, cfg, ch, clk, log)
		})
	case ModeStandalone:
		return standalone(ctx, cfg, clk, log)
	default:
		return fmt.Errorf("%w %q", ErrUnknownMode, opts.Mode)
	}
}

func migrate(ctx context.Context, cfg config.App, log *logger.Logger) error {
	pool, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	return database.Migrate(ctx, pool, log)
}

// withChannel runs fn against a RabbitMQ-backed LAN channel that keeps
// reconnecting in the background.
func withChannel(ctx context.Context, cfg config.App, clk clock.Clock, log *logger.Logger,
	fn func(context.Context, lan.Channel) error) error {
	if !cfg.RabbitConfigured() {
		return fmt.Errorf("rabbitmq.host is required for the LAN channel (or use --mode=%s)", ModeStandalone)
	}
	c, err := codec.ByName(cfg.LAN.Codec)
	if err != nil {
		return err
	}
	ch := lan.NewAMQP(lan.AMQPConfig{
		Rabbit: rabbitmq.Config{
			Host:     cfg.Rabbit.Host,
			Port:     cfg.Rabbit.Port,
			User:     cfg.Rabbit.User,
			Password: cfg.Rabbit.Pass,
			VHost:    cfg.Rabbit.VHost,
		},
		DeviceID:          cfg.LAN.DeviceID,
		Exchange:          cfg.LAN.Exchange,
		Codec:             c,
		ReconnectInterval: cfg.LAN.ReconnectInterval,
	}, log.With(map[string]any{"component": "lan"}), clk)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ch.Run(gctx) })
	g.Go(func() error { return fn(gctx, ch) })
	return g.Wait()
}

// standalone runs the dispatcher and one display per station in one
// process over an in-memory LAN. Displays listen on consecutive ports after
// the dispatcher's.
func standalone(ctx context.Context, cfg config.App, clk clock.Clock, log *logger.Logger) error {
	c, err := codec.ByName(cfg.LAN.Codec)
	if err != nil {
		return err
	}
	hub := lan.NewHub(c, clk)

	g, gctx := errgroup.WithContext(ctx)
	pos := hub.Join(cfg.LAN.DeviceID, log)
	defer pos.Close()
	g.Go(func() error { return dispatch.Start(gctx, cfg, pos, clk, log) })

	stations := append(domain.DispatchStations(), domain.StationAll)
	for i, st := range stations {
		kcfg := cfg
		kcfg.Kitchen.Station = st.String()
		kcfg.HTTP.Port = cfg.HTTP.Port + i + 1
		kcfg.LAN.DeviceID = "kds-" + st.String()
		klog := logger.New("kitchen-display")
		ch := hub.Join(kcfg.LAN.DeviceID, klog)
		defer ch.Close()
		g.Go(func() error { return kitchen.Start(gctx, kcfg, ch, clk, klog) })
	}
	log.Info("standalone_started", map[string]any{"dispatcher_port": cfg.HTTP.Port, "displays": len(stations)})
	return g.Wait()
}
