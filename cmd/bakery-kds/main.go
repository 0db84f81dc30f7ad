package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"bakery-kds/internal/app"
	"bakery-kds/internal/common/logger"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, app.ErrUnknownMode) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.New("bootstrap").Error("fatal", err, nil)
		os.Exit(1)
	}
}

func run() error {
	var opts app.Options
	flagSet := pflag.NewFlagSet("bakery-kds", pflag.ContinueOnError)
	flagSet.StringVar(&opts.Mode, "mode", "", strings.Join(app.Modes(), " | "))
	flagSet.StringVar(&opts.ConfigPath, "config", "", "path to YAML config (default: config.yaml, then deploy/config.example.yaml)")
	flagSet.StringVar(&opts.Station, "station", "", "kitchen-display: kitchen | barista | display | all")
	flagSet.IntVar(&opts.Port, "port", 0, "http port")
	flagSet.StringVar(&opts.DeviceID, "device-id", "", "id reported on the LAN (default derived from hostname)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.Mode == "" {
		fmt.Fprintf(os.Stderr, "--mode is required: %s\n", strings.Join(app.Modes(), " | "))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.New("bootstrap").Info("service_starting", map[string]any{"mode": opts.Mode})
	return app.Run(ctx, opts)
}
