package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DigZan/CarPi/internal/bluetooth"
	"github.com/DigZan/CarPi/internal/bus"
	"github.com/DigZan/CarPi/internal/config"
	"github.com/DigZan/CarPi/internal/logging"
	"github.com/DigZan/CarPi/internal/sensors"
	"github.com/DigZan/CarPi/internal/store"
	"github.com/DigZan/CarPi/internal/web"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the carpid daemon",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runDaemon(); err != nil {
				fmt.Fprintf(os.Stderr, "carpid: %s\n", err)
				os.Exit(1)
			}
		},
	}
}

func runDaemon() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogDir); err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	events := bus.New()
	manager := bluetooth.NewManager(cfg.Bluetooth, events, db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(ctx) })
	if cfg.GPS.Enabled {
		gps := sensors.NewGPS(cfg.GPS, events, db)
		g.Go(func() error { return gps.Run(ctx) })
	}
	if cfg.Web.Enabled {
		dashboard := web.NewServer(cfg.Web, events, db)
		g.Go(func() error { return dashboard.Run(ctx) })
	}

	if watcher, werr := config.NewWatcher(cfgPath, func(c *config.Config) {
		manager.ApplyConfig(c.Bluetooth)
	}); werr != nil {
		slog.Warn("config hot-reload disabled", "error", werr)
	} else {
		if werr := watcher.Start(); werr != nil {
			slog.Warn("config hot-reload disabled", "error", werr)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("carpid running", "config", cfgPath, "db", cfg.DBPath)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("carpid stopped")
	return nil
}
