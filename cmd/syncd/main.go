package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/ambleapp/amble/internal/media"
	"github.com/ambleapp/amble/internal/setup"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// ShutdownTimeout bounds how long cleanup may take after an interrupt.
const ShutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "syncd",
		Usage: "Start the Amble sync maintenance daemon",
		Action: func(ctx context.Context, _ *cli.Command) error {
			return runDaemon(ctx)
		},
	}

	return app.Run(context.Background(), os.Args)
}

// runDaemon hosts the background maintenance loops: the orphan session
// sweeper and the media cache pressure monitor.
func runDaemon(ctx context.Context) error {
	app, err := setup.InitializeApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Orphan sweeper clears state left behind by sessions whose
	// heartbeat lapsed without a graceful close
	reaper := broadcast.NewReaper(app.Broadcast, app.Bookkeeping, app.Logger)
	sweepInterval := time.Duration(app.Config.Sync.Session.SweepInterval) * time.Second

	go reaper.Run(runCtx, sweepInterval)

	// Memory pressure monitor releases the media cache under host pressure
	if interval := app.Config.Sync.Media.PressureInterval; interval > 0 {
		monitor := media.NewMonitor(app.MediaCache, time.Duration(interval)*time.Second, app.Logger)
		go monitor.Run(runCtx)
	}

	app.Logger.Info("Sync daemon started", zap.Duration("sweep_interval", sweepInterval))

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case <-ctx.Done():
	}

	app.Logger.Info("Shutting down sync daemon...")
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	app.Cleanup(shutdownCtx)
	app.Logger.Info("Sync daemon stopped")

	return nil
}
