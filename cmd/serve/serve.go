// Package serve implements the serve command: the long-running process
// hosting the control API, the per-project worker loops and the training
// orchestrator.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/mikkohei13/quiet-observer/internal/api"
	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/detector"
	"github.com/mikkohei13/quiet-observer/internal/framesource"
	"github.com/mikkohei13/quiet-observer/internal/logging"
	"github.com/mikkohei13/quiet-observer/internal/notify"
	"github.com/mikkohei13/quiet-observer/internal/observability"
	"github.com/mikkohei13/quiet-observer/internal/training"
	"github.com/mikkohei13/quiet-observer/internal/workers"
)

const shutdownTimeout = 2 * time.Minute

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the observer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(settings)
		},
	}
}

func runServer(settings *conf.Settings) error {
	logging.Init(settings.Debug)
	logger := logging.ForService("server")

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer store.Close()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	source := framesource.NewStreamSource(settings)
	runtime := detector.NewYoloRuntime(settings)

	orchestrator := training.NewOrchestrator(store, runtime, settings, metrics)
	if reconciled, err := orchestrator.ReconcileStaleRuns(); err != nil {
		logger.Error("Stale run reconciliation failed", "error", err)
	} else if reconciled > 0 {
		logger.Warn("Reconciled stale training runs", "count", reconciled)
	}

	var publisher workers.DetectionPublisher
	if mp := notify.NewMQTTPublisher(settings); mp != nil {
		if err := mp.Connect(); err != nil {
			logger.Error("MQTT connect failed, detections will not be published", "error", err)
		}
		defer mp.Close()
		publisher = mp
	}

	registry := workers.NewRegistry(workers.Deps{
		Store:     store,
		Source:    source,
		Runtime:   runtime,
		Settings:  settings,
		Metrics:   metrics,
		Publisher: publisher,
	})

	e := echo.New()
	e.HideBanner = true
	api.New(e, store, settings, registry, orchestrator, metrics)

	addr := settings.WebServer.Host + ":" + settings.WebServer.Port
	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("Server started", "addr", addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	// Loops finish their in-flight iteration; inference sessions are closed
	// by the loops' own exit paths.
	if err := registry.StopAll(ctx); err != nil {
		logger.Error("Worker drain failed", "error", err)
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}
