package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx := context.Background()
	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	cfg := app.Config
	log := app.Logger

	log.Info("starting progresskit server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"async_events", cfg.Progression.AsyncEvents)

	errc := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Info("server listening", "server", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%s server: %w", name, err)
		}
	}

	go serve("api", app.Server)
	if app.Metrics != nil {
		go serve("metrics", app.Metrics.Server)
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
	case err := <-errc:
		log.Error("failed to start server", "error", err)
		exitCode = 1
	}

	log.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Error("error during server shutdown", "error", err)
		exitCode = 1
	}
	if app.Metrics != nil {
		if err := app.Metrics.Shutdown(shutdownCtx); err != nil {
			log.Error("error during metrics shutdown", "error", err)
		}
	}

	// flushes queued events and closes the store before exit
	cleanup()
	log.Info("server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
