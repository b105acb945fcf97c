package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fleetopt/internal/api"
	"fleetopt/internal/config"
	"fleetopt/internal/logging"
	"fleetopt/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetopt api:", err)
		os.Exit(1)
	}
}

func run() error {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background(), shutdownTracing, log)

	srvDeps, err := api.NewServer(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	srvDeps.StartWorkers()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srvDeps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "API listening", logging.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info(context.Background(), "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpErr := srv.Shutdown(shutdownCtx)
	return errors.Join(httpErr, srvDeps.Shutdown(shutdownCtx))
}
