// Command historyapi serves room history over HTTP from the shared event log,
// separately from the relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/arjunkumar811/Excalidraw/internal/config"
	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/history"
	"github.com/arjunkumar811/Excalidraw/internal/metrics"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("historyapi: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.SharedStore(); err != nil {
		return fmt.Errorf("historyapi: %w", err)
	}
	store, err := eventlog.Open(ctx, cfg.StoreConfig(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	r := mux.NewRouter()
	r.Use(history.AccessLog(logger))
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	history.NewHandler(history.NewLoader(store, cfg.HistoryLimit, logger), logger).Register(r)

	srv := &http.Server{
		Addr:         cfg.HistoryAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("historyapi: listening", "addr", cfg.HistoryAddr, "store", cfg.StoreDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
