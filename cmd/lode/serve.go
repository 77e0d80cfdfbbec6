package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dejisec/lode/internal/config"
	"github.com/dejisec/lode/internal/index"
	"github.com/dejisec/lode/internal/logging"
	"github.com/dejisec/lode/internal/serve"
	"github.com/dejisec/lode/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve recorded runs over HTTP",
	Long: `Serve exposes recorded runs over a read-only HTTP API: list and
inspect runs, fetch reports, and follow a live run's events over a
websocket at /v1/runs/{run_id}/stream.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default LODE_SERVE_ADDR or :8080)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if serveAddr != "" {
		cfg.ServeAddr = serveAddr
	}
	log := logging.New(os.Stderr, cfg.LogLevel)

	idx, err := index.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open run catalog: %w", err)
	}
	defer idx.Close()

	e := serve.NewServer(idx, store.New(cfg.RunsDir), log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
	}()

	log.Info("serving recorded runs", "addr", cfg.ServeAddr, "runs_dir", cfg.RunsDir)
	if err := e.Start(cfg.ServeAddr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
