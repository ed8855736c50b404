package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/docbox/internal/api"
	"github.com/p-arndt/docbox/internal/compat"
	"github.com/p-arndt/docbox/internal/config"
	"github.com/p-arndt/docbox/internal/docker"
	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/localenv"
	"github.com/p-arndt/docbox/internal/reaper"
	"github.com/p-arndt/docbox/internal/relay"
	"github.com/p-arndt/docbox/internal/session"
	"github.com/p-arndt/docbox/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func openDriver(cfg *config.Config) (environment.Driver, error) {
	if cfg.Driver == "local" {
		d, err := localenv.New(filepath.Join(cfg.DataDir, "envs"))
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	c, err := docker.New()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Listen,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.HTTPWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stdout)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return err
	}
	defer st.Close()

	drv, err := openDriver(cfg)
	if err != nil {
		logger.Error("environment driver", "driver", cfg.Driver, "error", err)
		return err
	}
	defer drv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := drv.Ping(ctx); err != nil {
		logger.Error("driver ping failed", "driver", cfg.Driver, "error", err)
		return err
	}
	logger.Info("environment driver OK", "driver", cfg.Driver)

	mgr := session.NewManager(cfg, st, drv, compat.Default(), logger)

	rpr := reaper.New(st, drv, cfg.ReaperInterval, logger)
	rpr.SetSessionManager(mgr)
	go rpr.Run(ctx)

	hub := relay.NewHub(cfg.Relay, mgr, logger)
	srv := api.NewServer(cfg, mgr, hub, logger)

	httpServer := newHTTPServer(cfg, srv.Handler())

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		hub.CloseAll()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen, "max_sessions", cfg.MaxSessions)
	fmt.Fprintf(os.Stderr, "\n  docbox daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}
