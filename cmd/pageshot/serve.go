package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"pageshot/internal/apikeys"
	"pageshot/internal/app"
	"pageshot/internal/history"
	u "pageshot/internal/utils"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve screenshots over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			return runServer(u.GetConfig())
		},
	}
}

func runServer(cfg u.Config) error {
	var rdb *redis.Client
	if cfg.Cache.RedisHost != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.ScreenshotCacheDB,
		})
		defer rdb.Close()
	}

	rec, err := history.New(cfg.History.Postgres)
	if err != nil {
		// History is optional; the service runs without it.
		u.Error("Capture history unavailable", "error", err)
		rec = history.Nop{}
	}
	defer rec.Close()

	fiberApp, svc := app.SetupApp(cfg, rdb, rec)
	defer svc.Close()

	keysCtx, stopKeys := context.WithCancel(context.Background())
	defer stopKeys()
	if cfg.Auth.FromPostgres {
		startAPIKeys(keysCtx, cfg, rec)
	}

	idleConnsClosed := make(chan struct{})
	startServer(fiberApp, cfg, idleConnsClosed)
	<-idleConnsClosed
	return nil
}

// startAPIKeys loads keys from the history database on top of auth.tokens.
// Without it the service keeps serving with the configured keys only.
func startAPIKeys(ctx context.Context, cfg u.Config, rec history.Recorder) {
	pg, ok := rec.(*history.Postgres)
	if !ok {
		u.Error("API keys from Postgres unavailable: history database not connected")
		return
	}
	if err := apikeys.Start(ctx, pg.DB(), cfg.Auth.Tokens, cfg.Auth.RefreshInterval); err != nil {
		u.Error("Failed to load API keys from Postgres", "error", err)
		return
	}
	u.Info("API keys loaded from Postgres", "refresh_interval", cfg.Auth.RefreshInterval)
}

// startServer starts the Fiber app and blocks until SIGINT/SIGTERM.
func startServer(app *fiber.App, cfg u.Config, idleConnsClosed chan struct{}) {
	go func() {
		u.Info("Server listening", "addr", cfg.Server.Host+cfg.Server.Port)
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			u.Error("Server error", "error", err)
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigint)
	<-sigint

	u.Warn("Shutdown signal received, closing server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	u.Info("Server stopped cleanly")
}
