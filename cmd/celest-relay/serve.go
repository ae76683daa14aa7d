package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cozyclaw/celest-relay/internal/queue"
	"github.com/cozyclaw/celest-relay/internal/relay"
	"github.com/cozyclaw/celest-relay/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := queue.NewStore(cfg.Queue.Dir)
		if err != nil {
			return err
		}
		router := relay.NewRouter(store, cfg.Sessions.DeliveryInterval())
		defer router.Shutdown()

		lifecycle := relay.NewLifecycle(store, router, relay.LifecycleConfig{
			MessageTTL:   cfg.Queue.MessageTTL(),
			IdleTimeout:  cfg.Sessions.IdleTimeout(),
			GraceWindow:  cfg.Sessions.GraceWindow(),
			ReapInterval: cfg.Sessions.ReapInterval(),
		})
		lifecycle.Start()
		defer lifecycle.Stop()

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.New(store, router).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			slog.Info("relay listening", "addr", cfg.Server.Addr, "queue", cfg.Queue.Dir)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
