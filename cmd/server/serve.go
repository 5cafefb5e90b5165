package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/chatd/internal/api"
	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/identity"
	"github.com/eldtechnologies/chatd/internal/registry"
	"github.com/eldtechnologies/chatd/internal/store"
	"github.com/eldtechnologies/chatd/internal/ws"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Run the HTTP API and websocket server",
	Action: cmdServe,
}

func cmdServe(c *cli.Context) error {
	cfg := getConfig(c)
	logger := getLogger(c)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TokenPublicKey == "" {
		return errors.New("TOKEN_PUBLIC_KEY is required to serve")
	}

	ds, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ds.Close()

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	resolver, err := identity.NewTokenResolver(cfg.TokenPublicKey, ds)
	if err != nil {
		return fmt.Errorf("TOKEN_PUBLIC_KEY: %w", err)
	}

	opts := chat.Options{Store: ds, Registry: registry.New(), Logger: logger}
	if redisStore != nil {
		opts.Typing = redisStore
	}
	svc := chat.NewService(opts)

	push := ws.NewHandler(svc, resolver, ws.Config{
		QueueSize:      cfg.SessionQueueSize,
		WriteTimeout:   cfg.WSWriteTimeout,
		PingInterval:   cfg.WSPingInterval,
		OriginPatterns: cfg.AllowedOrigins,
	}, logger)

	router := api.NewRouter(logger, api.Deps{
		Service:  svc,
		Store:    ds,
		Redis:    redisStore,
		Resolver: resolver,
		Push:     push,
	}, api.Options{
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitWhitelist: cfg.RateLimitWhitelist,
		AutoBlockEnabled:   cfg.AutoBlockEnabled,
	})

	// Websocket sessions outlive Shutdown, which does not track hijacked
	// connections; they are cancelled through the base context afterwards.
	sessionsCtx, closeSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer closeSessions()

	// No read or write timeout: they would apply to upgraded connections too.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return sessionsCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("postgres", cfg.UsePostgres()).
			Bool("redis", redisStore != nil).
			Msg("starting chatd server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		closeSessions()
		drainSessions(shutdownCtx, svc.Registry())
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// drainSessions waits until every websocket session has unregistered.
func drainSessions(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, sessions := reg.Stats(); sessions == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
