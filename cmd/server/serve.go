package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/dfbridge/internal/api"
	"github.com/ashureev/dfbridge/internal/bot"
	"github.com/ashureev/dfbridge/internal/credentials"
	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/events"
	"github.com/ashureev/dfbridge/internal/feed"
	"github.com/ashureev/dfbridge/internal/health"
	"github.com/ashureev/dfbridge/internal/middleware"
	"github.com/ashureev/dfbridge/internal/platform"
	"github.com/ashureev/dfbridge/internal/scheduler"
	"github.com/ashureev/dfbridge/internal/settings"
	"github.com/ashureev/dfbridge/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge HTTP service (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "store", cfg.Store.Driver)

	// Persistence.
	repo, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DBPath, cfg.Store.RedisURL, store.WithTTL(cfg.Store.SessionTTL))
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		slog.Error("Session store health check failed", "error", err)
		return err
	}
	slog.Info("Session store connected")

	// Agent registry.
	registry, err := settings.NewRegistry(viper.New(), cfg.AgentsFile)
	if err != nil {
		return fmt.Errorf("agent registry: %w", err)
	}
	if err := registry.Load(); err != nil {
		slog.Error("Failed to load agent registry", "path", registry.Path(), "error", err)
		return err
	}
	slog.Info("Agent registry loaded", "path", registry.Path(), "agents", len(registry.Agents()), "bot", registry.BotUsername())

	// Platform and backend.
	platformClient := platform.NewClient(cfg.Platform.URL, cfg.Platform.Token)
	tokens := credentials.NewCache(platformClient, credentials.Options{TokenURL: cfg.TokenURL})
	registry.Watch(ctx, func() {
		tokens.Invalidate()
		slog.Info("Agent registry reloaded, cached tokens invalidated")
	})

	resolver := settings.NewResolver(repo, registry)
	backend := dialogflow.NewClient(platformClient, resolver, tokens, repo, dialogflow.Options{
		Timeout: cfg.BackendTimeout,
	})

	publisher := events.Connect(ctx, cfg.Events.AMQPURL, cfg.Events.Exchange, slog.Default())
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			slog.Error("Failed to close event publisher", "error", closeErr)
		}
	}()

	hub := feed.NewHub()
	jobs := scheduler.New(repo, cfg.SchedulerInterval)

	coord := bot.New(bot.Deps{
		Sessions:  repo,
		Backend:   backend,
		Platform:  platformClient,
		Configs:   resolver,
		Agents:    registry,
		Scheduler: jobs,
		Feed:      hub,
		Events:    publisher,
	})
	coord.RegisterJobs(jobs)
	jobs.Start(ctx)
	slog.Info("Scheduler started", "interval", cfg.SchedulerInterval)

	// Optional gRPC health service.
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "port", cfg.GRPCPort, "error", err)
			return err
		}
		healthServer := health.NewServer(repo, 0)
		go func() {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := healthServer.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Router.
	handler := api.NewHandler(coord, repo)
	wsHandler := feed.NewHandler(hub, cfg.AllowedOrigins)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	handler.RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.WebhookToken(cfg.WebhookToken))
		handler.RegisterRoutes(r)
		r.Get("/ws/rooms/{roomID}", wsHandler.ServeHTTP)
	})

	// Websocket feeds are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("Server failed", "error", err)
		return err
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}
	jobs.Wait()

	slog.Info("Server stopped successfully")
	return nil
}
