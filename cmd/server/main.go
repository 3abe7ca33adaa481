// Open Dialogue - turn-taking server for a moderated dialogue between two AI agents
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
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/open-dialogue/internal/api"
	"github.com/ashureev/open-dialogue/internal/config"
	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/generation"
	"github.com/ashureev/open-dialogue/internal/identity"
	"github.com/ashureev/open-dialogue/internal/live"
	"github.com/ashureev/open-dialogue/internal/metrics"
	"github.com/ashureev/open-dialogue/internal/middleware"
	"github.com/ashureev/open-dialogue/internal/notify"
	"github.com/ashureev/open-dialogue/internal/poller"
	"github.com/ashureev/open-dialogue/internal/prompt"
	"github.com/ashureev/open-dialogue/internal/scheduler"
	"github.com/ashureev/open-dialogue/internal/store"
	"github.com/ashureev/open-dialogue/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"agent_a", cfg.Roster.A.Name,
		"agent_b", cfg.Roster.B.Name,
		"timezone", cfg.DisplayTimezone)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close transcript store", "error", closeErr)
		}
	}()

	if err := st.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	gen, closeGen := newGenerator(cfg, logger)
	defer closeGen()

	notifier := newNotifier(ctx, cfg, logger)
	defer func() {
		if closeErr := notifier.Close(); closeErr != nil {
			slog.Warn("Failed to close notifier", "error", closeErr)
		}
	}()

	hub := live.NewHub(logger)
	builder := prompt.NewBuilder(cfg.Location)

	registry := scheduler.NewRegistry(ctx, func(conversationID string) *scheduler.Session {
		s := scheduler.NewSession(scheduler.Config{
			ConversationID: conversationID,
			Roster:         cfg.Roster,
			Settings:       cfg.Settings,
			ToolsEnabled:   cfg.GeneratorTools,
			Store:          st,
			Generator:      gen,
			Builder:        builder,
			Recorder:       collector,
			Logger:         logger,
		})
		s.OnAppend(func(e domain.Entry) { hub.Broadcast(conversationID, e) })
		return s
	}, logger)

	refresher := poller.New(poller.Config{
		Registry:             registry,
		Store:                st,
		Notifier:             notifier,
		Observer:             collector,
		TranscriptInterval:   cfg.TranscriptPollInterval,
		ConversationInterval: cfg.ConversationPollInterval,
		OnRemoved:            hub.CloseConversation,
		Logger:               logger,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(st, registry, refresher, notifier, hub, identity.Admin{Name: cfg.AdminName, Password: cfg.AdminPassword}, logger)
	conversationHandler := api.NewConversationHandler(baseHandler)
	healthHandler := api.NewHealthHandler(st)
	wsHandler := live.NewWebSocketHandler(hub, baseHandler.Backlog, func(r *http.Request) string {
		return chi.URLParam(r, "id")
	}, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(collector.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(middleware.RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	conversationHandler.RegisterRoutes(r)
	r.Get("/ws/conversations/{id}", wsHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Serve embedded moderator console (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket viewers are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return refresher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	// Drivers stop at their next turn boundary once ctx is cancelled.
	registry.Wait()
	slog.Info("Server stopped successfully")
}

// newGenerator connects to the generator service. Scripted replies are used
// only when none is configured; an unreachable service fails every turn.
func newGenerator(cfg *config.Config, logger *slog.Logger) (generation.Generator, func()) {
	if cfg.GeneratorAddr == "" {
		slog.Info("GENERATOR_ADDR not set, using scripted replies")
		return generation.NewScripted(nil, 0), func() {}
	}

	slog.Info("Connecting to generator service via gRPC", "address", cfg.GeneratorAddr)
	client, err := generation.NewGrpcClient(cfg.GeneratorAddr, logger)
	if err != nil {
		slog.Error("Failed to connect to generator, agent turns will fail", "error", err)
		return generation.Unavailable{Cause: err}, func() {}
	}
	return client, client.Close
}

// newNotifier connects to Redis for cross-instance change signals when
// REDIS_ADDR is set.
func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) notify.Notifier {
	if cfg.RedisAddr == "" {
		return notify.Noop{}
	}
	n, err := notify.NewRedis(ctx, cfg.RedisAddr, logger)
	if err != nil {
		slog.Warn("Redis unavailable, change notifications disabled", "error", err)
		return notify.Noop{}
	}
	slog.Info("Change notifications enabled", "redis", cfg.RedisAddr)
	return n
}
