package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/manenim/adaptive-rate-limiter/internal/config"
	"github.com/manenim/adaptive-rate-limiter/pkg/limiter"
	"github.com/manenim/adaptive-rate-limiter/pkg/metrics"
	"github.com/manenim/adaptive-rate-limiter/pkg/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, health, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(reg, metrics.WithLogger(logger))

	opts := append(cfg.Limiter.EngineOptions(),
		limiter.WithRecorder(recorder),
		limiter.WithLogger(logger),
	)
	engine, err := limiter.NewEngine(store, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           newRouter(engine, cfg.Limiter, recorder, reg, health, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("addr", srv.Addr),
			slog.String("store", cfg.Store.Backend),
			slog.String("algorithm", engine.Algorithm().String()),
			slog.Int64("base_limit", engine.BaseLimit()),
			slog.Duration("window", engine.Window()),
		)
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

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore returns the shared store, a health probe for it, and a cleanup.
func openStore(ctx context.Context, cfg config.StoreConfig) (limiter.Store, func(context.Context) error, func(), error) {
	if cfg.Backend == "memory" {
		store := limiter.NewMemoryStore(nil)
		store.StartJanitor(ctx, time.Minute)
		return store, func(context.Context) error { return nil }, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,

		// The engine never retries; a failed check is answered with 500.
		MaxRetries: -1,

		// Bound every round-trip by the engine's store timeout, not ReadTimeout.
		ContextTimeoutEnabled: true,
	})
	store, err := limiter.NewRedisStore(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	health := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return store, health, func() { _ = store.Close() }, nil
}

func newRouter(
	decider limiter.Decider,
	lc config.LimiterConfig,
	recorder limiter.MetricsRecorder,
	reg *prometheus.Registry,
	health func(context.Context) error,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Middleware(decider, middleware.Options{
			KeyHeader:           lc.KeyHeader,
			TrustXForwardedFor:  lc.TrustXFF,
			PerEndpoint:         lc.PerEndpoint,
			EndpointFn:          middleware.RoutePattern,
			AddRateLimitHeaders: true,
			Recorder:            recorder,
			Logger:              logger,
		}))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the store"})
		})
		r.Post("/add_to_cart", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "Item added to cart"})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
