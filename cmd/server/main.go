package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stocklot/upl-registry/internal/metrics"
	"github.com/stocklot/upl-registry/internal/registry"
	"github.com/stocklot/upl-registry/internal/service"
	"github.com/stocklot/upl-registry/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Document store ---
	// Backend precedence: postgres > sqlite > file.
	var st store.Store

	switch {
	case os.Getenv("DATABASE_URL") != "":
		pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		st, err = store.NewPostgresStore(context.Background(), pool)
		if err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

	case os.Getenv("SQLITE_PATH") != "":
		var err error
		st, err = store.OpenSQLite(os.Getenv("SQLITE_PATH"))
		if err != nil {
			slog.Error("sqlite open failed", "err", err)
			os.Exit(1)
		}
		slog.Info("using SQLite store", "path", os.Getenv("SQLITE_PATH"))

	default:
		dir := os.Getenv("UPL_DATA_DIR")
		if dir == "" {
			dir = "data"
		}
		var err error
		st, err = store.NewFileStore(dir)
		if err != nil {
			slog.Error("file store init failed", "err", err)
			os.Exit(1)
		}
		slog.Info("using file store", "dir", dir)
	}

	// Mirror written documents into Redis if configured, so downstream
	// services can read current UPL snapshots without hitting this process.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		st = store.NewMirroredStore(st, redis.NewClient(opt), 24*time.Hour)
		slog.Info("Redis mirror enabled")
	}
	defer st.Close()

	// --- Registry ---
	reg := registry.New(st, logger)
	if err := reg.Load(context.Background()); err != nil {
		slog.Error("loading collections failed", "err", err)
		os.Exit(1)
	}
	active, archived := reg.Counts()
	metrics.SetCollectionSizes(active, archived)
	slog.Info("collections loaded", "active", active, "archived", archived)

	// --- WebSocket hub ---
	wsHub := service.NewWSHub()
	go wsHub.Run()

	// --- Service ---
	svc := service.NewService(reg, wsHub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"upl-registry"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("upl-registry listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down upl-registry...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("upl-registry stopped")
}
