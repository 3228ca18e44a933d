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

	"github.com/brdg/exchange-engine/internal/auth"
	"github.com/brdg/exchange-engine/internal/exchange"
	"github.com/brdg/exchange-engine/internal/metrics"
	"github.com/brdg/exchange-engine/internal/store"
	"github.com/brdg/exchange-engine/internal/wager"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret"
		slog.Warn("JWT_SECRET not set, using insecure development secret")
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := exchange.NewHub()
	go hub.Run()

	// --- Services ---
	authSvc := auth.NewService(st, []byte(jwtSecret))
	exchangeSvc := exchange.NewService(st, hub)
	wagerSvc := wager.NewService(st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", hub.HandleWS)

		// Authentication.
		r.Post("/auth/register", authSvc.HandleRegister)
		r.Post("/auth/login", authSvc.HandleLogin)

		// Public pool reads.
		r.Get("/pools", exchangeSvc.HandleListPools)
		r.Get("/pools/{ticker}", exchangeSvc.HandleGetPool)
		r.Get("/pools/{ticker}/history", exchangeSvc.HandleGetHistory)
		r.Get("/leaderboard", exchangeSvc.HandleLeaderboard)
		r.Get("/questions", wagerSvc.HandleListQuestions)

		// Authenticated operations.
		r.Group(func(r chi.Router) {
			r.Use(authSvc.Middleware)

			r.Get("/balance", exchangeSvc.HandleBalance)
			r.Post("/pools", exchangeSvc.HandleUpsertPool)
			r.Post("/buy", exchangeSvc.HandleBuy)
			r.Post("/sell", exchangeSvc.HandleSell)
			r.Get("/holdings/{ticker}/value", exchangeSvc.HandleHoldingValue)
			r.Get("/portfolio", exchangeSvc.HandlePortfolio)

			r.Post("/questions", wagerSvc.HandleCreateQuestion)
			r.Post("/questions/{questionID}/wagers", wagerSvc.HandlePlaceWager)
			r.Post("/questions/{questionID}/resolve", wagerSvc.HandleResolve)
			r.Get("/wagers/total", wagerSvc.HandleTotalWagered)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-engine listening", "port", port)
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

	slog.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}
