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
	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/breaker"
	"github.com/tapx/risk-engine/internal/config"
	"github.com/tapx/risk-engine/internal/engine"
	"github.com/tapx/risk-engine/internal/event"
	"github.com/tapx/risk-engine/internal/exposure"
	"github.com/tapx/risk-engine/internal/metrics"
	"github.com/tapx/risk-engine/internal/oracle"
	"github.com/tapx/risk-engine/internal/pricing"
	"github.com/tapx/risk-engine/internal/ratelimit"
	"github.com/tapx/risk-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize ledger ---
	var ledger store.Ledger
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		ledger = store.NewPostgresLedger(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			ledger = store.NewCachedLedger(ledger, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory ledger (data will not persist)")
		ledger = store.NewMemoryLedger()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	sources := buildSources(cfg.Oracle.Sources)
	orc := oracle.New(sources, oracle.Options{
		FetchTimeout:          cfg.OracleFetchTimeout(),
		CacheTTL:              cfg.OracleCacheTTL(),
		MinSources:            cfg.Oracle.MinSources,
		MaxSpreadPct:          cfg.Oracle.MaxSpreadPct,
		SoftJumpPct:           cfg.Oracle.SoftJumpPct,
		HardJumpPct:           cfg.Oracle.HardJumpPct,
		MaxSourceDeviationPct: cfg.Oracle.MaxSourceDeviationPct,
		RetryDelay:            cfg.OracleRetryDelay(),
	}, nil)

	// --- Risk components ---
	brk := breaker.New(cfg.BreakerWindow(), breaker.Thresholds{
		Elevated: cfg.Breaker.ElevatedVolatility,
		High:     cfg.Breaker.HighVolatility,
		Extreme:  cfg.Breaker.ExtremeVolatility,
		Cooldown: cfg.BreakerCooldown(),
	}, nil)

	tracker := exposure.NewTracker(decimal.NewFromFloat(cfg.Betting.MaxPlatformExposure))
	limiter := ratelimit.NewPerUser(cfg.MinBetInterval())
	priceModel := pricing.NewHeuristic(cfg.Betting.HouseEdge, cfg.Betting.MinMultiplier, cfg.Betting.MaxMultiplier)
	for _, tier := range cfg.Betting.EdgeTiers {
		priceModel.EdgeTiers = append(priceModel.EdgeTiers, pricing.EdgeTier{
			MaxDistance: tier.MaxDistance,
			Edge:        tier.Edge,
		})
	}

	// --- Event fan-out and WebSocket hub ---
	wsHub := event.NewWSHub()
	go wsHub.Run()

	events := event.NewFanout()
	events.Register(wsHub)

	// --- Engine ---
	svc := engine.New(engine.Config{
		MinBet:               decimal.NewFromFloat(cfg.Betting.MinBet),
		MaxBet:               decimal.NewFromFloat(cfg.Betting.MaxBet),
		MaxSinglePayout:      decimal.NewFromFloat(cfg.Betting.MaxSinglePayout),
		MaxDailyPayout:       decimal.NewFromFloat(cfg.Betting.MaxDailyPayout),
		MaxPlatformExposure:  decimal.NewFromFloat(cfg.Betting.MaxPlatformExposure),
		MaxActiveBets:        cfg.Betting.MaxActiveBets,
		InitialBalance:       decimal.NewFromInt(1000),
		MinMultiplier:        cfg.Betting.MinMultiplier,
		FeeRate:              decimal.NewFromFloat(cfg.Betting.FeeRate),
		MinPriceDistancePct:  cfg.Betting.MinPriceDistancePct,
		MaxPriceDistancePct:  cfg.Betting.MaxPriceDistancePct,
		SlippageTolerancePct: cfg.Betting.SlippageTolerancePct,
		MinTargetLead:        cfg.MinTargetLead(),
		MaxTargetLead:        cfg.MaxTargetLead(),
		JitterMin:            time.Duration(cfg.Betting.JitterMinMillis) * time.Millisecond,
		JitterMax:            time.Duration(cfg.Betting.JitterMaxMillis) * time.Millisecond,
		ExpiryGrace:          cfg.ExpiryGrace(),
		SweepInterval:        cfg.SweepInterval(),
		ResolveTimeout:       10 * time.Second,
	}, ledger, orc, priceModel, tracker, brk, limiter, events, nil)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go svc.RunSweeper(sweepCtx)

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
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handlers := engine.NewHandlers(svc)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time bet and breaker events.
		r.Get("/ws", wsHub.HandleWS)

		handlers.Register(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "port", cfg.Server.Port)
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

	slog.Info("shutting down risk-engine...")
	stopSweep()
	svc.Scheduler().Stop()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("risk-engine stopped")
}

// buildSources turns the configured feeds into oracle sources. Without any
// configured feed the engine runs on two static development sources.
func buildSources(configured []config.SourceConfig) []oracle.Source {
	if len(configured) == 0 {
		slog.Warn("no price sources configured, using static development feeds")
		return []oracle.Source{
			oracle.NewStaticSource("dev-alpha", 0.9, 10*time.Second, 100.0),
			oracle.NewStaticSource("dev-beta", 0.8, 10*time.Second, 100.0),
		}
	}

	sources := make([]oracle.Source, 0, len(configured))
	for _, sc := range configured {
		sources = append(sources, oracle.NewHTTPSource(
			sc.Name, sc.URL, sc.PriceField, sc.Reliability, sc.MaxStaleness(), nil))
		slog.Info("price source registered", "name", sc.Name, "reliability", sc.Reliability)
	}
	return sources
}
