package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/atmx/contest-engine/internal/api"
	"github.com/atmx/contest-engine/internal/config"
	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/dataset"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/ledger"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/replay"
	"github.com/atmx/contest-engine/internal/risk"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/store"
	"github.com/atmx/contest-engine/internal/tickcache"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var pool *pgxpool.Pool
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
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

	// --- Historical dataset ---
	ds, err := loadDataset(ctx, cfg, pool)
	if err != nil {
		slog.Error("dataset load failed", "err", err)
		os.Exit(1)
	}
	slog.Info("dataset loaded",
		"instruments", len(ds.Instruments()),
		"start", ds.Start(),
		"duration", ds.Duration().String(),
	)

	// --- Tick cache ---
	timeframes, _ := instrument.ParseTimeframes(cfg.Contest.Timeframes) // validated by config.Load
	cache := tickcache.New(cfg.Cache.Capacity, tickcache.NewAggregator(timeframes, cfg.Cache.CandleCapacity))

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(cfg.Hub.MailboxSize)

	// --- Ledger, settlement, lifecycle ---
	limiter := risk.NewPositionLimiter(cfg.Risk.MaxPositionValue, cfg.Risk.OrdersPerSecond, cfg.Risk.Burst)
	ldg := ledger.New(st, cache, ledger.Options{
		InitialCapital: cfg.Contest.InitialCapital,
		MergeShorts:    cfg.Contest.MergeShorts,
		Guard:          limiter,
	})
	if err := ldg.Hydrate(ctx); err != nil {
		slog.Error("ledger hydrate failed", "err", err)
		os.Exit(1)
	}
	engine := settlement.NewEngine(ldg, cache, cfg.Contest.LiquidateLongs)
	dispatcher := replay.New(ds, cache, wsHub, replay.Config{
		Speed:        cfg.Contest.Speed,
		TickInterval: cfg.Contest.TickInterval,
	})
	lifecycle := contest.New(ctx, dispatcher, ldg, engine, cache, wsHub)
	wsHub.WithHistory(lifecycle)

	svc := api.NewService(lifecycle, cache, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", svc.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	probe, err := tickcache.ProcessRSS()
	if err != nil {
		slog.Warn("memory probe unavailable, reactive cache sweep disabled", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return cache.Run(gctx, tickcache.SweepConfig{
			Interval:         cfg.Cache.SweepInterval,
			PressureInterval: cfg.Cache.PressureInterval,
			MemoryThreshold:  cfg.Cache.MemoryThresholdMB * 1024 * 1024,
			Probe:            probe,
		})
	})
	g.Go(func() error {
		slog.Info("contest-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown.
		slog.Info("shutting down contest-engine...")
		lifecycle.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("contest-engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("contest-engine stopped")
}

func loadDataset(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*dataset.Dataset, error) {
	if cfg.Dataset.Path != "" {
		return dataset.LoadCSVFile(cfg.Dataset.Path)
	}
	if pool == nil {
		return nil, errors.New("dataset.table requires database_url")
	}
	return dataset.LoadPostgres(ctx, pool, cfg.Dataset.Table)
}
