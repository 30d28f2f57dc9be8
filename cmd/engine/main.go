package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/quantfray/trading-core/internal/api"
	"github.com/quantfray/trading-core/internal/audit"
	"github.com/quantfray/trading-core/internal/book"
	"github.com/quantfray/trading-core/internal/broker"
	"github.com/quantfray/trading-core/internal/config"
	"github.com/quantfray/trading-core/internal/feed"
	"github.com/quantfray/trading-core/internal/metrics"
	"github.com/quantfray/trading-core/internal/position"
	"github.com/quantfray/trading-core/internal/risk"
	"github.com/quantfray/trading-core/internal/store"
)

func main() {
	configPath := flag.String("config", "engine.toml", "path to TOML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Audit sink ---
	var sink audit.Sink = audit.NopSink{}
	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			logger.Error("invalid database DSN", "err", err)
			os.Exit(1)
		}
		if cfg.Postgres.PoolMaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Postgres.PoolMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		sink = audit.NewPostgresSink(pool)
		logger.Info("audit sink connected to PostgreSQL")
	} else {
		logger.Warn("TRADING_POSTGRES_DSN not set, audit records will not persist")
	}

	// --- Book cache ---
	var pub feed.TopOfBookPublisher
	if cfg.Redis.Addr != "" && cfg.Redis.EnableBookPush {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pub = store.NewBookCache(rdb, time.Duration(cfg.Redis.CacheTTLMs)*time.Millisecond)
		logger.Info("book cache enabled", "addr", cfg.Redis.Addr)
	}

	// --- Risk and positions ---
	pb := broker.NewPaperBroker(decimal.NewFromFloat(cfg.Broker.InitialBalance))
	rm := risk.NewFuturesManager(cfg.RiskLimits(), risk.NewKillSwitch(), sink, logger)
	pm := position.NewManager(rm, pb, sink, logger)

	// --- Market data ---
	books := make(map[string]*book.Book, len(cfg.Engine.Symbols))
	for _, sym := range cfg.Engine.Symbols {
		books[sym] = book.New(sym, cfg.BookOptions())
	}
	wsFeed := feed.NewWSFeed(cfg.Feed.WSURL, cfg.Engine.Symbols, logger)
	source := feed.NewHTTPSnapshotSource(cfg.Feed.RestURL, nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return wsFeed.Run(gctx) })
	for _, sym := range cfg.Engine.Symbols {
		sync := feed.NewSynchronizer(cfg.FeedSyncConfig(sym), books[sym], source, wsFeed.Deltas(sym), pub, logger)
		g.Go(func() error { return sync.Run(gctx) })
	}

	// Paper marks track each book's mid so margin math uses live prices.
	g.Go(func() error { return runMarkSync(gctx, books, pb) })

	g.Go(func() error { return pm.RunMonitor(gctx, cfg.MonitorInterval()) })

	// --- HTTP server ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-core"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", api.NewService(books, pm, rm, logger).Routes)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("trading-core listening", "port", cfg.Server.Port, "symbols", strings.Join(cfg.Engine.Symbols, ","))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("trading-core stopped")
}

// runMarkSync copies each book's mid price into the paper broker once a
// second so position marks follow the feed.
func runMarkSync(ctx context.Context, books map[string]*book.Book, pb *broker.PaperBroker) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for sym, bk := range books {
				if !bk.IsValid() {
					continue
				}
				if mid, err := bk.MidPrice(); err == nil {
					pb.SetPrice(sym, mid)
				}
			}
		}
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
