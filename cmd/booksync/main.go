package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recomma/booksync/balance"
	"github.com/recomma/booksync/cache"
	"github.com/recomma/booksync/cmd/booksync/internal/config"
	"github.com/recomma/booksync/decimals"
	"github.com/recomma/booksync/hl"
	"github.com/recomma/booksync/internal/api"
	"github.com/recomma/booksync/internal/origin"
	rlog "github.com/recomma/booksync/log"
	"github.com/recomma/booksync/market"
	"github.com/recomma/booksync/orchestrator"
	"github.com/recomma/booksync/signals"
	"github.com/recomma/booksync/storage"
	"github.com/recomma/booksync/stream"
	"github.com/recomma/booksync/stream/wsfeed"
)

func fatal(msg string, err error) {
	slog.Error(msg, rlog.Err(err))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}

	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	handler, logCloser, err := config.GetLogHandler(cfg)
	if err != nil {
		fatal("log init failed", err)
	}
	defer logCloser.Close()

	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCtx = rlog.ContextWithLogger(appCtx, logger)

	if err := run(appCtx, cfg); err != nil {
		fatal("booksync stopped", err)
	}
	logger.Debug("fully shutdown")
}

func run(ctx context.Context, cfg config.AppConfig) error {
	logger := rlog.LoggerFromContext(ctx)

	var store *storage.Storage
	if cfg.StoragePath != "" {
		s, err := storage.New(cfg.StoragePath,
			storage.WithLogger(rlog.Component(ctx, "storage")),
			storage.WithQueryLogging(rlog.Component(ctx, "storage").WithGroup("sql")),
		)
		if err != nil {
			return err
		}
		defer s.Close()
		if cfg.SnapshotRetention > 0 {
			n, err := s.PruneSnapshots(ctx, time.Now().Add(-cfg.SnapshotRetention))
			if err != nil {
				logger.Warn("snapshot prune failed", rlog.Err(err))
			} else if n > 0 {
				logger.Info("pruned old snapshots", slog.Int64("removed", n))
			}
		}
		store = s
	}

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	source := buildSource(ctx, cfg, reg)

	bookCache := cache.New(
		cache.WithStaleAfter(cfg.StaleAfter),
		cache.WithSweepInterval(cfg.SweepInterval),
		cache.WithLogger(rlog.Component(ctx, "cache")),
	)
	bus := signals.NewBus(signals.WithLogger(rlog.Component(ctx, "signals")))

	marketOpts := []market.Option{
		market.WithLogger(rlog.Component(ctx, "market")),
		market.WithOrchestratorOptions(
			orchestrator.WithLogger(rlog.Component(ctx, "orchestrator")),
			orchestrator.WithMaxRetries(cfg.MaxRetries),
			orchestrator.WithBaseDelay(cfg.RetryBaseDelay),
			orchestrator.WithMaxDelay(cfg.RetryMaxDelay),
			orchestrator.WithMinFetchInterval(cfg.MinFetchInterval),
			orchestrator.WithContinuous(cfg.Continuous),
			orchestrator.WithIncludeHistorical(cfg.IncludeHistorical),
		),
	}
	if store != nil {
		marketOpts = append(marketOpts, market.WithStore(store))
	}
	books := market.New(bookCache, source, reg, marketOpts...)
	defer books.Close()

	if _, err := books.Warm(ctx); err != nil {
		logger.Warn("cache warm failed", rlog.Err(err))
	}

	handlerOpts := []api.HandlerOption{
		api.WithLogger(rlog.Component(ctx, "api")),
		api.WithSignals(bus),
		api.WithGetTimeout(cfg.GetTimeout),
	}

	var balances *balance.Service
	var balanceCache *balance.Cache[balance.Key, balance.Balance]
	if cfg.EthRPCURL != "" {
		reader, err := balance.DialEth(ctx, cfg.EthRPCURL)
		if err != nil {
			return err
		}
		defer reader.Close()
		balanceCache = balance.NewCache[balance.Key, balance.Balance](
			balance.WithTTL(cfg.BalanceTTL),
			balance.WithSweepInterval(cfg.BalanceSweep),
		)
		balances = balance.NewService(reader, balanceCache, balance.WithLogger(rlog.Component(ctx, "balance")))
		handlerOpts = append(handlerOpts, api.WithBalances(balances))
	} else {
		logger.Info("balance reads disabled, no eth rpc url")
	}

	allowedOrigins := origin.Allowed(cfg.HTTPListen, cfg.CORSOrigins)
	apiHandler := api.NewHandler(books, handlerOpts...)
	srv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           api.CORS(apiHandler.Routes(), allowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bookCache.Run(gctx)
		return nil
	})
	g.Go(func() error {
		books.ListenForRefresh(gctx, bus)
		return nil
	})
	if balances != nil {
		g.Go(func() error {
			balanceCache.Run(gctx)
			return nil
		})
		g.Go(func() error {
			balances.ListenForRefresh(gctx, bus)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("HTTP API listening",
			slog.String("addr", srv.Addr),
			slog.String("source", cfg.Source),
			slog.Any("origins", allowedOrigins),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		return drainHTTPServer(srv)
	})

	return g.Wait()
}

func buildSource(ctx context.Context, cfg config.AppConfig, reg *decimals.Registry) stream.Source {
	logger := rlog.Component(ctx, "source")
	switch cfg.Source {
	case config.SourceHyperliquid:
		info := hl.NewInfo(ctx, cfg.Hyperliquid)
		n, err := hl.LoadDecimals(ctx, info, reg)
		if err != nil {
			logger.Warn("hyperliquid metadata unavailable, using configured decimals", rlog.Err(err))
		} else {
			logger.Info("hyperliquid decimals loaded", slog.Int("tokens", n))
		}
		return hl.NewOrderStream(hl.DialWebsocket(cfg.Hyperliquid),
			hl.WithOrderStreamLogger(rlog.Component(ctx, "hyperliquid")),
		)
	default:
		return wsfeed.New(cfg.FeedURL, wsfeed.WithLogger(rlog.Component(ctx, "wsfeed")))
	}
}

func drainHTTPServer(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
