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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/keystone-retail/keystone/internal/app"
	"github.com/keystone-retail/keystone/internal/costing"
	"github.com/keystone-retail/keystone/internal/ledger"
	"github.com/keystone-retail/keystone/internal/platform/cache"
	"github.com/keystone-retail/keystone/internal/platform/db"
	"github.com/keystone-retail/keystone/internal/posting"
	"github.com/keystone-retail/keystone/internal/sequence"
	"github.com/keystone-retail/keystone/internal/shared"
	"github.com/keystone-retail/keystone/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, document summaries uncached", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	ledgerService := ledger.NewService(ledger.NewRepository(pool))
	costingService := costing.NewService(costing.NewRepository(pool))
	issuer := sequence.NewIssuer(sequence.NewRepository(pool))

	postingService := posting.NewService(
		db.NewRunner(pool),
		posting.NewRepository(pool),
		ledgerService,
		costingService,
		issuer,
		logger,
	).
		WithIdempotency(shared.NewIdempotencyStore(pool)).
		WithAudit(shared.NewAuditLogger(pool))
	if redisClient != nil {
		postingService.WithCache(posting.NewRedisCache(redisClient))
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	scanClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := scanClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Pool:           pool,
		LedgerHandler:  ledger.NewHandler(logger, ledgerService),
		CostingHandler: costing.NewHandler(logger, costingService),
		PostingHandler: posting.NewHandler(logger, postingService),
		JobsHandler:    jobs.NewHandler(inspector, scanClient, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server run", slog.Any("error", err))
		os.Exit(1)
	}
}
