// Package app assembles the service from configuration and owns the
// lifecycle of its long-lived resources.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fundrails/internal/chain"
	"fundrails/internal/config"
	"fundrails/internal/dlq"
	"fundrails/internal/funding"
	"fundrails/internal/idempotency"
	"fundrails/internal/ledger"
	"fundrails/internal/metrics"
	"fundrails/internal/reconcile"
	"fundrails/internal/scheduler"
	"fundrails/internal/server"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	scanLockKey  = "fundrails:lock:scan"
	sweepLockKey = "fundrails:lock:sweep"
)

type App struct {
	Config      *config.Config
	Log         *zap.Logger
	Metrics     *metrics.Registry
	Ledger      ledger.Store
	Source      chain.Source
	Failures    *dlq.Log
	Funding     *funding.Service
	Scanner     *reconcile.Scanner
	ScanTask    *scheduler.Task
	SweepTask   *scheduler.Task
	Idempotency idempotency.Store
	Server      *server.Server

	redis   redis.UniversalClient
	closers []func() error
}

// New wires every component. On error, resources opened so far are closed.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Ledger, err = openLedger(ctx, cfg.Database); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Ledger.Close)

	if a.Source, err = openSource(ctx, cfg.Chain, log); err != nil {
		return nil, err
	}

	a.Failures = dlq.New(cfg.Service.DLQPath)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.redis = client
		a.closers = append(a.closers, client.Close)
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	if a.Idempotency, err = a.openIdempotency(ctx); err != nil {
		return nil, err
	}

	a.Funding, err = funding.NewService(a.Ledger, funding.Config{
		Allocator: funding.AllocatorConfig{
			Min:         cfg.Funding.Min,
			Max:         cfg.Funding.Max,
			Step:        cfg.Funding.Step,
			MaxDelta:    cfg.Funding.MaxDelta,
			MaxAttempts: cfg.Funding.MaxAttempts,
		},
		IntentTTL:         cfg.Funding.IntentTTL,
		CollectionAddress: cfg.Chain.CollectionAddress,
	}, log, a.Metrics)
	if err != nil {
		return nil, err
	}

	matcher := reconcile.NewMatcher(a.Ledger, a.Failures, cfg.Chain.CollectionAddress, log, a.Metrics)
	a.Scanner, err = reconcile.NewScanner(a.Source, a.Ledger, matcher, a.Failures, reconcile.ScannerConfig{
		CollectionAddress: cfg.Chain.CollectionAddress,
		Lookback:          cfg.Scanner.Lookback,
		SeedHeightLag:     cfg.Scanner.SeedHeightLag,
		PageSize:          cfg.Scanner.PageSize,
		MaxPages:          cfg.Scanner.MaxPages,
		QuarantineAfter:   cfg.Scanner.QuarantineAfter,
	}, log, a.Metrics)
	if err != nil {
		return nil, err
	}

	scanGuard, err := a.guard(scanLockKey)
	if err != nil {
		return nil, err
	}
	sweepGuard, err := a.guard(sweepLockKey)
	if err != nil {
		return nil, err
	}
	a.ScanTask = scheduler.NewTask("scan", cfg.Scanner.Interval, scanGuard, func(ctx context.Context) error {
		_, err := a.Scanner.RunScanTick(ctx)
		return err
	}, log, a.Metrics)
	a.SweepTask = scheduler.NewTask("sweep", cfg.Sweeper.Interval, sweepGuard, a.sweep, log, a.Metrics)

	a.Server = server.NewServer(cfg.Service, server.Deps{
		Funding:     a.Funding,
		Ledger:      a.Ledger,
		Idempotency: a.Idempotency,
		Failures:    a.Failures,
		Scanner:     a.Scanner,
		ScanTask:    a.ScanTask,
		Chain:       a.Source,
	}, log, a.Metrics)

	return a, nil
}

func openLedger(ctx context.Context, cfg config.DatabaseConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return ledger.OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return ledger.OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openSource(ctx context.Context, cfg config.ChainConfig, log *zap.Logger) (chain.Source, error) {
	if cfg.RPCURL == "" {
		log.Warn("chain.rpc_url not set, using in-memory fake chain")
		return chain.NewFakeSource(chain.Head{Time: time.Now().UTC()}), nil
	}
	return chain.NewEthSource(ctx, chain.EthSourceConfig{
		RPCURL:            cfg.RPCURL,
		TokenContract:     cfg.TokenContract,
		TokenDecimals:     cfg.TokenDecimals,
		Confirmations:     cfg.Confirmations,
		BlockSpan:         cfg.BlockSpan,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
	})
}

// openIdempotency prefers Redis, then the ledger's Postgres pool, then memory.
func (a *App) openIdempotency(ctx context.Context) (idempotency.Store, error) {
	if a.redis != nil {
		return idempotency.NewRedisStore(a.redis, ""), nil
	}
	if sqlStore, ok := a.Ledger.(*ledger.SQLStore); ok && sqlStore.Pool() != nil {
		return idempotency.NewPostgresStore(ctx, sqlStore.Pool())
	}
	return idempotency.NewMemoryStore(), nil
}

func (a *App) guard(key string) (scheduler.Guard, error) {
	if a.redis == nil {
		return &scheduler.LocalGuard{}, nil
	}
	return scheduler.NewRedisGuard(a.redis, key, a.Config.Redis.LockExpiry, a.Log)
}

// sweep expires overdue intents and then clears expired idempotency records
// from stores that do not drop them on their own.
func (a *App) sweep(ctx context.Context) error {
	if _, err := a.Funding.ExpireDue(ctx); err != nil {
		return err
	}
	p, ok := a.Idempotency.(idempotency.Purger)
	if !ok {
		return nil
	}
	n, err := p.Purge(ctx)
	if err != nil {
		a.Log.Warn("idempotency purge failed", zap.Error(err))
		return nil
	}
	if n > 0 {
		a.Log.Info("expired idempotency records purged", zap.Int64("count", n))
	}
	return nil
}

// Run starts the periodic tasks and the HTTP server, and blocks until ctx is
// cancelled or the server fails. Shutdown waits at most
// service.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	a.ScanTask.Start(ctx)
	a.SweepTask.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.Log.Info("shutting down")
	case runErr = <-serveErr:
		a.Log.Error("server stopped", zap.Error(runErr))
	}

	timeout := a.Config.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := []error{runErr}
	errs = append(errs, a.Server.Shutdown(shutdownCtx))
	errs = append(errs, a.ScanTask.Stop(shutdownCtx))
	errs = append(errs, a.SweepTask.Stop(shutdownCtx))
	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if es, ok := a.Source.(*chain.EthSource); ok {
		es.Close()
	}
	return errors.Join(errs...)
}
