package app

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/platform/cache"
	"github.com/stockline/stockline/internal/platform/db"
	"github.com/stockline/stockline/internal/reconcile"
	"github.com/stockline/stockline/internal/sequence"
	"github.com/stockline/stockline/internal/shared"
	"github.com/stockline/stockline/internal/transfer"
)

// Services bundles the domain services built over the shared backends.
type Services struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Audit       *shared.AuditLogger
	Idempotency *shared.IdempotencyStore
	Ledger      *ledger.Service
	Transfer    *transfer.Service
	Sequence    *sequence.Service
	Reconcile   *reconcile.Service
}

// NewServices connects to PostgreSQL and Redis and builds every service.
// Redis is optional for the API: without it balance reconstructions are
// not cached.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*Services, error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	rdb, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
		rdb = nil
	}

	audit := shared.NewAuditLogger(pool)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), ledger.NewCache(rdb, cfg.BalanceCacheTTL, logger), audit, ledger.ServiceConfig{
		AllowNegativeSales: cfg.AllowNegativeStock,
		Logger:             logger,
	})
	return &Services{
		Pool:        pool,
		Redis:       rdb,
		Audit:       audit,
		Idempotency: shared.NewIdempotencyStore(pool),
		Ledger:      ledgerSvc,
		Transfer: transfer.NewService(transfer.NewRepository(pool), ledgerSvc, audit, transfer.ServiceConfig{
			SequenceMax: cfg.SequenceMax,
			Location:    cfg.Location(),
			Logger:      logger,
		}),
		Sequence: sequence.NewService(sequence.NewRepository(pool), cfg.SequenceMax, audit, logger),
		Reconcile: reconcile.NewService(ledgerSvc, reconcile.NewRepository(pool), audit, reconcile.ServiceConfig{
			Concurrency: cfg.ReconcileConcurrency,
			Logger:      logger,
		}),
	}, nil
}

// Close releases the backend connections.
func (s *Services) Close(logger *slog.Logger) {
	if s == nil {
		return
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
