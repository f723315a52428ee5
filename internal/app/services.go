package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/rental-ledger/internal/aging"
	"github.com/odyssey-erp/rental-ledger/internal/backfill"
	jobmetrics "github.com/odyssey-erp/rental-ledger/internal/jobs"
	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
	"github.com/odyssey-erp/rental-ledger/internal/statement"
)

// Services bundles the domain services shared by the API, the worker and
// the CLI.
type Services struct {
	LedgerRepo *ledger.Repository
	Ledger     *ledger.Service
	Aging      *aging.Service
	Statements *statement.Service
	Backfill   *backfill.Engine
	Locker     *cache.Locker
}

// NewServices wires repositories, caches and services. metrics may be nil.
func NewServices(pool *pgxpool.Pool, redisClient *redis.Client, cfg *Config, logger *slog.Logger, metrics *jobmetrics.Metrics) *Services {
	auditLogger := shared.NewAuditLogger(pool)
	versioned := cache.NewVersioned(redisClient, cfg.AgingCacheTTL)
	locker := cache.NewLocker(redisClient)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, aging.NewInvalidator(versioned), logger)

	agingService := aging.NewService(ledgerService, aging.NewRepository(pool), versioned, logger)

	statementService := statement.NewService(ledgerService, statement.NewRepository(pool), auditLogger, logger)
	statementService.WithMaxDays(cfg.StatementMaxDays)

	engine := backfill.NewEngine(backfill.NewRepository(pool), ledgerService, locker, auditLogger, logger, cfg.Backfill())
	if metrics != nil {
		engine.WithMetrics(metrics)
	}

	return &Services{
		LedgerRepo: ledgerRepo,
		Ledger:     ledgerService,
		Aging:      agingService,
		Statements: statementService,
		Backfill:   engine,
		Locker:     locker,
	}
}
