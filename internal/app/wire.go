package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/predictcore/internal/blob/s3"
	"github.com/alanyoungcy/predictcore/internal/cache/redis"
	"github.com/alanyoungcy/predictcore/internal/config"
	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/ledger"
	"github.com/alanyoungcy/predictcore/internal/server/handler"
	"github.com/alanyoungcy/predictcore/internal/settlement"
	"github.com/alanyoungcy/predictcore/internal/store/memory"
	"github.com/alanyoungcy/predictcore/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Markets     domain.MarketStore
	Orders      domain.OrderStore
	Trades      domain.TradeStore
	Positions   domain.PositionStore
	Settlements domain.SettlementStore
	Events      domain.EventStore

	// Ledger is the funds port. The core treats balances as an external
	// system; the in-process implementation backs it in every mode.
	Ledger domain.Ledger

	// Redis-backed infrastructure. Nil in paper mode; the engine and
	// services skip publishing and locking when unset.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	DepthCache  domain.DepthCache

	// Archiver writes settled-market artifacts to object storage. Nil when
	// no bucket is configured.
	Archiver settlement.Archiver

	// Health maps dependency names to reachability checks for /api/health.
	Health map[string]handler.HealthChecker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
//
// serve mode wires postgres, redis, and (when configured) s3; paper mode runs
// entirely on in-memory stores.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Ledger: ledger.NewMemory(),
		Health: make(map[string]handler.HealthChecker),
	}

	if strings.ToLower(cfg.Mode) == "paper" {
		deps.Markets = memory.NewMarketStore()
		deps.Orders = memory.NewOrderStore()
		deps.Trades = memory.NewTradeStore()
		deps.Positions = memory.NewPositionStore()
		deps.Settlements = memory.NewSettlementStore()
		deps.Events = memory.NewEventStore()
		return deps, cleanup, nil
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Markets = postgres.NewMarketStore(pool)
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Trades = postgres.NewTradeStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Settlements = postgres.NewSettlementStore(pool)
	deps.Events = postgres.NewEventStore(pool)
	deps.Health["postgres"] = pgClient

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.DepthCache = redis.NewDepthCache(redisClient)
	deps.Health["redis"] = redisClient

	// --- S3 settlement archival (optional) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewSettlementArchiver(s3blob.NewWriter(s3Client), deps.Trades)
		deps.Health["s3"] = s3Client
	} else {
		logger.InfoContext(ctx, "wire: settlement archival disabled (no s3 bucket configured)")
	}

	return deps, cleanup, nil
}
