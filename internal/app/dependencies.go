package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/storage/memory"
	"github.com/vladislavdragonenkov/localshop/internal/storage/postgres"
)

type catalogStore interface {
	domain.ProductCatalog
	domain.UserDirectory
}

// runtimeDependencies — хранилища, выбранные драйвером.
type runtimeDependencies struct {
	orders          domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	notifications   domain.NotificationRepository
	idempotencyRepo domain.IdempotencyRepository
	catalog         catalogStore

	ping    func(ctx context.Context) error
	closeFn func() error
}

func (d *runtimeDependencies) Close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		return initMemoryDependencies(cfg, logger)
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryDependencies(cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	catalog := memory.NewCatalog()
	if path := strings.TrimSpace(cfg.CatalogSeedPath); path != "" {
		seeded, err := memory.LoadCatalogSeed(path)
		if err != nil {
			return nil, err
		}
		catalog = seeded
		logger.WithField("seed", path).Info("catalog seed loaded")
	}

	outboxRepo := memory.NewOutboxRepository()
	logger.WithField("storage_driver", StorageDriverMemory).Info("storage initialized")
	return &runtimeDependencies{
		orders:          memory.NewOrderRepository(outboxRepo),
		outboxRepo:      outboxRepo,
		timelineRepo:    memory.NewTimelineRepository(),
		notifications:   memory.NewNotificationRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		catalog:         catalog,
		ping:            func(context.Context) error { return nil },
	}, nil
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required for postgres storage")
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		state, err := store.MigrationStatus(ctx)
		if err == nil {
			logger.WithFields(log.Fields{
				"version": state.Version,
				"applied": state.Applied,
			}).Info("postgres migrations applied")
		}
	}

	catalog := postgres.NewCatalogRepository(store)
	if path := strings.TrimSpace(cfg.CatalogSeedPath); path != "" {
		if err := seedPostgresCatalog(ctx, catalog, path); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.WithField("seed", path).Info("catalog seed upserted")
	}

	logger.WithField("storage_driver", StorageDriverPostgres).Info("storage initialized")
	return &runtimeDependencies{
		orders:          postgres.NewOrderRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		notifications:   postgres.NewNotificationRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		catalog:         catalog,
		ping:            store.Ping,
		closeFn:         store.Close,
	}, nil
}

func seedPostgresCatalog(ctx context.Context, catalog *postgres.CatalogRepository, path string) error {
	seed, err := memory.ReadCatalogSeed(path)
	if err != nil {
		return err
	}
	for _, user := range seed.Users {
		if err := catalog.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %s: %w", user.ID, err)
		}
	}
	for _, product := range seed.Products {
		if err := catalog.UpsertProduct(ctx, product); err != nil {
			return fmt.Errorf("seed product %s: %w", product.ID, err)
		}
	}
	return nil
}
