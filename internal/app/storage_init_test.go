package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

const seedJSON = `{
  "products": [
    {"id": "p-rice", "shopkeeperId": "shop-1", "name": "Sona Masoori 5kg", "price": "150", "images": ["rice.png"]},
    {"id": "p-oil", "shopkeeperId": "shop-1", "name": "Groundnut oil 1L", "price": "100"}
  ],
  "users": [
    {"id": "cust-1", "username": "asha", "role": "customer"},
    {"id": "shop-1", "username": "kirana", "role": "shopkeeper", "location": {"lat": 12.97, "lng": 77.59}}
  ]
}`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(seedJSON), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	if deps.orders == nil || deps.outboxRepo == nil || deps.timelineRepo == nil {
		t.Fatal("order, outbox and timeline repositories must be initialized")
	}
	if deps.notifications == nil || deps.idempotencyRepo == nil || deps.catalog == nil {
		t.Fatal("notification, idempotency and catalog stores must be initialized")
	}
	if err := deps.ping(context.Background()); err != nil {
		t.Fatalf("memory ping must succeed: %v", err)
	}
	if err := deps.Close(); err != nil {
		t.Fatalf("memory close must succeed: %v", err)
	}
}

func TestInitRuntimeDependencies_MemorySeed(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver:   StorageDriverMemory,
		CatalogSeedPath: writeSeed(t),
	}, log.WithField("test", "memory-seed"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(seed) failed: %v", err)
	}

	product, err := deps.catalog.GetProduct(context.Background(), "p-rice")
	if err != nil {
		t.Fatalf("seeded product not found: %v", err)
	}
	if product.Price.String() != "150" {
		t.Fatalf("unexpected price %s", product.Price)
	}
	shops, err := deps.catalog.ListShopkeepers(context.Background())
	if err != nil || len(shops) != 1 {
		t.Fatalf("expected one shopkeeper, got %d (%v)", len(shops), err)
	}
}

func TestInitRuntimeDependencies_BadSeed(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver:   StorageDriverMemory,
		CatalogSeedPath: filepath.Join(t.TempDir(), "missing.json"),
	}, log.WithField("test", "memory-bad-seed"))
	if err == nil {
		t.Fatal("expected error for missing seed file")
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	if err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	if err == nil {
		t.Fatal("expected error for unsupported storage driver")
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("LOCALSHOP_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.CatalogSeedPath = writeSeed(t)

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.Close() }()

	if err := deps.ping(context.Background()); err != nil {
		t.Fatalf("postgres ping failed: %v", err)
	}
	if _, err := deps.catalog.GetUser(context.Background(), "shop-1"); err != nil {
		t.Fatalf("seeded user not found: %v", err)
	}
}
