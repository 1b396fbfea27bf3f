package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "order-1", EventType: "order.created", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	_, err = repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "order-1", EventType: "order.status_changed", Payload: []byte(`{}`)})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.PendingCount)
	require.False(t, stats.OldestPendingAt.IsZero())

	pending, err := repo.PullPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, repo.MarkSent(ctx, first.ID))
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing"), domain.ErrOutboxPublish)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
}

func TestIdempotencyRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	ttl := time.Now().UTC().Add(time.Hour).Round(time.Microsecond)
	created, err := repo.CreateProcessing(ctx, "key-1", "hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	_, err = repo.CreateProcessing(ctx, "key-1", "hash-1", ttl)
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists))
	_, err = repo.CreateProcessing(ctx, "key-1", "hash-2", ttl)
	require.True(t, errors.Is(err, domain.ErrIdempotencyHashMismatch))

	require.NoError(t, repo.MarkDone(ctx, "key-1", []byte(`{"success":true}`), 201))
	got, err := repo.Get(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.Equal(t, 201, got.HTTPStatus)
	require.JSONEq(t, `{"success":true}`, string(got.ResponseBody))

	_, err = repo.CreateProcessing(ctx, "key-old", "hash-old", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing(ctx, "key-old", "hash-new", ttl)
	require.NoError(t, err, "expired key must be reusable")

	_, err = repo.CreateProcessing(ctx, "key-expired", "hash", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	removed, err := repo.DeleteExpired(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestTimelineRepository_PostgresAppendList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTimelineRepository(store)
	ctx := context.Background()
	base := time.Now().UTC().Round(time.Microsecond)

	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineOrderStatusChanged, Reason: "Confirmed", Occurred: base.Add(time.Second)}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineOrderCreated, Reason: "Pending", Occurred: base}))

	events, err := repo.List(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.TimelineOrderCreated, events[0].Type)
	require.Equal(t, "Confirmed", events[1].Reason)
}

func TestCatalogRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewCatalogRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.UpsertProduct(ctx, domain.Product{ID: "p-1", ShopkeeperID: "shop-1", Name: "Milk", Price: decimal.RequireFromString("45.50"), Images: []string{"milk.png"}}))
	require.NoError(t, repo.UpsertUser(ctx, domain.UserProfile{ID: "shop-1", Username: "corner", Role: domain.RoleShopkeeper, Location: &domain.GeoPoint{Lat: 12.9, Lng: 77.6}}))
	require.NoError(t, repo.UpsertUser(ctx, domain.UserProfile{ID: "cust-1", Username: "asha", Role: domain.RoleCustomer}))

	product, err := repo.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	require.True(t, product.Price.Equal(decimal.RequireFromString("45.5")))
	require.Equal(t, []string{"milk.png"}, product.Images)

	shops, err := repo.ListShopkeepers(ctx)
	require.NoError(t, err)
	require.Len(t, shops, 1)
	require.NotNil(t, shops[0].Location)

	_, err = repo.GetProduct(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	_, err = repo.GetUser(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}
