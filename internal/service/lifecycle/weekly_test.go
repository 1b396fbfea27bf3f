package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/storage/memory"
)

func seedOrder(t *testing.T, repo domain.OrderRepository, id, shop string, created time.Time, total string, status domain.OrderStatus) {
	t.Helper()
	price := decimal.RequireFromString(total)
	require.NoError(t, repo.Create(context.Background(), domain.Order{
		ID:           id,
		CustomerID:   customerID,
		ShopkeeperID: shop,
		Items:        []domain.OrderItem{{ProductID: "p", Name: "p", UnitPrice: price, Quantity: 1}},
		Total:        price,
		Status:       status,
		CreatedAt:    created,
		UpdatedAt:    created,
	}))
}

func TestEngine_WeeklyAggregate(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, loc)

	repo := memory.NewOrderRepository(nil)
	engine := NewEngine(repo, memory.NewCatalog(), nil,
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return now }),
		WithLocation(loc),
	)

	seedOrder(t, repo, "o-1", shopkeeperID, time.Date(2026, 3, 10, 9, 0, 0, 0, loc), "120.50", domain.OrderStatusPending)
	seedOrder(t, repo, "o-2", shopkeeperID, time.Date(2026, 3, 10, 0, 10, 0, 0, loc), "79.50", domain.OrderStatusCancelled)
	seedOrder(t, repo, "o-3", shopkeeperID, time.Date(2026, 3, 8, 23, 59, 0, 0, loc), "300", domain.OrderStatusDelivered)
	seedOrder(t, repo, "o-4", shopkeeperID, time.Date(2026, 3, 4, 0, 0, 0, 0, loc), "45", domain.OrderStatusConfirmed)
	// За пределами окна.
	seedOrder(t, repo, "o-5", shopkeeperID, time.Date(2026, 3, 3, 23, 59, 0, 0, loc), "1000", domain.OrderStatusDelivered)
	// Другой магазин.
	seedOrder(t, repo, "o-6", otherShopID, time.Date(2026, 3, 9, 12, 0, 0, 0, loc), "999", domain.OrderStatusDelivered)
	// Полночь по UTC, но 9 марта по местному времени.
	seedOrder(t, repo, "o-7", shopkeeperID, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), "10", domain.OrderStatusPending)

	stats, err := engine.WeeklyAggregate(context.Background(), shopkeeperID)
	require.NoError(t, err)
	require.Len(t, stats, 7)

	want := []struct {
		date    string
		orders  int
		revenue string
	}{
		{"2026-03-04", 1, "45"},
		{"2026-03-05", 0, "0"},
		{"2026-03-06", 0, "0"},
		{"2026-03-07", 0, "0"},
		{"2026-03-08", 1, "300"},
		{"2026-03-09", 1, "10"},
		{"2026-03-10", 2, "200"},
	}
	for i, w := range want {
		assert.Equal(t, w.date, stats[i].Date)
		assert.Equal(t, w.orders, stats[i].Orders, w.date)
		assert.True(t, decimal.RequireFromString(w.revenue).Equal(stats[i].Revenue), "%s revenue %s", w.date, stats[i].Revenue)
	}
}

func TestEngine_WeeklyAggregateEmptyShop(t *testing.T) {
	now := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	engine := NewEngine(memory.NewOrderRepository(nil), memory.NewCatalog(), nil,
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return now }),
		WithLocation(time.UTC),
	)

	stats, err := engine.WeeklyAggregate(context.Background(), shopkeeperID)
	require.NoError(t, err)
	require.Len(t, stats, 7)
	assert.Equal(t, "2025-12-27", stats[0].Date)
	assert.Equal(t, "2026-01-02", stats[6].Date)
	for _, day := range stats {
		assert.Zero(t, day.Orders)
		assert.True(t, day.Revenue.IsZero())
	}

	_, err = engine.WeeklyAggregate(context.Background(), "")
	assert.True(t, domain.IsUnauthorized(err))
}
