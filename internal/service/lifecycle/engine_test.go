package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
	"github.com/vladislavdragonenkov/localshop/internal/presence"
	"github.com/vladislavdragonenkov/localshop/internal/service/notify"
	"github.com/vladislavdragonenkov/localshop/internal/storage/memory"
)

const (
	customerID   = "cust-1"
	shopkeeperID = "shop-1"
	otherShopID  = "shop-2"
)

type recordingEmitter struct {
	mu     sync.Mutex
	drafts []domain.NotificationDraft
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, draft domain.NotificationDraft) (domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, draft)
	if r.err != nil {
		return domain.Notification{}, r.err
	}
	return domain.Notification{ID: "n", RecipientID: draft.RecipientID}, nil
}

func (r *recordingEmitter) sent() []domain.NotificationDraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.NotificationDraft(nil), r.drafts...)
}

type fixture struct {
	engine   *Engine
	orders   domain.OrderRepository
	outbox   *memory.OutboxRepository
	catalog  *memory.Catalog
	timeline domain.TimelineRepository
	emitter  *recordingEmitter
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	orders := memory.NewOrderRepository(outbox)
	catalog := memory.NewCatalog()
	timeline := memory.NewTimelineRepository()
	emitter := &recordingEmitter{}

	catalog.PutProduct(domain.Product{
		ID: "p-rice", ShopkeeperID: shopkeeperID, Name: "Rice 5kg",
		Price: decimal.RequireFromString("150.00"), Images: []string{"rice.png", "rice-2.png"},
	})
	catalog.PutProduct(domain.Product{
		ID: "p-oil", ShopkeeperID: shopkeeperID, Name: "Sunflower oil",
		Price: decimal.RequireFromString("100.00"),
	})
	catalog.PutUser(domain.UserProfile{ID: customerID, Username: "asha", Email: "asha@example.com", Role: domain.RoleCustomer})
	catalog.PutUser(domain.UserProfile{ID: shopkeeperID, Username: "kirana", Role: domain.RoleShopkeeper})

	base := []Option{
		WithLogger(quietLogger()),
		WithMetrics(metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())),
		WithUsers(catalog),
		WithTimeline(timeline),
	}
	engine := NewEngine(orders, catalog, emitter, append(base, options...)...)

	return &fixture{
		engine:   engine,
		orders:   orders,
		outbox:   outbox,
		catalog:  catalog,
		timeline: timeline,
		emitter:  emitter,
	}
}

func (f *fixture) placeOrder(t *testing.T) domain.Order {
	t.Helper()
	order, err := f.engine.Create(context.Background(), CreateInput{
		CustomerID:   customerID,
		ShopkeeperID: shopkeeperID,
		Items: []LineItem{
			{ProductID: "p-rice", Quantity: 2},
			{ProductID: "p-oil", Quantity: 2},
		},
		Address: domain.Address{Name: "Asha", Phone: "+91 90000 00000", FullAddress: "12 MG Road"},
	})
	require.NoError(t, err)
	return order
}

func TestEngine_CreateSnapshotsCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.placeOrder(t)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.DefaultPaymentMethod, order.Payment.Method)
	assert.False(t, order.Payment.Paid)
	assert.True(t, decimal.RequireFromString("500").Equal(order.Total), "total %s", order.Total)
	require.Len(t, order.Items, 2)
	assert.Equal(t, "Rice 5kg", order.Items[0].Name)
	assert.Equal(t, "rice.png", order.Items[0].Image)

	f.catalog.PutProduct(domain.Product{ID: "p-rice", Name: "Rice 5kg premium", Price: decimal.RequireFromString("999")})

	stored, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rice 5kg", stored.Items[0].Name)
	assert.True(t, decimal.RequireFromString("500").Equal(stored.Total))

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, string(kafka.EventTypeOrderCreated), pending[0].EventType)
	assert.Equal(t, order.ID, pending[0].AggregateID)

	history, err := f.timeline.List(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.TimelineOrderCreated, history[0].Type)

	assert.Empty(t, f.emitter.sent(), "creation must not notify")
}

func TestEngine_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := CreateInput{
		CustomerID:   customerID,
		ShopkeeperID: shopkeeperID,
		Items:        []LineItem{{ProductID: "p-rice", Quantity: 1}},
	}

	tests := []struct {
		name   string
		mutate func(in *CreateInput)
		check  func(err error) bool
	}{
		{"no customer", func(in *CreateInput) { in.CustomerID = "" }, domain.IsUnauthorized},
		{"no items", func(in *CreateInput) { in.Items = nil }, domain.IsInvalidInput},
		{"no shopkeeper", func(in *CreateInput) { in.ShopkeeperID = " " }, domain.IsInvalidInput},
		{"zero quantity", func(in *CreateInput) { in.Items = []LineItem{{ProductID: "p-rice"}} }, domain.IsInvalidInput},
		{"unknown product", func(in *CreateInput) {
			in.Items = []LineItem{{ProductID: "p-rice", Quantity: 1}, {ProductID: "p-ghost", Quantity: 1}}
		}, domain.IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := f.engine.Create(ctx, in)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)
		})
	}

	orders, err := f.orders.ListByCustomer(ctx, customerID)
	require.NoError(t, err)
	assert.Empty(t, orders, "rejected orders must not be stored")
	assert.Empty(t, f.outbox.AllPending())
}

func TestEngine_CreateIgnoresClientTotal(t *testing.T) {
	f := newFixture(t)
	claimed := decimal.RequireFromString("1")

	order, err := f.engine.Create(context.Background(), CreateInput{
		CustomerID:    customerID,
		ShopkeeperID:  shopkeeperID,
		Items:         []LineItem{{ProductID: "p-oil", Quantity: 3}},
		TotalAmount:   &claimed,
		PaymentMethod: "COD",
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("300").Equal(order.Total))
	assert.Equal(t, "COD", order.Payment.Method)
}

func TestEngine_TransitionNotifiesCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t)

	updated, err := f.engine.Transition(ctx, order.ID, shopkeeperID, "Confirmed")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)

	view, err := f.engine.Get(ctx, order.ID, customerID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, view.Order.Status)

	drafts := f.emitter.sent()
	require.Len(t, drafts, 1)
	assert.Equal(t, customerID, drafts[0].RecipientID)
	assert.Equal(t, domain.NotificationKindOrderUpdate, drafts[0].Kind)
	assert.Equal(t, "Order Confirmed", drafts[0].Title)
	assert.Equal(t, "Your order #"+order.ShortID()+" was updated to: Confirmed", drafts[0].Message)
	assert.Equal(t, order.ID, drafts[0].Metadata["orderId"])
	assert.Equal(t, "Confirmed", drafts[0].Metadata["status"])

	pending := f.outbox.AllPending()
	require.Len(t, pending, 2)
	var changed []domain.OutboxMessage
	for _, msg := range pending {
		if msg.EventType == string(kafka.EventTypeOrderStatusChanged) {
			changed = append(changed, msg)
		}
	}
	require.Len(t, changed, 1)
	var event kafka.OrderEvent
	require.NoError(t, json.Unmarshal(changed[0].Payload, &event))
	assert.Equal(t, order.ID, event.OrderID)
	assert.Equal(t, "Pending", event.PreviousStatus)
	assert.Equal(t, "Confirmed", event.Status)
}

func TestEngine_TransitionForeignShopkeeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t)

	_, err := f.engine.Transition(ctx, order.ID, otherShopID, "Delivered")
	require.Error(t, err)
	assert.True(t, domain.IsUnauthorized(err))
	assert.True(t, domain.IsNotFound(err))

	stored, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Empty(t, f.emitter.sent())
}

func TestEngine_TransitionRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t)

	for _, raw := range []string{"Shipped", "delivered", ""} {
		_, err := f.engine.Transition(context.Background(), order.ID, shopkeeperID, raw)
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	}
	assert.Empty(t, f.emitter.sent())
}

func TestEngine_TransitionPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("strict locks terminal status", func(t *testing.T) {
		f := newFixture(t)
		order := f.placeOrder(t)

		_, err := f.engine.Transition(ctx, order.ID, shopkeeperID, "Delivered")
		require.NoError(t, err)

		_, err = f.engine.Transition(ctx, order.ID, shopkeeperID, "Pending")
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = f.engine.Transition(ctx, order.ID, shopkeeperID, "Cancelled")
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		stored, err := f.orders.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusDelivered, stored.Status)
		assert.Len(t, f.emitter.sent(), 1)
	})

	t.Run("strict rejects moving backwards", func(t *testing.T) {
		f := newFixture(t)
		order := f.placeOrder(t)

		_, err := f.engine.Transition(ctx, order.ID, shopkeeperID, "Out for Delivery")
		require.NoError(t, err)
		_, err = f.engine.Transition(ctx, order.ID, shopkeeperID, "Confirmed")
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
		_, err = f.engine.Transition(ctx, order.ID, shopkeeperID, "Cancelled")
		require.NoError(t, err)
	})

	t.Run("repeating current status is accepted", func(t *testing.T) {
		f := newFixture(t)
		order := f.placeOrder(t)

		_, err := f.engine.Transition(ctx, order.ID, shopkeeperID, "Confirmed")
		require.NoError(t, err)
		_, err = f.engine.Transition(ctx, order.ID, shopkeeperID, "Confirmed")
		require.NoError(t, err)
		assert.Len(t, f.emitter.sent(), 2)
	})

	t.Run("permissive allows any enumerated target", func(t *testing.T) {
		f := newFixture(t, WithPolicy(domain.TransitionPolicyPermissive))
		order := f.placeOrder(t)

		_, err := f.engine.Transition(ctx, order.ID, shopkeeperID, "Delivered")
		require.NoError(t, err)
		updated, err := f.engine.Transition(ctx, order.ID, shopkeeperID, "Pending")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPending, updated.Status)
	})
}

func TestEngine_EmitFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.emitter.err = errors.New("notification store down")
	order := f.placeOrder(t)

	updated, err := f.engine.Transition(context.Background(), order.ID, shopkeeperID, "Confirmed")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)
	assert.Len(t, f.emitter.sent(), 1)
}

func TestEngine_GetEnrichesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t)

	_, err := f.engine.Transition(ctx, order.ID, shopkeeperID, "Confirmed")
	require.NoError(t, err)
	f.catalog.PutProduct(domain.Product{ID: "p-oil", Name: "Sunflower oil 1L", Price: decimal.RequireFromString("120")})

	view, err := f.engine.Get(ctx, order.ID, "anyone")
	require.NoError(t, err)
	require.NotNil(t, view.Customer)
	assert.Equal(t, "asha", view.Customer.Username)
	require.NotNil(t, view.Shopkeeper)
	assert.Equal(t, "kirana", view.Shopkeeper.Username)
	assert.Equal(t, "Sunflower oil 1L", view.Products["p-oil"].Name)
	assert.Equal(t, "Sunflower oil", view.Order.Items[1].Name)

	require.Len(t, view.History, 2)
	assert.Equal(t, domain.TimelineOrderStatusChanged, view.History[1].Type)
	assert.Equal(t, "Confirmed", view.History[1].Reason)

	_, err = f.engine.Get(ctx, "missing", customerID)
	assert.True(t, domain.IsNotFound(err))

	_, err = f.engine.Get(ctx, order.ID, "")
	assert.True(t, domain.IsUnauthorized(err))
}

func TestEngine_ListsNewestFirst(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first := f.placeOrder(t)
	now = now.Add(time.Minute)
	second := f.placeOrder(t)

	mine, err := f.engine.ListForCustomer(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].Order.ID)
	assert.Equal(t, first.ID, mine[1].Order.ID)

	shop, err := f.engine.ListForShopkeeper(ctx, shopkeeperID)
	require.NoError(t, err)
	require.Len(t, shop, 2)
	assert.Equal(t, second.ID, shop[0].Order.ID)

	other, err := f.engine.ListForShopkeeper(ctx, otherShopID)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEngine_LifecycleDeliversBacklog(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())
	registry := presence.NewRegistry(m)
	dispatcher := notify.NewDispatcher(
		memory.NewNotificationRepository(),
		notify.NewLocalPusher(registry, m, quietLogger()),
		notify.WithLogger(quietLogger()),
	)

	outbox := memory.NewOutboxRepository()
	catalog := memory.NewCatalog()
	catalog.PutProduct(domain.Product{ID: "p-1", Name: "Atta", Price: decimal.RequireFromString("250")})
	engine := NewEngine(memory.NewOrderRepository(outbox), catalog, dispatcher, WithLogger(quietLogger()), WithMetrics(m))

	order, err := engine.Create(ctx, CreateInput{
		CustomerID:   customerID,
		ShopkeeperID: shopkeeperID,
		Items:        []LineItem{{ProductID: "p-1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("500").Equal(order.Total))

	for _, status := range []string{"Confirmed", "Out for Delivery", "Delivered"} {
		_, err := engine.Transition(ctx, order.ID, shopkeeperID, status)
		require.NoError(t, err)
	}

	view, err := engine.Get(ctx, order.ID, customerID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, view.Order.Status)

	backlog, err := dispatcher.FetchBacklog(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, backlog, 3)
	assert.Equal(t, "Delivered", backlog[0].Metadata["status"])
	assert.Equal(t, "Out for Delivery", backlog[1].Metadata["status"])
	assert.Equal(t, "Confirmed", backlog[2].Metadata["status"])
	for _, n := range backlog {
		assert.Equal(t, order.ID, n.Metadata["orderId"])
	}
}

// cancelOnCommit отменяет контекст запроса сразу после записи статуса.
type cancelOnCommit struct {
	domain.OrderRepository
	cancel context.CancelFunc
}

func (r cancelOnCommit) UpdateStatus(ctx context.Context, change domain.StatusChange) (domain.Order, error) {
	order, err := r.OrderRepository.UpdateStatus(ctx, change)
	r.cancel()
	return order, err
}

func TestEngine_TransitionNotifiesAfterRequestCancelled(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t)

	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())
	dispatcher := notify.NewDispatcher(
		memory.NewNotificationRepository(),
		notify.NewLocalPusher(presence.NewRegistry(m), m, quietLogger()),
		notify.WithLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(cancelOnCommit{OrderRepository: f.orders, cancel: cancel}, f.catalog, dispatcher,
		WithLogger(quietLogger()),
		WithTimeline(f.timeline),
	)

	updated, err := engine.Transition(ctx, order.ID, shopkeeperID, "Confirmed")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)
	require.Error(t, ctx.Err())

	backlog, err := dispatcher.FetchBacklog(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, order.ID, backlog[0].Metadata["orderId"])
	assert.Equal(t, "Confirmed", backlog[0].Metadata["status"])

	history, err := f.timeline.List(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.TimelineOrderStatusChanged, history[1].Type)
}
