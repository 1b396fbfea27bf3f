package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
	"github.com/vladislavdragonenkov/localshop/internal/presence"
	"github.com/vladislavdragonenkov/localshop/internal/storage/memory"
)

type recordingChannel struct {
	id  string
	err error

	mu       sync.Mutex
	received []domain.Notification
}

func (c *recordingChannel) ID() string { return c.id }

func (c *recordingChannel) Deliver(n domain.Notification) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, n)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

type failingRepo struct {
	domain.NotificationRepository
}

func (failingRepo) Create(context.Context, domain.Notification) error {
	return errors.New("connection refused")
}

func (failingRepo) ListByRecipient(context.Context, string) ([]domain.Notification, error) {
	return nil, errors.New("connection refused")
}

func (failingRepo) MarkRead(context.Context, string, string) (domain.Notification, error) {
	return domain.Notification{}, errors.New("connection refused")
}

type failingPusher struct{ calls int }

func (p *failingPusher) Push(context.Context, domain.Notification) error {
	p.calls++
	return errors.New("socket closed")
}

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *presence.Registry) {
	t.Helper()

	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())
	registry := presence.NewRegistry(m)
	pusher := NewLocalPusher(registry, m, testLogger())
	d := NewDispatcher(memory.NewNotificationRepository(), pusher, WithLogger(testLogger()), WithMetrics(m))
	return d, registry
}

func orderDraft(recipient, status string) domain.NotificationDraft {
	return domain.NotificationDraft{
		RecipientID: recipient,
		Kind:        domain.NotificationKindOrderUpdate,
		Title:       "Order " + status,
		Message:     "Your order #abc123 was updated to: " + status,
		Metadata:    map[string]any{"orderId": "order-abc123", "status": status},
	}
}

func TestDispatcher_EmitPushesToEveryChannel(t *testing.T) {
	ctx := context.Background()
	d, registry := newTestDispatcher(t)

	tabA := &recordingChannel{id: "tab-a"}
	tabB := &recordingChannel{id: "tab-b"}
	registry.Join("customer-1", tabA)
	registry.Join("customer-1", tabB)

	n, err := d.Emit(ctx, orderDraft("customer-1", "Confirmed"))
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.Read)
	assert.Equal(t, 1, tabA.count())
	assert.Equal(t, 1, tabB.count())

	registry.Leave(tabA)
	_, err = d.Emit(ctx, orderDraft("customer-1", "Delivered"))
	require.NoError(t, err)
	assert.Equal(t, 1, tabA.count())
	assert.Equal(t, 2, tabB.count())
}

func TestDispatcher_EmitWithoutChannelKeepsBacklog(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	_, err := d.Emit(ctx, orderDraft("customer-1", "Confirmed"))
	require.NoError(t, err)

	backlog, err := d.FetchBacklog(ctx, "customer-1")
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, "Confirmed", backlog[0].Metadata["status"])
}

func TestDispatcher_PushFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	d, registry := newTestDispatcher(t)
	registry.Join("customer-1", &recordingChannel{id: "broken", err: errors.New("queue full")})

	_, err := d.Emit(ctx, orderDraft("customer-1", "Confirmed"))
	require.NoError(t, err)

	pusher := &failingPusher{}
	d2 := NewDispatcher(memory.NewNotificationRepository(), pusher, WithLogger(testLogger()))
	_, err = d2.Emit(ctx, orderDraft("customer-1", "Confirmed"))
	require.NoError(t, err)
	assert.Equal(t, 1, pusher.calls)
}

func TestDispatcher_PersistFailureIsInternal(t *testing.T) {
	ctx := context.Background()
	pusher := &failingPusher{}
	d := NewDispatcher(failingRepo{}, pusher, WithLogger(testLogger()))

	_, err := d.Emit(ctx, orderDraft("customer-1", "Confirmed"))
	require.ErrorIs(t, err, domain.ErrInternal)
	assert.Zero(t, pusher.calls, "nothing is pushed without a durable record")

	_, err = d.FetchBacklog(ctx, "customer-1")
	require.ErrorIs(t, err, domain.ErrInternal)

	_, err = d.MarkRead(ctx, "customer-1", "n-1")
	require.ErrorIs(t, err, domain.ErrInternal)
}

func TestDispatcher_EmitValidation(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Emit(context.Background(), domain.NotificationDraft{RecipientID: "  "})
	require.ErrorIs(t, err, domain.ErrRecipientRequired)
	assert.True(t, domain.IsInvalidInput(err))

	n, err := d.Emit(context.Background(), domain.NotificationDraft{RecipientID: "user-1", Title: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationKindGeneric, n.Kind)
}

func TestDispatcher_BacklogNewestFirstWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	d := NewDispatcher(memory.NewNotificationRepository(), nil, WithLogger(testLogger()), WithClock(func() time.Time { return frozen }))

	for _, status := range []string{"Confirmed", "Out for Delivery", "Delivered"} {
		_, err := d.Emit(ctx, orderDraft("customer-1", status))
		require.NoError(t, err)
	}

	backlog, err := d.FetchBacklog(ctx, "customer-1")
	require.NoError(t, err)
	require.Len(t, backlog, 3)
	assert.Equal(t, "Delivered", backlog[0].Metadata["status"])
	assert.Equal(t, "Out for Delivery", backlog[1].Metadata["status"])
	assert.Equal(t, "Confirmed", backlog[2].Metadata["status"])
}

func TestDispatcher_MarkReadTwice(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	n, err := d.Emit(ctx, orderDraft("customer-1", "Confirmed"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		read, err := d.MarkRead(ctx, "customer-1", n.ID)
		require.NoError(t, err)
		assert.True(t, read.Read)
	}

	_, err = d.MarkRead(ctx, "customer-2", n.ID)
	require.ErrorIs(t, err, domain.ErrNotificationNotFound)

	count, err := d.UnreadCount(ctx, "customer-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = d.UnreadCount(ctx, "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}
