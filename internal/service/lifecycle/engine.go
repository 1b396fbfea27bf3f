// Package lifecycle управляет жизненным циклом заказа: оформление, смена статуса,
// чтение с обогащением и недельная статистика магазина.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
)

// Options задаёт зависимости и параметры Engine.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.LifecycleMetrics
	Policy   domain.TransitionPolicy
	Users    domain.UserDirectory
	Timeline domain.TimelineRepository
	Clock    func() time.Time
	Location *time.Location
}

// Option настраивает Engine.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithPolicy задаёт политику переходов статусов.
func WithPolicy(policy domain.TransitionPolicy) Option {
	return func(opts *Options) {
		opts.Policy = policy
	}
}

// WithUsers подключает справочник пользователей для обогащения заказов.
func WithUsers(users domain.UserDirectory) Option {
	return func(opts *Options) {
		opts.Users = users
	}
}

// WithTimeline подключает историю статусов.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(opts *Options) {
		opts.Timeline = timeline
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithLocation задаёт часовой пояс календарных дней недельной статистики.
func WithLocation(loc *time.Location) Option {
	return func(opts *Options) {
		opts.Location = loc
	}
}

// Engine — единственная точка изменения заказов.
type Engine struct {
	orders   domain.OrderRepository
	catalog  domain.ProductCatalog
	emitter  domain.NotificationEmitter
	users    domain.UserDirectory
	timeline domain.TimelineRepository
	policy   domain.TransitionPolicy
	logger   *log.Entry
	metrics  *metrics.LifecycleMetrics
	clock    func() time.Time
	location *time.Location
}

// NewEngine создаёт Engine. emitter может быть nil: тогда уведомления не создаются.
func NewEngine(orders domain.OrderRepository, catalog domain.ProductCatalog, emitter domain.NotificationEmitter, options ...Option) *Engine {
	opts := Options{
		Policy:   domain.TransitionPolicyStrict,
		Clock:    time.Now,
		Location: time.Local,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-lifecycle")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Policy == "" {
		opts.Policy = domain.TransitionPolicyStrict
	}

	return &Engine{
		orders:   orders,
		catalog:  catalog,
		emitter:  emitter,
		users:    opts.Users,
		timeline: opts.Timeline,
		policy:   opts.Policy,
		logger:   logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		location: opts.Location,
	}
}

// LineItem — позиция в запросе на оформление.
type LineItem struct {
	ProductID string
	Quantity  int32
}

// CreateInput — запрос на оформление заказа.
type CreateInput struct {
	CustomerID       string
	ShopkeeperID     string
	Items            []LineItem
	TotalAmount      *decimal.Decimal
	Address          domain.Address
	PaymentMethod    string
	DeliveryLocation *domain.GeoPoint
}

// Create проверяет товары, снимает снимок цен и сохраняет заказ в статусе Pending.
// Ошибка валидации не оставляет частичных записей.
func (e *Engine) Create(ctx context.Context, in CreateInput) (domain.Order, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return domain.Order{}, domain.ErrCustomerRequired
	}
	if len(in.Items) == 0 {
		return domain.Order{}, domain.ErrItemsRequired
	}
	if strings.TrimSpace(in.ShopkeeperID) == "" {
		return domain.Order{}, domain.ErrShopkeeperRequired
	}

	items := make([]domain.OrderItem, 0, len(in.Items))
	for _, line := range in.Items {
		if line.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: product %s", domain.ErrItemQtyInvalid, line.ProductID)
		}
		product, err := e.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			if domain.IsNotFound(err) {
				return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, line.ProductID)
			}
			return domain.Order{}, fmt.Errorf("%w: load product %s: %v", domain.ErrInternal, line.ProductID, err)
		}
		items = append(items, domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  line.Quantity,
			Image:     product.MainImage(),
		})
	}

	now := e.clock().UTC()
	order := domain.Order{
		ID:               uuid.NewString(),
		CustomerID:       in.CustomerID,
		ShopkeeperID:     in.ShopkeeperID,
		Items:            items,
		Total:            domain.ItemsTotal(items),
		Address:          in.Address,
		DeliveryLocation: in.DeliveryLocation,
		Payment:          domain.Payment{Method: paymentMethod(in.PaymentMethod)},
		Status:           domain.OrderStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	logger := e.logger.WithFields(log.Fields{
		"order_id":      order.ID,
		"customer_id":   order.CustomerID,
		"shopkeeper_id": order.ShopkeeperID,
	})
	if in.TotalAmount != nil && !in.TotalAmount.Equal(order.Total) {
		logger.WithFields(log.Fields{
			"client_total":   in.TotalAmount.String(),
			"computed_total": order.Total.String(),
		}).Warn("client total differs from item snapshot, using computed total")
	}

	event, err := kafka.NewOrderEvent(kafka.EventTypeOrderCreated, order, "").OutboxMessage()
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if err := e.orders.Create(ctx, order, event); err != nil {
		return domain.Order{}, fmt.Errorf("%w: persist order: %v", domain.ErrInternal, err)
	}

	e.metrics.RecordOrderCreated()
	e.appendTimeline(context.WithoutCancel(ctx), domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelineOrderCreated,
		Reason:   string(order.Status),
		Occurred: now,
	})
	logger.Info("order created")

	return order, nil
}

// Transition меняет статус заказа от имени магазина. Заказ ищется по {id, shopkeeper},
// поэтому чужой заказ неотличим от отсутствующего. Сбой уведомления не отменяет смену статуса.
func (e *Engine) Transition(ctx context.Context, orderID, shopkeeperID, rawStatus string) (domain.Order, error) {
	started := e.clock()

	if strings.TrimSpace(shopkeeperID) == "" {
		e.metrics.RecordTransitionRejected("unauthorized")
		return domain.Order{}, fmt.Errorf("%w: shopkeeper identity required", domain.ErrUnauthorized)
	}
	status, err := domain.ParseOrderStatus(rawStatus)
	if err != nil {
		e.metrics.RecordTransitionRejected("invalid_status")
		return domain.Order{}, err
	}

	var previous domain.OrderStatus
	updated, err := e.orders.UpdateStatus(ctx, domain.StatusChange{
		OrderID:      orderID,
		ShopkeeperID: shopkeeperID,
		Status:       status,
		UpdatedAt:    e.clock().UTC(),
		Guard: func(current domain.OrderStatus) error {
			previous = current
			return e.policy.Allow(current, status)
		},
		Events: func(order domain.Order) []domain.OutboxMessage {
			msg, err := kafka.NewOrderEvent(kafka.EventTypeOrderStatusChanged, order, previous).OutboxMessage()
			if err != nil {
				e.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to build status event")
				return nil
			}
			return []domain.OutboxMessage{msg}
		},
	})
	if err != nil {
		switch {
		case domain.IsNotFound(err), domain.IsUnauthorized(err):
			e.metrics.RecordTransitionRejected("not_owned")
			return domain.Order{}, err
		case domain.IsInvalidInput(err):
			e.metrics.RecordTransitionRejected("policy")
			return domain.Order{}, err
		default:
			return domain.Order{}, fmt.Errorf("%w: update order status: %v", domain.ErrInternal, err)
		}
	}

	logger := e.logger.WithFields(log.Fields{
		"order_id":        updated.ID,
		"shopkeeper_id":   shopkeeperID,
		"status":          string(status),
		"previous_status": string(previous),
	})
	logger.Info("order status changed")

	// Статус уже зафиксирован: история и уведомление пишутся даже при отмене запроса.
	committed := context.WithoutCancel(ctx)
	e.appendTimeline(committed, domain.TimelineEvent{
		OrderID:  updated.ID,
		Type:     domain.TimelineOrderStatusChanged,
		Reason:   string(status),
		Occurred: updated.UpdatedAt,
	})
	e.notifyCustomer(committed, updated, logger)
	e.metrics.RecordTransition(string(status), e.clock().Sub(started))

	return updated, nil
}

func (e *Engine) notifyCustomer(ctx context.Context, order domain.Order, logger *log.Entry) {
	if e.emitter == nil {
		return
	}
	_, err := e.emitter.Emit(ctx, StatusNotification(order))
	if err != nil {
		logger.WithError(err).Warn("order status notification failed")
	}
}

// StatusNotification строит уведомление покупателю о новом статусе заказа.
func StatusNotification(order domain.Order) domain.NotificationDraft {
	status := string(order.Status)
	return domain.NotificationDraft{
		RecipientID: order.CustomerID,
		Kind:        domain.NotificationKindOrderUpdate,
		Title:       "Order " + status,
		Message:     fmt.Sprintf("Your order #%s was updated to: %s", order.ShortID(), status),
		Metadata: map[string]any{
			"orderId": order.ID,
			"status":  status,
		},
	}
}

func (e *Engine) appendTimeline(ctx context.Context, event domain.TimelineEvent) {
	if e.timeline == nil {
		return
	}
	if err := e.timeline.Append(ctx, event); err != nil {
		e.logger.WithError(err).WithField("order_id", event.OrderID).Warn("failed to append timeline event")
		return
	}
	e.metrics.RecordTimelineEvent()
}

func paymentMethod(raw string) string {
	if method := strings.TrimSpace(raw); method != "" {
		return method
	}
	return domain.DefaultPaymentMethod
}
