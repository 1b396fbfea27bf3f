package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu     sync.RWMutex
	items  map[string]domain.Order
	outbox domain.OutboxRepository
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
// События outbox пишутся в outbox под той же блокировкой, что и заказ; nil отключает их.
func NewOrderRepository(outbox domain.OutboxRepository) domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:  make(map[string]domain.Order),
		outbox: outbox,
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(ctx context.Context, order domain.Order, events ...domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if err := r.enqueue(ctx, events); err != nil {
		return err
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = cloneOrder(order)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r *orderRepositoryInMemory) ListByCustomer(_ context.Context, customerID string) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.CustomerID == customerID }), nil
}

func (r *orderRepositoryInMemory) ListByShopkeeper(_ context.Context, shopkeeperID string) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.ShopkeeperID == shopkeeperID }), nil
}

func (r *orderRepositoryInMemory) ListByShopkeeperSince(_ context.Context, shopkeeperID string, since time.Time) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool {
		return o.ShopkeeperID == shopkeeperID && !o.CreatedAt.Before(since)
	}), nil
}

// UpdateStatus меняет статус под эксклюзивной блокировкой, заказ ищется по {id, shopkeeper}.
func (r *orderRepositoryInMemory) UpdateStatus(ctx context.Context, change domain.StatusChange) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[change.OrderID]
	if !ok || current.ShopkeeperID != change.ShopkeeperID {
		return domain.Order{}, domain.ErrOrderNotOwned
	}
	if change.Guard != nil {
		if err := change.Guard(current.Status); err != nil {
			return domain.Order{}, err
		}
	}

	updated := cloneOrder(current)
	updated.Status = change.Status
	updated.UpdatedAt = change.UpdatedAt
	updated.Version++

	if change.Events != nil {
		if err := r.enqueue(ctx, change.Events(updated)); err != nil {
			return domain.Order{}, err
		}
	}

	r.items[updated.ID] = updated
	return cloneOrder(updated), nil
}

func (r *orderRepositoryInMemory) enqueue(ctx context.Context, events []domain.OutboxMessage) error {
	if r.outbox == nil {
		return nil
	}
	for _, event := range events {
		if _, err := r.outbox.Enqueue(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (r *orderRepositoryInMemory) list(match func(domain.Order) bool) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if !match(order) {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	if src.Address.Location != nil {
		loc := *src.Address.Location
		dst.Address.Location = &loc
	}
	if src.DeliveryLocation != nil {
		loc := *src.DeliveryLocation
		dst.DeliveryLocation = &loc
	}
	if src.Payment.PaidAt != nil {
		paidAt := *src.Payment.PaidAt
		dst.Payment.PaidAt = &paidAt
	}
	return dst
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
