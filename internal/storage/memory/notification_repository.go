package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// notificationRepositoryInMemory — журнал уведомлений в памяти, индексированный по получателю.
type notificationRepositoryInMemory struct {
	mu          sync.RWMutex
	byID        map[string]domain.Notification
	byRecipient map[string][]string
}

// NewNotificationRepository создаёт in-memory реализацию NotificationRepository.
func NewNotificationRepository() domain.NotificationRepository {
	return &notificationRepositoryInMemory{
		byID:        make(map[string]domain.Notification),
		byRecipient: make(map[string][]string),
	}
}

// Create добавляет уведомление в журнал.
func (r *notificationRepositoryInMemory) Create(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[n.ID]; exists {
		return domain.ErrInternal
	}
	r.byID[n.ID] = cloneNotification(n)
	r.byRecipient[n.RecipientID] = append(r.byRecipient[n.RecipientID], n.ID)
	return nil
}

// ListByRecipient возвращает уведомления получателя, новые первыми.
func (r *notificationRepositoryInMemory) ListByRecipient(_ context.Context, recipientID string) ([]domain.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRecipient[recipientID]
	result := make([]domain.Notification, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneNotification(r.byID[id]))
	}
	SortNewestFirst(result)
	return result, nil
}

// MarkRead выставляет флаг прочтения; повторный вызов не ошибка.
func (r *notificationRepositoryInMemory) MarkRead(_ context.Context, recipientID, id string) (domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byID[id]
	if !ok || n.RecipientID != recipientID {
		return domain.Notification{}, domain.ErrNotificationNotFound
	}
	n.Read = true
	r.byID[id] = n
	return cloneNotification(n), nil
}

func (r *notificationRepositoryInMemory) CountUnread(_ context.Context, recipientID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, id := range r.byRecipient[recipientID] {
		if !r.byID[id].Read {
			count++
		}
	}
	return count, nil
}

// SortNewestFirst упорядочивает уведомления: новые первыми, при равном времени — по убыванию id.
func SortNewestFirst(items []domain.Notification) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}

func cloneNotification(src domain.Notification) domain.Notification {
	dst := src
	if src.Metadata != nil {
		dst.Metadata = maps.Clone(src.Metadata)
	}
	return dst
}

var _ domain.NotificationRepository = (*notificationRepositoryInMemory)(nil)
