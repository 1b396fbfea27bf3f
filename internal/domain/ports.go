package domain

import (
	"context"
	"time"
)

// StatusChange описывает атомарное изменение статуса заказа в хранилище.
// Поиск выполняется по паре {OrderID, ShopkeeperID}: чужой заказ неотличим от отсутствующего.
type StatusChange struct {
	OrderID      string
	ShopkeeperID string
	Status       OrderStatus
	UpdatedAt    time.Time
	// Guard вызывается с текущим статусом внутри той же транзакции; ошибка отменяет запись.
	Guard func(current OrderStatus) error
	// Events строит события outbox по обновлённому заказу; пишутся в той же транзакции.
	Events func(updated Order) []OutboxMessage
}

// OrderRepository — единственный владелец записей заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с событиями outbox.
	Create(ctx context.Context, order Order, events ...OutboxMessage) error
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer и ListByShopkeeper возвращают заказы, новые первыми.
	ListByCustomer(ctx context.Context, customerID string) ([]Order, error)
	ListByShopkeeper(ctx context.Context, shopkeeperID string) ([]Order, error)
	// ListByShopkeeperSince возвращает заказы магазина, созданные не раньше since.
	ListByShopkeeperSince(ctx context.Context, shopkeeperID string, since time.Time) ([]Order, error)
	// UpdateStatus выполняет read-modify-write по {id, shopkeeper} атомарно.
	UpdateStatus(ctx context.Context, change StatusChange) (Order, error)
}

// NotificationRepository — журнал уведомлений.
type NotificationRepository interface {
	Create(ctx context.Context, n Notification) error
	// ListByRecipient возвращает уведомления получателя, новые первыми.
	ListByRecipient(ctx context.Context, recipientID string) ([]Notification, error)
	// MarkRead идемпотентен; чужое или отсутствующее уведомление даёт ErrNotificationNotFound.
	MarkRead(ctx context.Context, recipientID, id string) (Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// ProductCatalog — внешний каталог товаров.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (Product, error)
}

// UserDirectory — внешний справочник пользователей.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (UserProfile, error)
	ListShopkeepers(ctx context.Context) ([]UserProfile, error)
}

// NotificationEmitter сохраняет уведомление и пытается доставить его сразу.
type NotificationEmitter interface {
	Emit(ctx context.Context, draft NotificationDraft) (Notification, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
