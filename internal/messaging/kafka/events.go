package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// EventType определяет тип события заказа.
type EventType string

const (
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderStatusChanged EventType = "order.status_changed"
)

// Topics для Kafka.
const (
	TopicOrderEvents     = "localshop.order.events"
	TopicDeadLetterQueue = "localshop.order.events.dlq"
)

// AggregateOrder — тип агрегата в outbox.
const AggregateOrder = "order"

// Kafka headers.
const (
	HeaderEventType     = "x-event-type"
	HeaderOriginalTopic = "x-original-topic"
)

// OrderEvent — доменное событие заказа, публикуемое через outbox.
type OrderEvent struct {
	EventType      EventType `json:"event_type"`
	OrderID        string    `json:"order_id"`
	CustomerID     string    `json:"customer_id"`
	ShopkeeperID   string    `json:"shopkeeper_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Total          string    `json:"total"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewOrderEvent строит событие по состоянию заказа. previous пуст для order.created.
func NewOrderEvent(eventType EventType, order domain.Order, previous domain.OrderStatus) *OrderEvent {
	ts := order.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &OrderEvent{
		EventType:      eventType,
		OrderID:        order.ID,
		CustomerID:     order.CustomerID,
		ShopkeeperID:   order.ShopkeeperID,
		Status:         string(order.Status),
		PreviousStatus: string(previous),
		Total:          order.Total.StringFixed(2),
		Timestamp:      ts,
	}
}

// OutboxMessage упаковывает событие для записи в transactional outbox.
func (e *OrderEvent) OutboxMessage() (domain.OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal order event: %w", err)
	}
	return domain.OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   e.OrderID,
		EventType:     string(e.EventType),
		Payload:       payload,
		CreatedAt:     e.Timestamp,
	}, nil
}
