package domain

import "time"

// NotificationKind — тип уведомления.
type NotificationKind string

const (
	// NotificationKindOrderUpdate — изменился статус заказа.
	NotificationKindOrderUpdate NotificationKind = "ORDER_UPDATE"
	// NotificationKindGeneric — прочие уведомления.
	NotificationKindGeneric NotificationKind = "GENERIC"
)

// Notification — запись журнала уведомлений. Создаётся один раз, меняется только флаг Read.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"userId"`
	Kind        NotificationKind `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Metadata    map[string]any   `json:"meta,omitempty"`
	Read        bool             `json:"isRead"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// NotificationDraft — данные для Emit до присвоения идентификатора и времени.
type NotificationDraft struct {
	RecipientID string
	Kind        NotificationKind
	Title       string
	Message     string
	Metadata    map[string]any
}
