// Package notify сохраняет уведомления и доставляет их в открытые каналы.
// Две гарантии независимы: запись в журнал обязательна, live-доставка best-effort.
package notify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
)

// Pusher доставляет сохранённое уведомление в live-каналы получателя.
type Pusher interface {
	Push(ctx context.Context, n domain.Notification) error
}

// DispatcherOptions задаёт параметры Dispatcher.
type DispatcherOptions struct {
	Logger  *log.Entry
	Metrics *metrics.LifecycleMetrics
	Clock   func() time.Time
}

// Option настраивает Dispatcher.
type Option func(*DispatcherOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *DispatcherOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(opts *DispatcherOptions) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени (тесты).
func WithClock(clock func() time.Time) Option {
	return func(opts *DispatcherOptions) {
		opts.Clock = clock
	}
}

// Dispatcher — единственная точка создания уведомлений.
type Dispatcher struct {
	repo    domain.NotificationRepository
	pusher  Pusher
	logger  *log.Entry
	metrics *metrics.LifecycleMetrics
	clock   func() time.Time

	idMu    sync.Mutex
	entropy io.Reader
}

// NewDispatcher создаёт Dispatcher. pusher может быть nil: тогда уведомления только сохраняются.
func NewDispatcher(repo domain.NotificationRepository, pusher Pusher, options ...Option) *Dispatcher {
	opts := DispatcherOptions{Clock: time.Now}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "notify-dispatcher")
	}

	return &Dispatcher{
		repo:    repo,
		pusher:  pusher,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Emit сохраняет уведомление и пытается доставить его сразу.
// Ошибка записи возвращается как ErrInternal, ошибка доставки только логируется.
func (d *Dispatcher) Emit(ctx context.Context, draft domain.NotificationDraft) (domain.Notification, error) {
	recipient := strings.TrimSpace(draft.RecipientID)
	if recipient == "" {
		return domain.Notification{}, domain.ErrRecipientRequired
	}

	kind := draft.Kind
	if kind == "" {
		kind = domain.NotificationKindGeneric
	}

	now := d.clock().UTC()
	n := domain.Notification{
		ID:          d.newID(now),
		RecipientID: recipient,
		Kind:        kind,
		Title:       draft.Title,
		Message:     draft.Message,
		Metadata:    draft.Metadata,
		CreatedAt:   now,
	}

	logger := d.logger.WithFields(log.Fields{
		"notification_id": n.ID,
		"user_id":         recipient,
	})

	if err := d.repo.Create(ctx, n); err != nil {
		d.metrics.RecordEmitFailure()
		logger.WithError(err).Error("failed to persist notification")
		return domain.Notification{}, fmt.Errorf("%w: persist notification: %v", domain.ErrInternal, err)
	}
	d.metrics.RecordNotificationEmitted(string(kind))

	if d.pusher != nil {
		if err := d.pusher.Push(ctx, n); err != nil {
			logger.WithError(err).Warn("live push failed, notification stays in backlog")
		}
	}

	return n, nil
}

// FetchBacklog возвращает все уведомления пользователя, новые первыми, вне зависимости от Read.
func (d *Dispatcher) FetchBacklog(ctx context.Context, userID string) ([]domain.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrUnauthorized
	}

	items, err := d.repo.ListByRecipient(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list notifications: %v", domain.ErrInternal, err)
	}
	return items, nil
}

// MarkRead отмечает уведомление прочитанным. Повторный вызов успешен.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID string) (domain.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Notification{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(notificationID) == "" {
		return domain.Notification{}, domain.ErrNotificationNotFound
	}

	n, err := d.repo.MarkRead(ctx, userID, notificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Notification{}, err
		}
		return domain.Notification{}, fmt.Errorf("%w: mark notification read: %v", domain.ErrInternal, err)
	}
	return n, nil
}

// UnreadCount возвращает число непрочитанных уведомлений.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, domain.ErrUnauthorized
	}

	count, err := d.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: count unread notifications: %v", domain.ErrInternal, err)
	}
	return count, nil
}

// newID выдаёт ULID: идентификаторы растут вместе со временем создания.
func (d *Dispatcher) newID(at time.Time) string {
	d.idMu.Lock()
	defer d.idMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), d.entropy).String()
}

var _ domain.NotificationEmitter = (*Dispatcher)(nil)
