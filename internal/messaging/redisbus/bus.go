// Package redisbus разносит live-push уведомлений между инстансами через Redis pub/sub.
// Каждый инстанс подписан на общий канал и доставляет сообщение в свой реестр присутствия.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
)

// DefaultChannel — канал Redis по умолчанию.
const DefaultChannel = "localshop:notifications"

const (
	publishTimeout       = 2 * time.Second
	defaultMinRetryDelay = 500 * time.Millisecond
	defaultMaxRetryDelay = 30 * time.Second
)

// LocalDeliverer доставляет уведомление в каналы текущего процесса.
type LocalDeliverer interface {
	Push(ctx context.Context, n domain.Notification) error
}

type envelope struct {
	Origin       string              `json:"origin"`
	Notification domain.Notification `json:"notification"`
}

// Bus публикует уведомления в Redis и слушает их обратно.
type Bus struct {
	rdb        redis.UniversalClient
	channel    string
	local      LocalDeliverer
	instanceID string
	metrics    *metrics.LifecycleMetrics
	logger     *log.Entry

	// subscribed выставляется после подтверждения SUBSCRIBE и сбрасывается при потере подписки.
	subscribed    atomic.Bool
	minRetryDelay time.Duration
	maxRetryDelay time.Duration
}

// New создаёт шину. Пустой channel заменяется на DefaultChannel.
func New(rdb redis.UniversalClient, channel string, local LocalDeliverer, m *metrics.LifecycleMetrics, logger *log.Entry) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.WithField("component", "redis-bus")
	}
	return &Bus{
		rdb:           rdb,
		channel:       channel,
		local:         local,
		instanceID:    uuid.NewString(),
		metrics:       m,
		logger:        logger,
		minRetryDelay: defaultMinRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
}

// Push публикует уведомление для всех инстансов. Пока этот инстанс не подписан
// или Redis не доставил сообщение ни одному подписчику, уведомление уходит
// в локальные каналы напрямую.
func (b *Bus) Push(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(envelope{Origin: b.instanceID, Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	logger := b.logger.WithField("notification_id", n.ID)
	receivers, err := b.rdb.Publish(pubCtx, b.channel, payload).Result()
	switch {
	case err != nil:
		logger.WithError(err).Warn("redis publish failed, falling back to local delivery")
		return b.local.Push(ctx, n)
	case !b.subscribed.Load():
		logger.Debug("notification channel is not subscribed yet, delivering locally")
		return b.local.Push(ctx, n)
	case receivers == 0:
		logger.Warn("redis publish reached no subscribers, delivering locally")
		return b.local.Push(ctx, n)
	}
	b.metrics.RecordPush(metrics.PushRemote)
	return nil
}

// Subscribed сообщает, активна ли подписка на канал.
func (b *Bus) Subscribed() bool {
	return b.subscribed.Load()
}

// Run держит подписку на канал до отмены ctx и доставляет входящие уведомления локально.
// Неудачная подписка повторяется с экспоненциальной задержкой.
func (b *Bus) Run(ctx context.Context) error {
	delay := b.minRetryDelay
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			delay = b.minRetryDelay
			continue
		}

		b.logger.WithError(err).WithField("retry_in", delay).Warn("redis subscription failed, delivering locally until it recovers")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.maxRetryDelay {
			delay = b.maxRetryDelay
		}
	}
}

// listen обслуживает одну подписку; nil означает, что канал сообщений закрылся.
func (b *Bus) listen(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer func() {
		b.subscribed.Store(false)
		_ = pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	b.subscribed.Store(true)
	b.logger.WithField("channel", b.channel).Info("subscribed to notification channel")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *Bus) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.WithError(err).Warn("skip malformed notification envelope")
		return
	}
	if env.Notification.RecipientID == "" {
		b.logger.WithField("origin", env.Origin).Warn("skip notification without recipient")
		return
	}
	if err := b.local.Push(ctx, env.Notification); err != nil {
		b.logger.WithError(err).WithField("notification_id", env.Notification.ID).Debug("local delivery failed")
	}
}

// Ping проверяет доступность Redis для readiness.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
