package notify

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
	"github.com/vladislavdragonenkov/localshop/internal/presence"
)

// LocalPusher рассылает уведомление во все каналы получателя в этом процессе.
type LocalPusher struct {
	registry *presence.Registry
	metrics  *metrics.LifecycleMetrics
	logger   *log.Entry
}

// NewLocalPusher создаёт pusher поверх реестра присутствия.
func NewLocalPusher(registry *presence.Registry, m *metrics.LifecycleMetrics, logger *log.Entry) *LocalPusher {
	if logger == nil {
		logger = log.WithField("component", "local-pusher")
	}
	return &LocalPusher{registry: registry, metrics: m, logger: logger}
}

// Push не ждёт подтверждений. Отсутствие каналов — не ошибка.
func (p *LocalPusher) Push(_ context.Context, n domain.Notification) error {
	channels := p.registry.ChannelsFor(n.RecipientID)
	if len(channels) == 0 {
		p.metrics.RecordPush(metrics.PushOffline)
		return nil
	}

	var errs []error
	for _, ch := range channels {
		if err := ch.Deliver(n); err != nil {
			p.metrics.RecordPush(metrics.PushDropped)
			p.logger.WithFields(log.Fields{
				"channel_id":      ch.ID(),
				"notification_id": n.ID,
			}).WithError(err).Debug("push dropped")
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ID(), err))
			continue
		}
		p.metrics.RecordPush(metrics.PushDelivered)
	}
	return errors.Join(errs...)
}

var _ Pusher = (*LocalPusher)(nil)
