// Package outbox публикует события заказов из transactional outbox в брокер.
//
// События одного заказа уходят строго в порядке записи: если событие заказа
// не удалось опубликовать, следующие события этого заказа ждут следующего цикла.
// Другие заказы при этом продолжают публиковаться.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// Результаты публикации для метрик.
const (
	resultSent       = "sent"
	resultRetry      = "retry_error"
	resultHeld       = "held"
	resultBlocked    = "blocked"
	resultParked     = "parked"
	resultDLQFailure = "dlq_failed"
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.OutboxMetrics
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithMetrics задаёт метрики публикации и backlog.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, которые нельзя опубликовать.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации события за один цикл.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт базовую задержку между попытками.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// Worker публикует pending-события заказов.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		dlqPublisher:   opts.DLQPublisher,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// orderStream — события одного заказа из батча в порядке записи.
type orderStream struct {
	orderID string
	events  []domain.OutboxMessage
}

// streamsByOrder раскладывает батч по заказам, сохраняя порядок внутри заказа
// и порядок первого появления заказов.
func streamsByOrder(events []domain.OutboxMessage) []orderStream {
	index := make(map[string]int)
	var streams []orderStream
	for _, event := range events {
		key := event.AggregateID
		if key == "" {
			key = event.ID
		}
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, orderStream{orderID: key})
		}
		streams[i].events = append(streams[i].events, event)
	}
	return streams
}

// ProcessOnce выполняет один цикл публикации.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.refreshBacklogMetrics(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}
	if len(events) == 0 {
		return
	}

	for _, stream := range streamsByOrder(events) {
		if ctx.Err() != nil {
			return
		}
		w.drainOrder(ctx, stream)
	}

	w.refreshBacklogMetrics(ctx)
}

// drainOrder публикует события заказа по очереди и останавливается на первом,
// которое не удалось отправить: оно и все следующие остаются pending.
func (w *Worker) drainOrder(ctx context.Context, stream orderStream) {
	for i, event := range stream.events {
		logger := w.logger.WithFields(log.Fields{
			"order_id":   stream.orderID,
			"outbox_id":  event.ID,
			"event_type": event.EventType,
		})

		err := w.publishWithRetry(ctx, event)
		switch {
		case err == nil:
			if markErr := w.repo.MarkSent(ctx, event.ID); markErr != nil {
				logger.WithError(markErr).Warn("failed to mark outbox message as sent")
			}
		case errors.Is(err, domain.ErrOutboxUndeliverable):
			w.park(ctx, event, err, logger)
		case ctx.Err() != nil:
			return
		default:
			blocked := len(stream.events) - i - 1
			logger.WithError(err).WithField("blocked_events", blocked).
				Warn("order event publish failed, holding the order until the next cycle")
			w.metrics.RecordPublish(resultHeld)
			for range blocked {
				w.metrics.RecordPublish(resultBlocked)
			}
			return
		}
	}
}

// park убирает из очереди событие, которое нельзя опубликовать, и копирует его в DLQ.
func (w *Worker) park(ctx context.Context, event domain.OutboxMessage, cause error, logger *log.Entry) {
	logger.WithError(cause).Error("order event is undeliverable, moving it to the dead letter queue")
	w.metrics.RecordPublish(resultParked)

	if err := w.publishToDLQ(event, cause); err != nil {
		logger.WithError(err).Warn("failed to publish to DLQ")
		w.metrics.RecordPublish(resultDLQFailure)
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		logger.WithError(err).Warn("failed to mark outbox message as failed")
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(event)
		if err == nil {
			w.metrics.RecordPublish(resultSent)
			return nil
		}
		if errors.Is(err, domain.ErrOutboxUndeliverable) {
			return err
		}
		lastErr = err
		w.metrics.RecordPublish(resultRetry)

		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

// retryBackoff — base * 2^(attempt-1) без переполнения.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay > 0; i++ {
		if delay > time.Duration(1<<62) {
			return delay
		}
		delay *= 2
	}
	return delay
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	var age float64
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(time.Since(stats.OldestPendingAt).Seconds(), 0)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

// deadLetter — тело сообщения в DLQ; cmd/dlq-reprocess восстанавливает из него событие.
type deadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	ParkedAt      time.Time       `json:"dlq_published_at"`
}

func (w *Worker) publishToDLQ(event domain.OutboxMessage, cause error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		// битый payload кладём строкой, чтобы конверт DLQ оставался валидным JSON
		quoted, err := json.Marshal(string(event.Payload))
		if err != nil {
			return fmt.Errorf("quote dlq payload: %w", err)
		}
		payload = quoted
	}

	body, err := json.Marshal(deadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishError:  cause.Error(),
		ParkedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	err = w.dlqPublisher.Publish(domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       body,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
