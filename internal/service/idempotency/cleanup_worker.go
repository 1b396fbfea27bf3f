// Package idempotency чистит просроченные ключи повторов POST /orders.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
)

const (
	defaultCleanupInterval   = 10 * time.Minute
	defaultCleanupBatchSize  = 500
	defaultCleanupMaxBatches = 20
)

// CleanupOptions задаёт параметры очистки.
type CleanupOptions struct {
	Logger     *log.Entry
	Metrics    *metrics.CleanupMetrics
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
	Now        func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

func WithMetrics(m *metrics.CleanupMetrics) CleanupOption {
	return func(opts *CleanupOptions) { opts.Metrics = m }
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithMaxBatches ограничивает число удалений за один проход; остаток уйдёт в следующий.
func WithMaxBatches(n int) CleanupOption {
	return func(opts *CleanupOptions) { opts.MaxBatches = n }
}

// WithClock подменяет часы, по которым определяется истечение ключа.
func WithClock(now func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) { opts.Now = now }
}

// SweepReport — итог одного прохода очистки.
type SweepReport struct {
	Before    time.Time
	Deleted   int
	Batches   int
	Truncated bool
	Duration  time.Duration
}

// CleanupWorker периодически удаляет истёкшие ключи идемпотентности заказов.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.CleanupMetrics
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:   defaultCleanupInterval,
		BatchSize:  defaultCleanupBatchSize,
		MaxBatches: defaultCleanupMaxBatches,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-cleanup")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultCleanupMaxBatches
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &CleanupWorker{
		repo:       repo,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		maxBatches: opts.MaxBatches,
		now:        opts.Now,
	}
}

// Run выполняет проход сразу и затем по интервалу до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup is disabled: repository is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	report, err := w.Sweep(ctx)
	switch {
	case err == nil:
		w.metrics.RecordRun("ok")
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return
	default:
		w.metrics.RecordRun("error")
		w.logger.WithError(err).WithField("deleted", report.Deleted).Warn("idempotency cleanup failed")
		return
	}

	w.metrics.SetLastDeleted(report.Deleted)
	if report.Deleted == 0 {
		return
	}
	entry := w.logger.WithFields(log.Fields{
		"deleted":     report.Deleted,
		"batches":     report.Batches,
		"duration_ms": report.Duration.Milliseconds(),
	})
	if report.Truncated {
		entry.Info("expired checkout keys removed, backlog left for the next run")
		return
	}
	entry.Info("expired checkout keys removed")
}

// Sweep удаляет ключи, истёкшие к текущему моменту, порциями до maxBatches.
// При ошибке report содержит то, что успели удалить.
func (w *CleanupWorker) Sweep(ctx context.Context) (SweepReport, error) {
	started := w.now()
	report := SweepReport{Before: started.UTC()}
	finish := func(err error) (SweepReport, error) {
		report.Duration = w.now().Sub(started)
		return report, err
	}

	for report.Batches < w.maxBatches {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		deleted, err := w.repo.DeleteExpired(ctx, report.Before, w.batchSize)
		if err != nil {
			return finish(err)
		}
		report.Batches++
		report.Deleted += deleted
		w.metrics.RecordDeleted(deleted)

		if deleted < w.batchSize {
			return finish(nil)
		}
	}
	report.Truncated = true
	return finish(nil)
}
