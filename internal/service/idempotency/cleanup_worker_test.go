package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/metrics"
	"github.com/vladislavdragonenkov/localshop/internal/storage/memory"
)

var _ domain.IdempotencyRepository = (*stubCleanupRepo)(nil)

func TestCleanupWorker_SweepDrainsInBatches(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteResults: []int{2, 2, 1}}
	worker := NewCleanupWorker(repo, WithBatchSize(2))

	report, err := worker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Deleted)
	assert.Equal(t, 3, report.Batches)
	assert.False(t, report.Truncated)
	assert.Equal(t, 3, repo.calls())
}

func TestCleanupWorker_SweepStopsAtBatchLimit(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteResults: []int{2, 2, 2, 2}}
	worker := NewCleanupWorker(repo, WithBatchSize(2), WithMaxBatches(2))

	report, err := worker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Deleted)
	assert.True(t, report.Truncated, "backlog must be reported as left over")
	assert.Equal(t, 2, repo.calls())
}

func TestCleanupWorker_SweepUsesOneCutoff(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := &stubCleanupRepo{deleteResults: []int{1, 1, 0}}
	worker := NewCleanupWorker(repo, WithBatchSize(1), WithClock(func() time.Time { return cutoff }))

	report, err := worker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cutoff, report.Before)
	for _, before := range repo.befores() {
		assert.Equal(t, cutoff, before)
	}
}

func TestCleanupWorker_SweepReportsPartialProgressOnError(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{
		deleteResults: []int{3},
		deleteErrors:  []error{nil, errors.New("connection reset")},
	}
	worker := NewCleanupWorker(repo, WithBatchSize(3))

	report, err := worker.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, report.Deleted)
	assert.Equal(t, 1, report.Batches)
}

func TestCleanupWorker_RunRecordsMetricsAndStops(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	repo := &stubCleanupRepo{deleteResults: []int{4}}
	worker := NewCleanupWorker(repo,
		WithInterval(5*time.Millisecond),
		WithBatchSize(10),
		WithMetrics(metrics.NewCleanupMetricsWithRegisterer(reg)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return repo.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var deleted float64
	for _, family := range families {
		if family.GetName() == "localshop_idempotency_cleanup_deleted_total" {
			deleted = family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(4), deleted)
}

func TestCleanupWorker_NilRepositoryDisablesRun(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewCleanupWorker(nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without repository must return immediately")
	}
}

func TestCleanupWorker_MemoryRepositoryKeepsLiveCheckouts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := memory.NewIdempotencyRepositoryWithClock(clock)

	for _, customer := range []string{"cust-1", "cust-2", "cust-3"} {
		key, err := domain.ScopeIdempotencyKey(customer, "checkout")
		require.NoError(t, err)
		_, err = repo.CreateProcessing(ctx, key, "hash", now.Add(-time.Minute))
		require.NoError(t, err)
	}
	live, err := domain.ScopeIdempotencyKey("cust-4", "checkout")
	require.NoError(t, err)
	_, err = repo.CreateProcessing(ctx, live, "hash", now.Add(time.Hour))
	require.NoError(t, err)

	worker := NewCleanupWorker(repo, WithBatchSize(2), WithClock(clock))
	report, err := worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Deleted)
	assert.Equal(t, 2, report.Batches)

	_, err = repo.Get(ctx, live)
	assert.NoError(t, err, "live checkout key must survive cleanup")
}

type stubCleanupRepo struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	cutoffs       []time.Time
}

func (s *stubCleanupRepo) CreateProcessing(context.Context, string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) Get(context.Context, string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkDone(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkFailed(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) DeleteExpired(_ context.Context, before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cutoffs = append(s.cutoffs, before)

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubCleanupRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cutoffs)
}

func (s *stubCleanupRepo) befores() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.cutoffs...)
}
