package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-price-scout/aggregate"
	"github.com/aluiziolira/go-price-scout/cache"
	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/pipeline"
	"github.com/aluiziolira/go-price-scout/service"
)

type staticDir []models.Store

func (d staticDir) ActiveStores(context.Context) ([]models.Store, error) {
	return d, nil
}

type recordingAgg struct {
	mu    sync.Mutex
	terms []string
}

func (a *recordingAgg) SearchCard(_ context.Context, term string, stores []string) (*aggregate.Result, error) {
	a.mu.Lock()
	a.terms = append(a.terms, term)
	a.mu.Unlock()
	res := &aggregate.Result{ByStore: make(map[string][]models.StoreResult)}
	for _, s := range stores {
		res.ByStore[s] = nil
	}
	return res, nil
}

func (a *recordingAgg) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.terms)
}

func setup(t *testing.T, items []string) (*Scheduler, *cache.Coordinator, *recordingAgg) {
	t.Helper()
	backend := cache.NewMemoryBackend()
	coord := cache.NewCoordinator(backend, cache.Options{})
	agg := &recordingAgg{}
	runner := pipeline.NewRunner(agg, coord, pipeline.Options{})
	runner.Start(2)
	t.Cleanup(func() {
		runner.Close()
		backend.Close()
	})

	svc := service.New(staticDir{{ID: "alpha", Adapter: "shopify", Active: true}}, coord, runner, service.Options{})
	return New(svc, coord, items), coord, agg
}

func TestRunOnceRecordsCompletion(t *testing.T) {
	s, coord, agg := setup(t, []string{"Urza's Saga", "Sol Ring"})
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx))
	require.Equal(t, 2, agg.count())

	status, err := coord.SchedulerJobStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, status.Status)
	require.Equal(t, 2, status.TotalCount)
	require.Equal(t, 2, status.CurrentCount)
	require.NotNil(t, status.FinishedAt)
	require.False(t, status.FinishedAt.Before(status.InitiatedAt))

	entry, err := coord.GetStoreResult(ctx, "sol ring", "alpha")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestRunOnceSkipsWhileAnotherInstanceRuns(t *testing.T) {
	s, coord, agg := setup(t, []string{"saga"})
	ctx := context.Background()

	require.NoError(t, coord.SetSchedulerJobStatus(ctx, models.SchedulerJobStatus{
		InitiatedAt: time.Now().Add(-time.Minute),
		Status:      models.JobRunning,
		TotalCount:  10,
	}))
	require.ErrorIs(t, s.RunOnce(ctx), ErrAlreadyRunning)
	require.Equal(t, 0, agg.count())

	// a running status older than the stale bound is ignored
	require.NoError(t, coord.SetSchedulerJobStatus(ctx, models.SchedulerJobStatus{
		InitiatedAt: time.Now().Add(-7 * time.Hour),
		Status:      models.JobRunning,
	}))
	require.NoError(t, s.RunOnce(ctx))
	require.Equal(t, 1, agg.count())
}

func TestRunOnceCountsItemsAlreadyBeingScraped(t *testing.T) {
	s, coord, agg := setup(t, []string{"saga", "sol ring"})
	ctx := context.Background()

	_, err := coord.ClaimStores(ctx, "saga", []string{"alpha"}, "elsewhere")
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))
	require.Equal(t, 1, agg.count())

	status, err := coord.SchedulerJobStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.CurrentCount)
	require.Equal(t, models.JobCompleted, status.Status)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s, _, _ := setup(t, nil)
	require.Error(t, s.Start("not a cron spec"))
	require.NoError(t, s.Start("@every 1h"))
	<-s.Stop().Done()
}
