package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-scout/aggregate"
	"github.com/aluiziolira/go-price-scout/models"
)

type aggFunc func(ctx context.Context, term string, stores []string) (*aggregate.Result, error)

func (f aggFunc) SearchCard(ctx context.Context, term string, stores []string) (*aggregate.Result, error) {
	return f(ctx, term, stores)
}

type write struct {
	item       string
	store      string
	results    int
	errMsg     string
	retryCount int
}

type mockStore struct {
	mu       sync.Mutex
	ops      []string
	writes   map[string]write
	failSet  error
	released []string
	previous map[string]*models.StoreCacheEntry
}

func newMockStore() *mockStore {
	return &mockStore{writes: make(map[string]write)}
}

func (m *mockStore) GetStoreResult(_ context.Context, _, store string) (*models.StoreCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous[store], nil
}

func (m *mockStore) SetStoreResult(_ context.Context, item, store string, results []models.StoreResult, errMsg string, retryCount int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "set:"+store)
	if m.failSet != nil {
		return m.failSet
	}
	m.writes[store] = write{item: item, store: store, results: len(results), errMsg: errMsg, retryCount: retryCount}
	return nil
}

func (m *mockStore) ReleaseScrapeLock(_ context.Context, item, store, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "release:"+store)
	m.released = append(m.released, token)
	return nil
}

func (m *mockStore) snapshot() ([]string, map[string]write) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := append([]string(nil), m.ops...)
	writes := make(map[string]write, len(m.writes))
	for k, v := range m.writes {
		writes[k] = v
	}
	return ops, writes
}

func splitResult(ok map[string]int, failed map[string]string) *aggregate.Result {
	res := &aggregate.Result{ByStore: make(map[string][]models.StoreResult)}
	for store, n := range ok {
		for i := 0; i < n; i++ {
			r := models.StoreResult{Listing: models.Listing{Title: "Saga", Price: int64(100 * (i + 1))}, StoreID: store}
			res.Results = append(res.Results, r)
			res.ByStore[store] = append(res.ByStore[store], r)
		}
	}
	for store, msg := range failed {
		res.StoreErrors = append(res.StoreErrors, models.StoreError{StoreID: store, Error: msg})
		res.ByStore[store] = nil
	}
	return res
}

func waitHandle(t *testing.T, h *Handle) *models.JobResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return res
}

func TestRunnerWritesBeforeReleasing(t *testing.T) {
	store := newMockStore()
	agg := aggFunc(func(_ context.Context, term string, stores []string) (*aggregate.Result, error) {
		return splitResult(map[string]int{"alpha": 2, "beta": 1}, nil), nil
	})
	r := NewRunner(agg, store, Options{})
	r.Start(2)
	defer r.Close()

	h, err := r.Enqueue(context.Background(), models.ScrapeJob{
		Item:      "Urza's Saga",
		LockToken: "tok",
		Stores:    []string{"alpha", "beta"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if h.JobID == "" {
		t.Fatal("expected generated job id")
	}

	res := waitHandle(t, h)
	if res.ResultCount != 3 {
		t.Fatalf("result count = %d, want 3", res.ResultCount)
	}
	if res.Item != "urza's saga" {
		t.Fatalf("item = %q, want normalised name", res.Item)
	}

	ops, writes := store.snapshot()
	want := []string{"set:alpha", "release:alpha", "set:beta", "release:beta"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
	if writes["alpha"].results != 2 || writes["alpha"].item != "urza's saga" {
		t.Fatalf("alpha write = %+v", writes["alpha"])
	}
}

func TestRunnerRetryCount(t *testing.T) {
	tests := []struct {
		name     string
		retry    map[string]models.RetryContext
		previous *models.StoreCacheEntry
		fail     bool
		want     int
	}{
		{name: "first failure", fail: true, want: 0},
		{name: "failed retry increments", retry: map[string]models.RetryContext{"alpha": {Error: "timeout", RetryCount: 1}}, fail: true, want: 2},
		{name: "successful retry resets", retry: map[string]models.RetryContext{"alpha": {Error: "timeout", RetryCount: 1}}, want: 0},
		{name: "rescrape keeps exhausted count", previous: &models.StoreCacheEntry{Error: "boom", RetryCount: 2}, fail: true, want: 3},
		{name: "failure after cached success", previous: &models.StoreCacheEntry{}, fail: true, want: 0},
		{name: "cache ahead of job", retry: map[string]models.RetryContext{"alpha": {Error: "timeout", RetryCount: 1}}, previous: &models.StoreCacheEntry{Error: "timeout", RetryCount: 2}, fail: true, want: 3},
		{name: "successful rescrape resets", previous: &models.StoreCacheEntry{Error: "boom", RetryCount: 2}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			if tt.previous != nil {
				store.previous = map[string]*models.StoreCacheEntry{"alpha": tt.previous}
			}
			agg := aggFunc(func(context.Context, string, []string) (*aggregate.Result, error) {
				if tt.fail {
					return splitResult(nil, map[string]string{"alpha": "timeout"}), nil
				}
				return splitResult(map[string]int{"alpha": 1}, nil), nil
			})
			r := NewRunner(agg, store, Options{})
			r.Start(1)
			defer r.Close()

			h, err := r.Enqueue(context.Background(), models.ScrapeJob{Item: "saga", Stores: []string{"alpha"}, Retry: tt.retry})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			waitHandle(t, h)

			_, writes := store.snapshot()
			got := writes["alpha"]
			if got.retryCount != tt.want {
				t.Fatalf("retry count = %d, want %d", got.retryCount, tt.want)
			}
			if tt.fail != (got.errMsg != "") {
				t.Fatalf("error message = %q, fail = %v", got.errMsg, tt.fail)
			}
		})
	}
}

func TestRunnerAggregatorFailureMarksEveryStore(t *testing.T) {
	tests := []struct {
		name string
		agg  aggFunc
	}{
		{"error", func(context.Context, string, []string) (*aggregate.Result, error) {
			return nil, errors.New("directory down")
		}},
		{"panic", func(context.Context, string, []string) (*aggregate.Result, error) {
			panic("boom")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			r := NewRunner(tt.agg, store, Options{})
			r.Start(1)
			defer r.Close()

			h, err := r.Enqueue(context.Background(), models.ScrapeJob{Item: "saga", LockToken: "tok", Stores: []string{"alpha", "beta"}})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			res := waitHandle(t, h)
			if len(res.StoreErrors) != 2 {
				t.Fatalf("store errors = %v, want 2", res.StoreErrors)
			}

			_, writes := store.snapshot()
			for _, s := range []string{"alpha", "beta"} {
				if writes[s].errMsg == "" {
					t.Fatalf("store %s has no error entry", s)
				}
			}
			if got := len(store.released); got != 2 {
				t.Fatalf("released = %d, want 2", got)
			}
		})
	}
}

func TestRunnerReleasesLockWhenWriteFails(t *testing.T) {
	store := newMockStore()
	store.failSet = errors.New("redis down")
	agg := aggFunc(func(context.Context, string, []string) (*aggregate.Result, error) {
		return splitResult(map[string]int{"alpha": 1}, nil), nil
	})
	r := NewRunner(agg, store, Options{})
	r.Start(1)
	defer r.Close()

	h, err := r.Enqueue(context.Background(), models.ScrapeJob{Item: "saga", LockToken: "tok", Stores: []string{"alpha"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := waitHandle(t, h)
	if res.WriteFailure == "" {
		t.Fatal("expected write failure to be reported")
	}
	if len(store.released) != 1 {
		t.Fatalf("lock not released after failed write")
	}
}

func TestRunnerHighPriorityFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	agg := aggFunc(func(_ context.Context, term string, _ []string) (*aggregate.Result, error) {
		mu.Lock()
		order = append(order, term)
		mu.Unlock()
		return splitResult(nil, nil), nil
	})
	r := NewRunner(agg, newMockStore(), Options{})

	ctx := context.Background()
	var handles []*Handle
	for _, job := range []models.ScrapeJob{
		{Item: "low-1", Stores: []string{"a"}, Priority: models.PriorityLow},
		{Item: "low-2", Stores: []string{"a"}, Priority: models.PriorityLow},
		{Item: "high", Stores: []string{"a"}, Priority: models.PriorityHigh},
	} {
		h, err := r.Enqueue(ctx, job)
		if err != nil {
			t.Fatalf("enqueue %s: %v", job.Item, err)
		}
		handles = append(handles, h)
	}

	r.Start(1)
	for _, h := range handles {
		waitHandle(t, h)
	}
	r.Close()

	if len(order) != 3 || order[0] != "high" {
		t.Fatalf("order = %v, want high first", order)
	}
}

func TestRunnerCloseDrainsQueuedJobs(t *testing.T) {
	store := newMockStore()
	agg := aggFunc(func(context.Context, string, []string) (*aggregate.Result, error) {
		return splitResult(map[string]int{"alpha": 1}, nil), nil
	})
	r := NewRunner(agg, store, Options{QueueSize: 64})

	var handles []*Handle
	for i := 0; i < 20; i++ {
		h, err := r.Enqueue(context.Background(), models.ScrapeJob{Item: "saga", Stores: []string{"alpha"}})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		handles = append(handles, h)
	}
	r.Start(3)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("job left unprocessed after close")
		}
	}
	if got := r.GetStats().Processed; got != 20 {
		t.Fatalf("processed = %d, want 20", got)
	}

	if _, err := r.Enqueue(context.Background(), models.ScrapeJob{Item: "saga", Stores: []string{"alpha"}}); !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("enqueue after close: %v, want ErrRunnerClosed", err)
	}
}

func TestRunnerRejectsEmptyJob(t *testing.T) {
	r := NewRunner(aggFunc(nil), newMockStore(), Options{})
	if _, err := r.Enqueue(context.Background(), models.ScrapeJob{Item: "saga"}); !errors.Is(err, ErrNoStores) {
		t.Fatalf("err = %v, want ErrNoStores", err)
	}
}

func TestHandleWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	agg := aggFunc(func(context.Context, string, []string) (*aggregate.Result, error) {
		<-release
		return splitResult(nil, nil), nil
	})
	r := NewRunner(agg, newMockStore(), Options{})
	r.Start(1)
	defer r.Close()
	defer close(release)

	h, err := r.Enqueue(context.Background(), models.ScrapeJob{Item: "saga", Stores: []string{"alpha"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait err = %v, want deadline exceeded", err)
	}
}
