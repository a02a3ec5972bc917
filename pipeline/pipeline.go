// Package pipeline runs scrape jobs on a bounded worker pool and writes their
// per-store outcomes back to the coordination layer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-price-scout/aggregate"
	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
)

var (
	// ErrRunnerClosed is returned when Enqueue is called after shutdown.
	ErrRunnerClosed = errors.New("pipeline: runner closed")
	// ErrNoStores rejects jobs without a store subset.
	ErrNoStores = errors.New("pipeline: job has no stores")
)

const (
	defaultQueueSize  = 256
	defaultJobTimeout = 2 * time.Minute
	writeTimeout      = 10 * time.Second
)

// Aggregator is the fan-out a worker runs for each job.
type Aggregator interface {
	SearchCard(ctx context.Context, term string, stores []string) (*aggregate.Result, error)
}

// ResultStore receives one entry per store and owns the scrape locks.
type ResultStore interface {
	GetStoreResult(ctx context.Context, item, store string) (*models.StoreCacheEntry, error)
	SetStoreResult(ctx context.Context, item, store string, results []models.StoreResult, errMsg string, retryCount int, ts time.Time) error
	ReleaseScrapeLock(ctx context.Context, item, store, token string) error
}

// Options tune a Runner.
type Options struct {
	QueueSize  int
	JobTimeout time.Duration
	Metrics    *Metrics
}

// Runner processes scrape jobs with bounded concurrency. High priority jobs
// are always taken before queued low priority ones.
type Runner struct {
	agg        Aggregator
	store      ResultStore
	high       chan *task
	low        chan *task
	jobTimeout time.Duration
	metrics    *Metrics

	wg sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64

	mu      sync.RWMutex // guards closed
	closed  bool
	started bool

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

type task struct {
	job    models.ScrapeJob
	handle *Handle
}

// Handle tracks one enqueued job. Callers may ignore it.
type Handle struct {
	JobID string

	done   chan struct{}
	result *models.JobResult
}

// Done is closed when the job has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*models.JobResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewRunner builds a runner; call Start to launch workers.
func NewRunner(agg Aggregator, store ResultStore, opts Options) *Runner {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	return &Runner{
		agg:        agg,
		store:      store,
		high:       make(chan *task, opts.QueueSize),
		low:        make(chan *task, opts.QueueSize),
		jobTimeout: opts.JobTimeout,
		metrics:    opts.Metrics,
		shutdown:   make(chan struct{}),
	}
}

// Start launches worker goroutines. Calling it more than once is a no-op.
func (r *Runner) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	r.mu.Lock()
	if r.closed || r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Enqueue submits job and returns without waiting for it to run. It blocks
// only while the job's lane is full.
func (r *Runner) Enqueue(ctx context.Context, job models.ScrapeJob) (*Handle, error) {
	if len(job.Stores) == 0 {
		return nil, ErrNoStores
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.NormalizedItem == "" {
		job.NormalizedItem = parser.NormalizeItemName(job.Item)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	t := &task{job: job, handle: &Handle{JobID: job.ID, done: make(chan struct{})}}
	lane := r.low
	if job.Priority == models.PriorityHigh {
		lane = r.high
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRunnerClosed
	}

	select {
	case lane <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.metrics.enqueued(job.Priority)
	slog.Debug("job enqueued",
		slog.String("job", job.ID),
		slog.String("item", job.NormalizedItem),
		slog.String("priority", job.Priority.String()),
		slog.Any("stores", job.Stores),
	)
	return t.handle, nil
}

// Close stops accepting jobs, lets workers drain the queues and waits for them.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	started := r.started
	r.mu.Unlock()

	r.signalShutdown()
	if started {
		r.wg.Wait()
	}
	return nil
}

// Stats is a point-in-time view of the runner.
type Stats struct {
	Processed  int64
	Failed     int64
	QueuedHigh int
	QueuedLow  int
}

// GetStats returns a snapshot of the internal counters.
func (r *Runner) GetStats() Stats {
	return Stats{
		Processed:  r.processed.Load(),
		Failed:     r.failed.Load(),
		QueuedHigh: len(r.high),
		QueuedLow:  len(r.low),
	}
}

// StartMetricsReporting emits periodic progress logs until Close.
func (r *Runner) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s := r.GetStats()
				slog.Info("runner progress",
					slog.Int64("processed", s.Processed),
					slog.Int64("failed", s.Failed),
					slog.Int("queued_high", s.QueuedHigh),
					slog.Int("queued_low", s.QueuedLow),
				)
			case <-r.shutdown:
				return
			}
		}
	}()
}

func (r *Runner) worker() {
	defer r.wg.Done()

	for {
		// drain the high lane first
		select {
		case t := <-r.high:
			r.process(t)
			continue
		default:
		}

		select {
		case t := <-r.high:
			r.process(t)
		case t := <-r.low:
			r.process(t)
		case <-r.shutdown:
			r.drain()
			return
		}
	}
}

func (r *Runner) drain() {
	for {
		select {
		case t := <-r.high:
			r.process(t)
		case t := <-r.low:
			r.process(t)
		default:
			return
		}
	}
}

func (r *Runner) process(t *task) {
	job := t.job
	started := time.Now()
	r.metrics.dequeued(job.Priority, started.Sub(job.EnqueuedAt))

	res := r.search(job)
	out := &models.JobResult{
		JobID:  job.ID,
		Item:   job.NormalizedItem,
		Stores: job.Stores,
	}

	for _, store := range job.Stores {
		if err := r.writeStore(job, store, res); err != nil {
			slog.Error("store result write failed",
				slog.String("job", job.ID),
				slog.String("store", store),
				slog.Any("error", err),
			)
			if out.WriteFailure == "" {
				out.WriteFailure = err.Error()
			}
		}
		out.ResultCount += len(res.ByStore[store])
	}
	out.StoreErrors = res.StoreErrors
	out.Duration = time.Since(started)
	out.CompletedAt = time.Now()

	outcome := "ok"
	if len(res.StoreErrors) > 0 || out.WriteFailure != "" {
		outcome = "partial"
		r.failed.Add(1)
	}
	r.processed.Add(1)
	r.metrics.finished(job.Priority, outcome, out.Duration)

	slog.Info("job finished",
		slog.String("job", job.ID),
		slog.String("item", job.NormalizedItem),
		slog.Int("results", out.ResultCount),
		slog.Int("store_errors", len(res.StoreErrors)),
		slog.Duration("duration", out.Duration),
	)

	t.handle.result = out
	close(t.handle.done)
}

// search never fails as a whole: a fan-out error or panic becomes an error on
// every store of the job so each store still gets an entry.
func (r *Runner) search(job models.ScrapeJob) (res *aggregate.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("aggregator panic: %v", p)
			}
		}()
		res, err = r.agg.SearchCard(ctx, job.Item, job.Stores)
	}()
	if err == nil && res != nil {
		return res
	}
	if err == nil {
		err = errors.New("aggregator returned no result")
	}

	slog.Warn("job search failed", slog.String("job", job.ID), slog.Any("error", err))
	res = &aggregate.Result{ByStore: make(map[string][]models.StoreResult, len(job.Stores))}
	for _, s := range job.Stores {
		res.StoreErrors = append(res.StoreErrors, models.StoreError{StoreID: s, Error: err.Error()})
		res.ByStore[s] = nil
	}
	return res
}

// writeStore stores the outcome before releasing the lock so a waiter that
// sees the lock gone always finds the new entry.
func (r *Runner) writeStore(job models.ScrapeJob, store string, res *aggregate.Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	errMsg, failed := res.Failed(store)
	retryCount := 0
	if failed {
		retryCount = r.nextRetryCount(ctx, job, store)
	}

	writeErr := r.store.SetStoreResult(ctx, job.NormalizedItem, store, res.ByStore[store], errMsg, retryCount, time.Time{})
	if writeErr != nil {
		writeErr = fmt.Errorf("write %s: %w", store, writeErr)
	}

	if job.LockToken != "" {
		if err := r.store.ReleaseScrapeLock(ctx, job.NormalizedItem, store, job.LockToken); err != nil {
			return errors.Join(writeErr, fmt.Errorf("release %s: %w", store, err))
		}
	}
	return writeErr
}

// nextRetryCount continues the failure streak recorded in the job or in the
// cached entry, whichever is further along. A store with no failure on record
// starts at zero.
func (r *Runner) nextRetryCount(ctx context.Context, job models.ScrapeJob, store string) int {
	streak := -1
	if prior, ok := job.Retry[store]; ok {
		streak = prior.RetryCount
	}
	entry, err := r.store.GetStoreResult(ctx, job.NormalizedItem, store)
	if err != nil {
		slog.Warn("cannot read previous entry",
			slog.String("item", job.NormalizedItem),
			slog.String("store", store),
			slog.Any("error", err),
		)
	} else if entry.Failed() && entry.RetryCount > streak {
		streak = entry.RetryCount
	}
	return streak + 1
}

func (r *Runner) signalShutdown() {
	r.shutdownOnce.Do(func() {
		close(r.shutdown)
	})
}
