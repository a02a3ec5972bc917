// Package scheduler runs the periodic bulk rescrape of tracked items.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/pipeline"
	"github.com/aluiziolira/go-price-scout/service"
)

// ErrAlreadyRunning is returned when a bulk run is still in progress here or
// on another instance.
var ErrAlreadyRunning = errors.New("scheduler: bulk scrape already running")

// staleAfter bounds how long a "running" status from another instance is
// trusted; an instance that died mid-run never writes its final status.
const staleAfter = 6 * time.Hour

// Rescraper submits background scrape jobs.
type Rescraper interface {
	Rescrape(ctx context.Context, name string, priority models.Priority) (*pipeline.Handle, error)
}

// StatusStore persists the bulk run status.
type StatusStore interface {
	SchedulerJobStatus(ctx context.Context) (*models.SchedulerJobStatus, error)
	SetSchedulerJobStatus(ctx context.Context, status models.SchedulerJobStatus) error
}

// Scheduler triggers a low priority rescrape of every tracked item on a cron
// schedule and records progress in the shared status key.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Rescraper
	status  StatusStore
	items   []string
	running atomic.Bool
	now     func() time.Time
}

// New builds a scheduler for items.
func New(jobs Rescraper, status StatusStore, items []string) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{})),
		jobs:   jobs,
		status: status,
		items:  items,
		now:    time.Now,
	}
}

// Start registers the bulk run under spec and starts the cron loop.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.RunOnce(context.Background()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			slog.Error("scheduled bulk scrape failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.cron.Start()
	slog.Info("bulk scrape scheduled", slog.String("spec", spec), slog.Int("items", len(s.items)))
	return nil
}

// Stop halts the cron loop. The returned context is done once a running
// bulk scrape has returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce rescrapes every item and waits for the jobs to finish.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	prev, err := s.status.SchedulerJobStatus(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if prev != nil && prev.Status == models.JobRunning && s.now().Sub(prev.InitiatedAt) < staleAfter {
		return ErrAlreadyRunning
	}

	status := models.SchedulerJobStatus{
		InitiatedAt: s.now().UTC(),
		Status:      models.JobRunning,
		TotalCount:  len(s.items),
	}
	if err := s.status.SetSchedulerJobStatus(ctx, status); err != nil {
		return fmt.Errorf("write status: %w", err)
	}

	handles := make([]*pipeline.Handle, 0, len(s.items))
	failures := 0
	for _, item := range s.items {
		h, err := s.jobs.Rescrape(ctx, item, models.PriorityLow)
		switch {
		case errors.Is(err, service.ErrAlreadyScraping):
			// someone else's job covers it
			status.CurrentCount++
		case err != nil:
			failures++
			status.CurrentCount++
			slog.Warn("bulk scrape item not enqueued", slog.String("item", item), slog.Any("error", err))
		default:
			handles = append(handles, h)
		}
		if ctx.Err() != nil {
			break
		}
	}

	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			break
		}
		status.CurrentCount++
		s.progress(ctx, status)
	}

	finished := s.now().UTC()
	status.FinishedAt = &finished
	status.Status = models.JobCompleted
	if ctx.Err() != nil || (len(s.items) > 0 && failures == len(s.items)) {
		status.Status = models.JobFailed
	}
	// the final status is written even when ctx is done
	if err := s.status.SetSchedulerJobStatus(context.WithoutCancel(ctx), status); err != nil {
		return fmt.Errorf("write status: %w", err)
	}

	slog.Info("bulk scrape finished",
		slog.String("status", string(status.Status)),
		slog.Int("items", status.TotalCount),
		slog.Int("failures", failures),
		slog.Duration("duration", finished.Sub(status.InitiatedAt)),
	)
	if status.Status == models.JobFailed {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("scheduler: no item could be enqueued")
	}
	return nil
}

func (s *Scheduler) progress(ctx context.Context, status models.SchedulerJobStatus) {
	if err := s.status.SetSchedulerJobStatus(ctx, status); err != nil {
		slog.Warn("cannot update bulk scrape progress", slog.Any("error", err))
	}
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
