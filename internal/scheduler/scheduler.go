package scheduler

import (
	"context"
	"log/slog"
	"time"

	"storysync/internal/domain"
)

const runTimeout = 5 * time.Minute

// Loader defines the story list operations the scheduler drives. Reload
// must replace the list readers see, not only the cache behind it.
type Loader interface {
	Reload(ctx context.Context) (*domain.PageStats, error)
	LoadMore(ctx context.Context) (*domain.PageStats, error)
}

// Scheduler reloads the story list periodically and prefetches the following
// pages.
type Scheduler struct {
	loader        Loader
	interval      time.Duration
	prefetchPages int
	logger        *slog.Logger
}

func NewScheduler(loader Loader, interval time.Duration, prefetchPages int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		loader:        loader,
		interval:      interval,
		prefetchPages: prefetchPages,
		logger:        logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "prefetch_pages", s.prefetchPages)

	s.runSync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if _, err := s.loader.Reload(syncCtx); err != nil {
		s.logger.Error("refresh failed", "error", err)
		return
	}

	for i := 0; i < s.prefetchPages; i++ {
		stats, err := s.loader.LoadMore(syncCtx)
		if err != nil {
			s.logger.Error("prefetch failed", "error", err)
			return
		}
		// nil stats: end of list, or another load is running
		if stats == nil || stats.Discarded || stats.EndReached {
			return
		}
	}
}
