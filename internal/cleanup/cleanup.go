package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/italolelis/game_downloader/internal/logctx"
)

// Clearer drops finished items from the download registry.
type Clearer interface {
	ClearFinishedBefore(cutoff time.Time) int
}

// Retention periodically forgets completed and cancelled downloads older than
// the keep duration. Files on disk are never touched.
type Retention struct {
	scheduler gocron.Scheduler
	queue     Clearer
	keep      time.Duration
	now       func() time.Time
}

func NewRetention(ctx context.Context, queue Clearer, keep, interval time.Duration) (*Retention, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	r := &Retention{
		scheduler: s,
		queue:     queue,
		keep:      keep,
		now:       time.Now,
	}

	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { r.RunOnce(ctx) }),
		gocron.WithName("retention_cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("failed to schedule retention cleanup: %w", err)
	}

	return r, nil
}

func (r *Retention) Start() {
	r.scheduler.Start()
}

func (r *Retention) Stop() error {
	return r.scheduler.Shutdown()
}

// RunOnce clears finished items older than the keep duration and returns how many were dropped.
func (r *Retention) RunOnce(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)

	cutoff := r.now().Add(-r.keep)
	removed := r.queue.ClearFinishedBefore(cutoff)

	if removed > 0 {
		logger.InfoContext(ctx, "cleared finished downloads", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	} else {
		logger.DebugContext(ctx, "no finished downloads to clear")
	}

	return removed
}
