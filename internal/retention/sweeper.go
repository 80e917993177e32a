// Package retention prunes terminal jobs so the database and the output tree
// stay bounded. Two rules apply on every sweep: terminal jobs older than the
// retention window go first, then the oldest terminal jobs beyond the total
// job cap. PENDING and RUNNING jobs are never touched.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/contentforge/contentforged/internal/config"
	"github.com/contentforge/contentforged/internal/job"
)

type Sweeper struct {
	cfg   *config.Config
	store job.Store
}

func New(cfg *config.Config, store job.Store) *Sweeper {
	return &Sweeper{cfg: cfg, store: store}
}

// Run sweeps on the configured interval until ctx is cancelled. The first
// sweep happens immediately so a restart cleans up without waiting a cycle.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if n, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("retention sweep", "error", err)
		} else if n > 0 {
			slog.Info("retention sweep pruned jobs", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep applies the age rule then the count rule once, returning how many
// jobs were pruned. Safe to call repeatedly: a job half-deleted by a crash
// (directory gone, row still present) is finished on the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pruned := 0

	cutoff := time.Now().UTC().Add(-s.cfg.RetentionWindow())
	aged, err := s.store.TerminalBefore(ctx, cutoff)
	if err != nil {
		return pruned, fmt.Errorf("list aged jobs: %w", err)
	}
	for _, j := range aged {
		if err := s.prune(ctx, j, "age"); err != nil {
			return pruned, err
		}
		pruned++
	}

	total, err := s.store.Count(ctx)
	if err != nil {
		return pruned, fmt.Errorf("count jobs: %w", err)
	}
	if excess := total - s.cfg.MaxJobs; excess > 0 {
		oldest, err := s.store.OldestTerminal(ctx, excess)
		if err != nil {
			return pruned, fmt.Errorf("list oldest terminal jobs: %w", err)
		}
		for _, j := range oldest {
			if err := s.prune(ctx, j, "count"); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// prune removes the artifact directory first, then the row. Directory first
// means a crash between the two leaves a row that the next sweep retries,
// never an orphaned directory nobody tracks.
func (s *Sweeper) prune(ctx context.Context, j *job.Job, rule string) error {
	if j.OutputDir != "" {
		if err := os.RemoveAll(j.OutputDir); err != nil {
			return fmt.Errorf("remove output dir for %s: %w", j.ID, err)
		}
	}
	if err := s.store.Delete(ctx, j.ID); err != nil {
		return fmt.Errorf("delete job %s: %w", j.ID, err)
	}
	slog.Info("job pruned", "job_id", j.ID, "rule", rule, "status", j.Status, "finished_at", j.FinishedAt)
	return nil
}
