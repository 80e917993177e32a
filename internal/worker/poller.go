// Package worker polls the store for pending jobs and drives them through
// the pipeline. One Poller supervises N claim loops plus a reclaim loop that
// recovers jobs stranded by a crashed or wedged worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contentforge/contentforged/internal/config"
	"github.com/contentforge/contentforged/internal/job"
)

// reclaimInterval is how often stale RUNNING claims are checked. Independent
// of the poll interval: reclaim is cheap but never urgent.
const reclaimInterval = time.Minute

// Runner executes one claimed job end to end and finalizes it on success.
type Runner interface {
	Run(ctx context.Context, j *job.Job) (job.Status, error)
}

// Notifier delivers terminal-status callbacks for jobs that requested one.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job, status job.Status)
}

type Poller struct {
	cfg      *config.Config
	store    job.Store
	runner   Runner
	notifier Notifier // nil disables callbacks

	wake     chan struct{}
	notifyWG sync.WaitGroup
}

func New(cfg *config.Config, store job.Store, runner Runner, notifier Notifier) *Poller {
	return &Poller{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		notifier: notifier,
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the claim loops to poll immediately, e.g. right after a
// submission. Safe to call from any goroutine; extra wakes coalesce.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and every loop has drained.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.claimLoop(ctx, id)
		}(i)
	}
	p.reclaimLoop(ctx)
	wg.Wait()
	p.notifyWG.Wait()
	return nil
}

func (p *Poller) claimLoop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		j, err := p.store.ClaimNext(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				slog.Error("claim failed", "worker", id, "error", err)
			}
		case j != nil:
			slog.Info("job claimed", "worker", id, "job_id", j.ID,
				"targets", j.Targets, "mock_mode", j.MockMode, "attempts", j.Attempts)
			p.process(ctx, j)
			// Drain the queue before going back to sleep.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// process runs one job. A panic or orchestration error forces the job to
// FAILED with a synthetic orchestrator result; a shutdown leaves it RUNNING
// for reclaim after restart.
func (p *Poller) process(ctx context.Context, j *job.Job) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline panic", "job_id", j.ID, "panic", rec)
			p.failOrchestration(j, fmt.Sprintf("pipeline panicked: %v", rec))
		}
	}()

	status, err := p.runner.Run(ctx, j)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("job interrupted by shutdown", "job_id", j.ID)
			return
		}
		slog.Error("orchestration failed", "job_id", j.ID, "error", err)
		p.failOrchestration(j, err.Error())
		return
	}
	p.notify(j, status)
}

// failOrchestration finalizes a job as FAILED after a fault in the runner
// itself. Uses a fresh context so the write survives shutdown.
func (p *Poller) failOrchestration(j *job.Job, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	res := job.StageResult{
		StageName:  "orchestrator",
		Status:     job.StageFailure,
		StartedAt:  now,
		FinishedAt: now,
		Error:      &job.StageError{Class: job.ErrOrchestration, Message: msg},
	}
	if err := p.store.AppendStageResult(ctx, j.ID, res); err != nil && !errors.Is(err, job.ErrDuplicateStage) {
		slog.Error("record orchestrator failure", "job_id", j.ID, "error", err)
	}
	if err := p.store.Finalize(ctx, j.ID, job.StatusFailed); err != nil && !errors.Is(err, job.ErrAlreadyFinal) {
		slog.Error("finalize after orchestration failure", "job_id", j.ID, "error", err)
		return
	}
	p.notify(j, job.StatusFailed)
}

// notify dispatches the callback on its own goroutine; delivery retries must
// never hold up the claim loop. Run waits for in-flight deliveries on exit.
func (p *Poller) notify(j *job.Job, status job.Status) {
	if p.notifier == nil || j == nil || j.CallbackURL == "" {
		return
	}
	p.notifyWG.Add(1)
	go func() {
		defer p.notifyWG.Done()
		p.notifier.Notify(context.Background(), j, status)
	}()
}

func (p *Poller) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		// Runs once immediately: recovers claims stranded by the previous
		// process before new work piles up behind them.
		p.reclaim(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) reclaim(ctx context.Context) {
	requeued, exhausted, err := p.store.ReclaimStale(ctx, p.cfg.StuckAfter, p.cfg.MaxClaimAttempts)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("reclaim stale jobs", "error", err)
		}
		return
	}
	if len(requeued) > 0 {
		slog.Warn("stale jobs requeued", "job_ids", requeued, "stuck_after", p.cfg.StuckAfter)
		p.Wake()
	}
	for _, id := range exhausted {
		slog.Warn("stale job failed permanently", "job_id", id, "max_attempts", p.cfg.MaxClaimAttempts)
		j, err := p.store.Get(ctx, id)
		if err != nil || j == nil {
			// The retention sweeper may have pruned the row already; a job
			// that sat stuck past the stale threshold can also be past its
			// retention window.
			continue
		}
		p.notify(j, job.StatusFailed)
	}
}
