package job

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyFinal is returned by Finalize when the job is already terminal.
var ErrAlreadyFinal = errors.New("job already finalized")

// ErrDuplicateStage is returned by AppendStageResult when a result for the
// same stage name was already recorded for the job.
var ErrDuplicateStage = errors.New("duplicate stage result")

// Store persists jobs and their stage results. It is the single source of
// truth for job status; all coordination between workers and the retention
// sweeper goes through its atomic operations.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	// ClaimNext atomically selects one PENDING job (FIFO by created_at),
	// marks it RUNNING with claimed_at set, and returns it. Concurrent
	// callers never receive the same job. Returns (nil, nil) when no job
	// is eligible; that is "nothing to do", not a failure.
	ClaimNext(ctx context.Context) (*Job, error)
	// AppendStageResult records one stage outcome. Results are append-only
	// and at most one per stage name (ErrDuplicateStage otherwise).
	AppendStageResult(ctx context.Context, jobID string, r StageResult) error
	// Finalize moves the job to a terminal status exactly once.
	Finalize(ctx context.Context, jobID string, status Status) error
	// ReclaimStale recovers RUNNING jobs whose claim is older than the
	// threshold: jobs with remaining retry budget go back to PENDING with
	// their stage history cleared for a full re-run; exhausted jobs are
	// finalized FAILED with a stale-claim stage result. Returns the ids of
	// each group.
	ReclaimStale(ctx context.Context, olderThan time.Duration, maxAttempts int) (requeued, exhausted []string, err error)
	Delete(ctx context.Context, id string) error

	// Retention queries. Only terminal jobs are ever eligible for pruning.
	Count(ctx context.Context) (int, error)
	TerminalBefore(ctx context.Context, cutoff time.Time) ([]*Job, error)
	OldestTerminal(ctx context.Context, n int) ([]*Job, error)
}
