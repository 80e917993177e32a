// Package pipeline assembles stage executors into per-job pipelines and runs
// them against the store. The runner owns the provider adapters; stages only
// see the set selected for the current job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/contentforge/contentforged/internal/config"
	"github.com/contentforge/contentforged/internal/job"
	"github.com/contentforge/contentforged/internal/provider"
	"github.com/contentforge/contentforged/internal/stage"
)

// registry lists every executor in canonical pipeline order. Order is part
// of the contract: extraction and brief feed everything else, review closes.
func registry() []stage.Executor {
	return []stage.Executor{
		stage.Extract{},
		stage.Brief{},
		stage.PlatformText{Platform: job.TargetNewsletter},
		stage.PlatformText{Platform: job.TargetBlog},
		stage.PlatformText{Platform: job.TargetLinkedIn},
		stage.PlatformText{Platform: job.TargetYouTubeScript},
		stage.PlatformText{Platform: job.TargetThreads},
		stage.PlatformText{Platform: job.TargetShortsScripts},
		stage.Visuals{},
		stage.ShortsVideo{},
		stage.Review{},
	}
}

// Build selects the stages a job needs, preserving canonical order. Stages
// with a zero Kind always run; the rest are gated on the requested targets.
func Build(j *job.Job) []stage.Executor {
	var out []stage.Executor
	for _, ex := range registry() {
		if ex.Kind() == "" || j.HasTarget(ex.Kind()) {
			out = append(out, ex)
		}
	}
	return out
}

// Runner executes one claimed job end to end: stage loop, result recording,
// outcome aggregation, finalization. It is safe for concurrent use; all
// per-job state lives in the stage context.
type Runner struct {
	cfg   *config.Config
	store job.Store

	text  *provider.Chain
	image *provider.ImageChain
	media provider.Toolchain

	mockText  *provider.Chain
	mockImage *provider.ImageChain
	mockMedia provider.Toolchain
}

func NewRunner(cfg *config.Config, store job.Store) *Runner {
	return &Runner{
		cfg:   cfg,
		store: store,
		text: provider.NewChain(
			provider.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.RequestTimeout),
			provider.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.RequestTimeout),
			provider.NewMockText(),
		),
		image: provider.NewImageChain(
			provider.NewImageAPI(cfg.ImageAPIURL, cfg.ImageAPIKey, cfg.ImageModel, cfg.RequestTimeout),
			provider.NewPlaceholder(),
		),
		media:     provider.NewExecToolchain(cfg.YtDlpPath, cfg.FfmpegPath, cfg.WhisperPath, cfg.RequestTimeout),
		mockText:  provider.NewChain(provider.NewMockText()),
		mockImage: provider.NewImageChain(provider.NewPlaceholder()),
		mockMedia: provider.NewMockToolchain(),
	}
}

// Run executes the job's pipeline and finalizes it. A non-nil error means
// orchestration itself failed and the job was NOT finalized; the caller
// decides whether to force FAILED or leave it for reclaim.
func (r *Runner) Run(ctx context.Context, j *job.Job) (job.Status, error) {
	if err := os.MkdirAll(j.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	sc := &stage.Context{Job: j, OutputDir: j.OutputDir}
	if j.MockMode {
		sc.Text, sc.Image, sc.Media = r.mockText, r.mockImage, r.mockMedia
	} else {
		sc.Text, sc.Image, sc.Media = r.text, r.image, r.media
	}

	if err := r.runStages(ctx, j, Build(j), sc); err != nil {
		return "", err
	}

	status := Aggregate(sc.Prior, len(sc.Findings))
	if err := r.store.Finalize(ctx, j.ID, status); err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}
	slog.Info("job finished",
		"job_id", j.ID, "status", status, "stages", len(sc.Prior), "attempts", j.Attempts)
	return status, nil
}

// runStages executes the given executors in order, appending each result to
// the store and to sc.Prior.
func (r *Runner) runStages(ctx context.Context, j *job.Job, execs []stage.Executor, sc *stage.Context) error {
	for _, ex := range execs {
		res := r.runStage(ctx, ex, sc)
		if err := r.store.AppendStageResult(ctx, j.ID, res); err != nil {
			return fmt.Errorf("record stage %s: %w", ex.Name(), err)
		}
		sc.Prior = append(sc.Prior, res)

		// Shutdown mid-job: leave the job RUNNING so reclaim reschedules it.
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, ex stage.Executor, sc *stage.Context) job.StageResult {
	res := job.StageResult{StageName: ex.Name(), StartedAt: time.Now().UTC()}

	if unmet := unmetRequirement(ex, sc); unmet != "" {
		res.Status = job.StageSkipped
		res.Error = &job.StageError{
			Class:   job.ErrDependency,
			Message: fmt.Sprintf("required stage %q did not succeed", unmet),
		}
		res.FinishedAt = time.Now().UTC()
		slog.Info("stage skipped", "job_id", sc.Job.ID, "stage", ex.Name(), "requires", unmet)
		return res
	}

	stageCtx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()

	paths, err := ex.Run(stageCtx, sc)
	res.FinishedAt = time.Now().UTC()

	if err == nil {
		res.Status = job.StageSuccess
		// Artifacts are recorded only for successful stages; whatever a
		// failed or skipped stage left behind is not a deliverable.
		res.ArtifactPaths = paths
		slog.Info("stage finished", "job_id", sc.Job.ID, "stage", ex.Name(),
			"duration", res.FinishedAt.Sub(res.StartedAt), "artifacts", len(paths))
		return res
	}

	var skip *stage.SkipError
	var serr *job.StageError
	switch {
	case errors.As(err, &skip):
		res.Status = job.StageSkipped
		res.Error = &job.StageError{Class: job.ErrDependency, Message: skip.Reason}
		slog.Info("stage skipped", "job_id", sc.Job.ID, "stage", ex.Name(), "reason", skip.Reason)
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = job.StageFailure
		res.Error = &job.StageError{
			Class:   job.ErrTimeout,
			Message: fmt.Sprintf("stage exceeded deadline of %s", r.cfg.StageTimeout),
		}
		slog.Warn("stage timed out", "job_id", sc.Job.ID, "stage", ex.Name(), "timeout", r.cfg.StageTimeout)
	case errors.As(err, &serr):
		res.Status = job.StageFailure
		res.Error = serr
		slog.Warn("stage failed", "job_id", sc.Job.ID, "stage", ex.Name(), "class", serr.Class, "error", serr.Message)
	default:
		// Unclassified errors default to transient: the cause is unknown and
		// a later attempt may succeed.
		res.Status = job.StageFailure
		res.Error = job.Transientf("%v", err)
		slog.Warn("stage failed", "job_id", sc.Job.ID, "stage", ex.Name(), "error", err)
	}
	return res
}

// unmetRequirement returns the first required stage name that has not
// succeeded, or "" when the stage may run.
func unmetRequirement(ex stage.Executor, sc *stage.Context) string {
	for _, req := range ex.Requires() {
		r, ok := sc.Result(req)
		if !ok || r.Status != job.StageSuccess {
			return req
		}
	}
	return ""
}
