// Package stage defines the unit of pipeline work and its concrete
// executors. A stage turns a job context into artifacts under the job's
// output directory; expected failures come back as classified errors, never
// as panics.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/contentforge/contentforged/internal/job"
	"github.com/contentforge/contentforged/internal/provider"
)

// tmpDirName holds intermediate extraction products inside the output dir.
const tmpDirName = "_tmp"

// Context is everything a stage may consume: the job, the results of all
// prior stages and the provider adapters selected for this job (real or
// mock, decided by the runner).
type Context struct {
	Job       *job.Job
	OutputDir string
	// Prior holds the results of already-executed stages in pipeline order.
	Prior []job.StageResult
	// Findings collects review audit notes, one per recorded artifact that
	// is missing on disk. The runner folds them into the job outcome.
	Findings []string

	Text  *provider.Chain
	Image *provider.ImageChain
	Media provider.Toolchain
}

// Result returns the prior result for a stage name.
func (c *Context) Result(name string) (job.StageResult, bool) {
	for _, r := range c.Prior {
		if r.StageName == name {
			return r, true
		}
	}
	return job.StageResult{}, false
}

// Executor is one polymorphic unit of pipeline work.
type Executor interface {
	Name() string
	// Kind is the artifact kind gating this stage; the zero value means the
	// stage always runs regardless of the job's targets.
	Kind() job.Target
	// Requires lists stage names that must have succeeded before this stage
	// may run. Unmet requirements record the stage as SKIPPED.
	Requires() []string
	// Run produces artifact paths relative to the output dir. Expected
	// failures are returned as errors (classified via job.StageError where
	// the cause is known); a returned *SkipError records the stage SKIPPED.
	Run(ctx context.Context, sc *Context) ([]string, error)
}

// SkipError signals that a stage chose not to run, e.g. the source has no
// video for shorts cutting. Recorded as SKIPPED, not as a failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

func Skipf(format string, args ...any) *SkipError {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// writeArtifact writes content under the output dir, creating parent
// directories, and returns the relative path.
func writeArtifact(outputDir, rel string, content []byte) (string, error) {
	full := filepath.Join(outputDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	return rel, nil
}

// loadExtraction reads the metadata the extract stage persisted.
func loadExtraction(outputDir string) (*provider.Extraction, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, tmpDirName, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("read extraction metadata: %w", err)
	}
	var ext provider.Extraction
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, fmt.Errorf("parse extraction metadata: %w", err)
	}
	return &ext, nil
}

// loadBrief reads the brief produced by the brief stage.
func loadBrief(outputDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, "brief.md"))
	if err != nil {
		return "", fmt.Errorf("read brief: %w", err)
	}
	return string(data), nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
