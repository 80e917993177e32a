package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/contentforge/contentforged/internal/job"
)

// Extract ingests the source URL through the media toolchain and persists
// the normalized text and metadata for every downstream stage.
type Extract struct{}

func (Extract) Name() string       { return "extract" }
func (Extract) Kind() job.Target   { return "" }
func (Extract) Requires() []string { return nil }

func (Extract) Run(ctx context.Context, sc *Context) ([]string, error) {
	tmpDir := filepath.Join(sc.OutputDir, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	ext, err := sc.Media.Extract(ctx, sc.Job.SourceURL, tmpDir)
	if err != nil {
		return nil, err
	}

	source := fmt.Sprintf("# %s\n\n%s\n", ext.Title, ext.Text)
	sourcePath, err := writeArtifact(sc.OutputDir, filepath.Join(tmpDirName, "source.md"), []byte(source))
	if err != nil {
		return nil, err
	}

	meta, err := json.MarshalIndent(ext, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal extraction metadata: %w", err)
	}
	metaPath, err := writeArtifact(sc.OutputDir, filepath.Join(tmpDirName, "metadata.json"), meta)
	if err != nil {
		return nil, err
	}

	return []string{sourcePath, metaPath}, nil
}
