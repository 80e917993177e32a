package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/contentforge/contentforged/internal/job"
)

const (
	shortsClipCount   = 3
	shortsClipSeconds = 45.0
)

// ShortsVideo cuts short vertical clips from the downloaded source video.
type ShortsVideo struct{}

func (ShortsVideo) Name() string       { return "shorts-video" }
func (ShortsVideo) Kind() job.Target   { return job.TargetShortsVideo }
func (ShortsVideo) Requires() []string { return []string{"brief"} }

func (ShortsVideo) Run(ctx context.Context, sc *Context) ([]string, error) {
	ext, err := loadExtraction(sc.OutputDir)
	if err != nil {
		return nil, err
	}
	if ext.VideoPath == "" {
		return nil, Skipf("source has no downloadable video")
	}

	var paths []string

	// The transcript enriches the output but is not required for cutting.
	transcript, err := sc.Media.Transcribe(ctx, ext.VideoPath)
	if err != nil {
		slog.Warn("transcription unavailable", "job_id", sc.Job.ID, "error", err)
	} else {
		path, err := writeArtifact(sc.OutputDir, filepath.Join(tmpDirName, "transcript.txt"), []byte(transcript))
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	clipDir := filepath.Join(sc.OutputDir, "shorts-videos")
	if err := os.MkdirAll(clipDir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}
	for i := 1; i <= shortsClipCount; i++ {
		rel := filepath.Join("shorts-videos", fmt.Sprintf("shorts-%02d.mp4", i))
		start := float64(i-1) * 60
		if err := sc.Media.CutClip(ctx, ext.VideoPath, filepath.Join(sc.OutputDir, rel), start, shortsClipSeconds); err != nil {
			return nil, fmt.Errorf("clip %02d: %w", i, err)
		}
		paths = append(paths, rel)
	}

	return paths, nil
}
