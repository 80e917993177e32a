package stage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/contentforge/contentforged/internal/job"
)

const (
	cardNewsSlides  = 6
	slideWidth      = 1080
	slideHeight     = 1350
	thumbnailWidth  = 1280
	thumbnailHeight = 720
)

// Visuals renders the card-news slide set and the thumbnail from the brief.
type Visuals struct{}

func (Visuals) Name() string       { return "visuals" }
func (Visuals) Kind() job.Target   { return job.TargetVisuals }
func (Visuals) Requires() []string { return []string{"brief"} }

func (Visuals) Run(ctx context.Context, sc *Context) ([]string, error) {
	brief, err := loadBrief(sc.OutputDir)
	if err != nil {
		return nil, err
	}
	summary := truncate(brief, 600)

	var paths []string
	for i := 1; i <= cardNewsSlides; i++ {
		prompt := fmt.Sprintf("카드뉴스 슬라이드 %d/%d. 브리프: %s", i, cardNewsSlides, summary)
		data, providerName, err := sc.Image.Render(ctx, prompt, slideWidth, slideHeight)
		if err != nil {
			return nil, fmt.Errorf("slide %02d: %w", i, err)
		}
		if i == 1 {
			slog.Info("visuals rendering", "job_id", sc.Job.ID, "provider", providerName)
		}

		rel := filepath.Join("visuals", "card-news", fmt.Sprintf("slide-%02d.png", i))
		path, err := writeArtifact(sc.OutputDir, rel, data)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	data, _, err := sc.Image.Render(ctx, "유튜브 썸네일. 브리프: "+summary, thumbnailWidth, thumbnailHeight)
	if err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}
	path, err := writeArtifact(sc.OutputDir, filepath.Join("visuals", "thumbnail.png"), data)
	if err != nil {
		return nil, err
	}
	paths = append(paths, path)

	return paths, nil
}
