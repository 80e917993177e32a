package stage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/contentforge/contentforged/internal/job"
)

const (
	threadCount       = 10
	shortsScriptCount = 3
)

// taskPrompts carries the per-platform writing instruction, keyed by target.
var taskPrompts = map[job.Target]string{
	job.TargetNewsletter:    "15,000자 내외의 인터뷰형 뉴스레터를 작성해 주세요.",
	job.TargetBlog:          "SEO 친화적 블로그 글(3,000~5,000자)을 작성해 주세요.",
	job.TargetLinkedIn:      "링크드인 전문가 톤 포스트를 작성해 주세요.",
	job.TargetYouTubeScript: "8~12분 분량의 유튜브 대본을 작성해 주세요.",
}

// PlatformText generates the text artifact for one platform. Platform
// stages are mutually independent: one failing never skips another.
type PlatformText struct {
	Platform job.Target
}

func (s PlatformText) Name() string       { return string(s.Platform) }
func (s PlatformText) Kind() job.Target   { return s.Platform }
func (s PlatformText) Requires() []string { return []string{"brief"} }

func (s PlatformText) Run(ctx context.Context, sc *Context) ([]string, error) {
	brief, err := loadBrief(sc.OutputDir)
	if err != nil {
		return nil, err
	}

	system := fmt.Sprintf(
		"You are a marketing copywriter. Write in %s with a %q tone. "+
			"Use only facts from the brief.",
		sc.Job.Language, sc.Job.Tone,
	)

	switch s.Platform {
	case job.TargetThreads:
		return s.generateSeries(ctx, sc, system, brief, "threads", "thread", threadCount,
			"Threads 게시물 %d/%d를 작성해 주세요. 500자 이내, 독립적으로 읽혀야 합니다.")
	case job.TargetShortsScripts:
		return s.generateSeries(ctx, sc, system, brief, "shorts-scripts", "shorts", shortsScriptCount,
			"숏폼 영상 대본 %d/%d를 작성해 주세요. 60초 이내 분량, 훅-본문-마무리 구조.")
	default:
		return s.generateSingle(ctx, sc, system, brief)
	}
}

func (s PlatformText) generateSingle(ctx context.Context, sc *Context, system, brief string) ([]string, error) {
	task, ok := taskPrompts[s.Platform]
	if !ok {
		return nil, fmt.Errorf("no task prompt for platform %q", s.Platform)
	}
	prompt := fmt.Sprintf("%s\n\n[브리프]\n%s", task, brief)

	content, providerName, err := sc.Text.Generate(ctx, system, prompt)
	if err != nil {
		return nil, err
	}
	slog.Info("text generated", "job_id", sc.Job.ID, "stage", s.Name(), "provider", providerName)

	path, err := writeArtifact(sc.OutputDir, string(s.Platform)+".md", []byte(strings.TrimSpace(content)+"\n"))
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func (s PlatformText) generateSeries(ctx context.Context, sc *Context, system, brief, dir, prefix string, count int, taskFormat string) ([]string, error) {
	var paths []string
	for i := 1; i <= count; i++ {
		prompt := fmt.Sprintf(taskFormat, i, count)
		prompt += fmt.Sprintf("\n\n[브리프]\n%s", brief)

		content, providerName, err := sc.Text.Generate(ctx, system, prompt)
		if err != nil {
			return nil, fmt.Errorf("%s %02d: %w", prefix, i, err)
		}
		if i == 1 {
			slog.Info("text series started", "job_id", sc.Job.ID, "stage", s.Name(), "provider", providerName)
		}

		rel := filepath.Join(dir, fmt.Sprintf("%s-%02d.md", prefix, i))
		path, err := writeArtifact(sc.OutputDir, rel, []byte(strings.TrimSpace(content)+"\n"))
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
