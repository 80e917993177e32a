package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/contentforge/contentforged/internal/job"
)

// Review closes the pipeline: it audits every prior stage result, verifies
// that recorded artifacts actually exist on disk, and writes a human-readable
// report. It runs unconditionally so a failed run still gets a report.
// Missing artifacts become findings in the report, not a review failure;
// review itself fails only when the report cannot be written.
type Review struct{}

func (Review) Name() string       { return "review" }
func (Review) Kind() job.Target   { return "" }
func (Review) Requires() []string { return nil }

func (Review) Run(ctx context.Context, sc *Context) ([]string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# 검수 리포트: %s\n\n", sc.Job.ID)
	fmt.Fprintf(&sb, "- 소스: %s\n", sc.Job.SourceURL)
	fmt.Fprintf(&sb, "- 타깃: %s\n\n", strings.Join(targetsAsStrings(sc.Job.Targets), ", "))

	sb.WriteString("## 단계별 결과\n\n")
	sb.WriteString("| 단계 | 상태 | 비고 |\n|---|---|---|\n")

	var missing []string
	for _, r := range sc.Prior {
		note := "-"
		switch r.Status {
		case job.StageFailure, job.StageSkipped:
			if r.Error != nil {
				note = truncate(r.Error.Message, 140)
			}
		case job.StageSuccess:
			for _, rel := range r.ArtifactPaths {
				if _, err := os.Stat(filepath.Join(sc.OutputDir, rel)); err != nil {
					missing = append(missing, fmt.Sprintf("%s: %s", r.StageName, rel))
				}
			}
			note = fmt.Sprintf("%d개 산출물", len(r.ArtifactPaths))
		}
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", r.StageName, r.Status, note)
	}

	if len(missing) > 0 {
		sb.WriteString("\n## 누락된 산출물\n\n")
		for _, m := range missing {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}

	sb.WriteString("\n## 산출물 목록\n\n")
	count := 0
	for _, r := range sc.Prior {
		for _, rel := range r.ArtifactPaths {
			if strings.HasPrefix(rel, tmpDirName) {
				continue
			}
			fmt.Fprintf(&sb, "- %s\n", rel)
			count++
		}
	}
	if count == 0 {
		sb.WriteString("- 없음\n")
	}

	path, err := writeArtifact(sc.OutputDir, "review-report.md", []byte(sb.String()))
	if err != nil {
		return nil, err
	}
	sc.Findings = append(sc.Findings, missing...)
	return []string{path}, nil
}

func targetsAsStrings(ts []job.Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
