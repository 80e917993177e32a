package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/contentforge/contentforged/internal/job"
)

// Brief condenses the extracted source into the content brief that every
// generation stage works from.
type Brief struct{}

func (Brief) Name() string       { return "brief" }
func (Brief) Kind() job.Target   { return "" }
func (Brief) Requires() []string { return []string{"extract"} }

const briefSystemPrompt = "You are a content planner. Summarize the source faithfully; " +
	"never invent facts that are not in it. Answer in the requested language."

func (Brief) Run(ctx context.Context, sc *Context) ([]string, error) {
	ext, err := loadExtraction(sc.OutputDir)
	if err != nil {
		return nil, err
	}

	keyMessages := extractKeyMessages(ext.Text, 5)

	prompt := fmt.Sprintf(
		"다음 원문을 %s 언어로 4~6문장으로 요약해 주세요. 톤: %s.\n\n[원문]\n%s",
		sc.Job.Language, sc.Job.Tone, truncate(ext.Text, 5200),
	)
	summary, providerName, err := sc.Text.Generate(ctx, briefSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	slog.Info("brief generated", "job_id", sc.Job.ID, "provider", providerName)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# 콘텐츠 브리프: %s\n\n", ext.Title)
	fmt.Fprintf(&sb, "- 소스: %s (%s)\n", ext.URL, ext.SourceType)
	fmt.Fprintf(&sb, "- 언어: %s\n", sc.Job.Language)
	fmt.Fprintf(&sb, "- 톤: %s\n\n", sc.Job.Tone)

	sb.WriteString("## 타깃 산출물\n\n")
	for _, t := range sc.Job.Targets {
		fmt.Fprintf(&sb, "- %s\n", t)
	}
	if len(sc.Job.Targets) == 0 {
		sb.WriteString("- 없음\n")
	}

	sb.WriteString("\n## 핵심 메시지\n\n")
	for _, msg := range keyMessages {
		fmt.Fprintf(&sb, "- %s\n", msg)
	}

	sb.WriteString("\n## 요약\n\n")
	sb.WriteString(strings.TrimSpace(summary))
	sb.WriteString("\n")

	path, err := writeArtifact(sc.OutputDir, "brief.md", []byte(sb.String()))
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// extractKeyMessages picks the first n substantial sentences of the source.
func extractKeyMessages(text string, n int) []string {
	var out []string
	for _, raw := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		s := strings.TrimSpace(raw)
		if len([]rune(s)) < 10 {
			continue
		}
		out = append(out, truncate(s, 120))
		if len(out) == n {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, truncate(strings.TrimSpace(text), 120))
	}
	return out
}
