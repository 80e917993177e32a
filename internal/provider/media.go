package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/contentforge/contentforged/internal/job"
)

// Extraction is the normalized result of ingesting a source URL.
type Extraction struct {
	SourceType string `json:"source_type"` // "youtube" or "web"
	Title      string `json:"title"`
	Text       string `json:"text"`
	// VideoPath points at a downloaded source video inside the work dir.
	// Empty when the source has no downloadable video.
	VideoPath string `json:"video_path,omitempty"`
	URL       string `json:"url"`
}

// Toolchain is the media boundary: URL ingestion, transcription and clip
// cutting. Real implementations shell out to external tools; the mock
// variant is deterministic and offline.
type Toolchain interface {
	Extract(ctx context.Context, rawURL, workDir string) (*Extraction, error)
	Transcribe(ctx context.Context, videoPath string) (string, error)
	CutClip(ctx context.Context, videoPath, outPath string, startSec, durSec float64) error
}

// ExecToolchain drives yt-dlp, ffmpeg and an optional whisper CLI.
type ExecToolchain struct {
	YtDlp   string
	Ffmpeg  string
	Whisper string
	client  *http.Client
}

func NewExecToolchain(ytDlp, ffmpeg, whisper string, timeout time.Duration) *ExecToolchain {
	return &ExecToolchain{
		YtDlp:   ytDlp,
		Ffmpeg:  ffmpeg,
		Whisper: whisper,
		client:  &http.Client{Timeout: timeout},
	}
}

var youtubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
}

func (t *ExecToolchain) Extract(ctx context.Context, rawURL, workDir string) (*Extraction, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, job.Permanentf("unsupported source URL %q", rawURL)
	}
	if youtubeHosts[u.Hostname()] {
		return t.extractYouTube(ctx, rawURL, workDir)
	}
	return t.extractWeb(ctx, rawURL)
}

func (t *ExecToolchain) extractYouTube(ctx context.Context, rawURL, workDir string) (*Extraction, error) {
	out, err := runCommand(ctx, t.YtDlp, "--dump-single-json", "--no-download", rawURL)
	if err != nil {
		return nil, job.Transientf("yt-dlp metadata: %v", err)
	}
	var meta struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, job.Transientf("yt-dlp metadata: parse: %v", err)
	}

	ext := &Extraction{
		SourceType: "youtube",
		Title:      meta.Title,
		Text:       meta.Title + "\n\n" + meta.Description,
		URL:        rawURL,
	}

	// Video download is best effort. Text-only targets stay usable when the
	// download fails; shorts-video skips when VideoPath is empty.
	videoPath := filepath.Join(workDir, "source.mp4")
	if _, err := runCommand(ctx, t.YtDlp, "-f", "mp4", "-o", videoPath, rawURL); err == nil {
		ext.VideoPath = videoPath
	}
	return ext, nil
}

var (
	titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	tagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
	wsRe    = regexp.MustCompile(`\s+`)
)

func (t *ExecToolchain) extractWeb(ctx context.Context, rawURL string) (*Extraction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, job.Permanentf("build request for %q: %v", rawURL, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, job.Transientf("fetch %q: %v", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, job.Transientf("fetch %q: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, job.Transientf("read %q: %v", rawURL, err)
	}

	title := rawURL
	if m := titleRe.FindSubmatch(body); m != nil {
		title = strings.TrimSpace(string(m[1]))
	}
	text := wsRe.ReplaceAllString(tagRe.ReplaceAllString(string(body), " "), " ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, job.Permanentf("no readable text at %q", rawURL)
	}

	return &Extraction{
		SourceType: "web",
		Title:      title,
		Text:       text,
		URL:        rawURL,
	}, nil
}

func (t *ExecToolchain) Transcribe(ctx context.Context, videoPath string) (string, error) {
	if t.Whisper == "" {
		return "", job.Permanentf("transcription backend not configured")
	}
	out, err := runCommand(ctx, t.Whisper, videoPath)
	if err != nil {
		return "", job.Transientf("whisper: %v", err)
	}
	return string(out), nil
}

func (t *ExecToolchain) CutClip(ctx context.Context, videoPath, outPath string, startSec, durSec float64) error {
	// Vertical 720x1280 crop keeps the output shorts-shaped regardless of
	// the source aspect ratio.
	_, err := runCommand(ctx, t.Ffmpeg,
		"-y",
		"-ss", fmt.Sprintf("%.2f", startSec),
		"-t", fmt.Sprintf("%.2f", durSec),
		"-i", videoPath,
		"-vf", "scale=720:1280:force_original_aspect_ratio=increase,crop=720:1280",
		"-preset", "veryfast",
		outPath,
	)
	if err != nil {
		return job.Transientf("ffmpeg cut clip: %v", err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("%s exited: %w: %s", name, err, detail)
	}
	return stdout.Bytes(), nil
}

// MockToolchain is the deterministic offline media backend.
type MockToolchain struct{}

func NewMockToolchain() *MockToolchain { return &MockToolchain{} }

func (t *MockToolchain) Extract(ctx context.Context, rawURL, workDir string) (*Extraction, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, job.Permanentf("unsupported source URL %q", rawURL)
	}

	title := "Mock source: " + u.Hostname() + u.Path
	videoPath := filepath.Join(workDir, "source.mp4")
	if err := os.WriteFile(videoPath, []byte("mock video for "+rawURL+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write mock video: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(title + "\n\n")
	for i := 1; i <= 4; i++ {
		fmt.Fprintf(&sb, "%d번째 모의 문단입니다. %s 원문을 대신하는 결정적 텍스트입니다.\n\n", i, u.Hostname())
	}

	return &Extraction{
		SourceType: "mock",
		Title:      title,
		Text:       sb.String(),
		VideoPath:  videoPath,
		URL:        rawURL,
	}, nil
}

func (t *MockToolchain) Transcribe(ctx context.Context, videoPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "모의 전사 결과: " + filepath.Base(videoPath), nil
}

func (t *MockToolchain) CutClip(ctx context.Context, videoPath, outPath string, startSec, durSec float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content := fmt.Sprintf("mock clip of %s [%.0fs..%.0fs]\n", filepath.Base(videoPath), startSec, startSec+durSec)
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write mock clip: %w", err)
	}
	return nil
}
