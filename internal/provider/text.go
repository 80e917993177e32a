package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/contentforge/contentforged/internal/job"
)

// Text generates prose from a system prompt and a user prompt.
type Text interface {
	Name() string
	// Available reports whether the backend is usable (credentials present).
	Available() bool
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Chain tries each provider in order until one succeeds or all fail. The
// name of the provider that produced the result is returned for logging.
type Chain struct {
	providers []Text
}

func NewChain(providers ...Text) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Generate(ctx context.Context, system, prompt string) (text, name string, err error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		out, err := p.Generate(ctx, system, prompt)
		if err == nil {
			return out, p.Name(), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = job.Transientf("no text provider available")
	}
	return "", "", lastErr
}

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAI is a chat-completions client.
type OpenAI struct {
	apiKey string
	model  string
	client *http.Client
}

func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	return &OpenAI{apiKey: apiKey, model: model, client: &http.Client{Timeout: timeout}}
}

func (p *OpenAI) Name() string    { return "openai" }
func (p *OpenAI) Available() bool { return p.apiKey != "" }

func (p *OpenAI) Generate(ctx context.Context, system, prompt string) (string, error) {
	return p.generateAt(ctx, openAIEndpoint, system, prompt)
}

func (p *OpenAI) generateAt(ctx context.Context, endpoint, system, prompt string) (string, error) {
	payload := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"temperature": 0.6,
		"max_tokens":  1400,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, endpoint, headers, payload, &out); err != nil {
		return "", job.Transientf("openai: %v", err)
	}
	if len(out.Choices) == 0 {
		return "", job.Transientf("openai: empty choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

const anthropicEndpoint = "https://api.anthropic.com/v1/messages"

// Anthropic is a messages-API client.
type Anthropic struct {
	apiKey string
	model  string
	client *http.Client
}

func NewAnthropic(apiKey, model string, timeout time.Duration) *Anthropic {
	return &Anthropic{apiKey: apiKey, model: model, client: &http.Client{Timeout: timeout}}
}

func (p *Anthropic) Name() string    { return "anthropic" }
func (p *Anthropic) Available() bool { return p.apiKey != "" }

func (p *Anthropic) Generate(ctx context.Context, system, prompt string) (string, error) {
	payload := map[string]any{
		"model":      p.model,
		"max_tokens": 1400,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}
	if err := postJSON(ctx, p.client, anthropicEndpoint, headers, payload, &out); err != nil {
		return "", job.Transientf("anthropic: %v", err)
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", job.Transientf("anthropic: no text blocks in response")
	}
	return sb.String(), nil
}

// MockText is the deterministic last-resort generator. It is always
// available and never touches the network, so a chain ending in it can only
// fail on context cancellation.
type MockText struct{}

func NewMockText() *MockText { return &MockText{} }

func (p *MockText) Name() string    { return "mock" }
func (p *MockText) Available() bool { return true }

func (p *MockText) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := fnv.New32a()
	h.Write([]byte(system))
	h.Write([]byte(prompt))
	seed := h.Sum32()

	subject := firstLine(prompt)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", subject)
	fmt.Fprintf(&sb, "이 문단은 모의 생성기로 작성된 본문입니다 (seed %08x). ", seed)
	sb.WriteString("외부 제공자 호출 없이 동일한 입력에서 항상 같은 결과를 돌려줍니다.\n\n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&sb, "- 핵심 포인트 %d: %s에 대한 요약 문장입니다.\n", i, subject)
	}
	return sb.String(), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		s = s[:idx]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// postJSON posts a JSON payload and decodes a JSON response, treating any
// non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
