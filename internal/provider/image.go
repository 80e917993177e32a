package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"time"

	"github.com/contentforge/contentforged/internal/job"
)

// Image renders a PNG from a prompt.
type Image interface {
	Name() string
	Available() bool
	Render(ctx context.Context, prompt string, width, height int) ([]byte, error)
}

// ImageChain tries each backend in order, mirroring the text Chain.
type ImageChain struct {
	providers []Image
}

func NewImageChain(providers ...Image) *ImageChain {
	return &ImageChain{providers: providers}
}

func (c *ImageChain) Render(ctx context.Context, prompt string, width, height int) (data []byte, name string, err error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		out, err := p.Render(ctx, prompt, width, height)
		if err == nil {
			return out, p.Name(), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = job.Transientf("no image provider available")
	}
	return nil, "", lastErr
}

// ImageAPI calls an external image-generation HTTP endpoint that accepts a
// prompt and returns a base64-encoded PNG.
type ImageAPI struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewImageAPI(url, apiKey, model string, timeout time.Duration) *ImageAPI {
	return &ImageAPI{url: url, apiKey: apiKey, model: model, client: &http.Client{Timeout: timeout}}
}

func (p *ImageAPI) Name() string    { return "image-api" }
func (p *ImageAPI) Available() bool { return p.url != "" && p.apiKey != "" }

func (p *ImageAPI) Render(ctx context.Context, prompt string, width, height int) ([]byte, error) {
	payload := map[string]any{
		"model":  p.model,
		"prompt": prompt,
		"width":  width,
		"height": height,
	}
	var out struct {
		ImageB64 string `json:"image_b64"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, p.url, headers, payload, &out); err != nil {
		return nil, job.Transientf("image api: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(out.ImageB64)
	if err != nil {
		return nil, job.Transientf("image api: decode image: %v", err)
	}
	return data, nil
}

// Placeholder renders a deterministic solid-color PNG derived from the
// prompt. Used in mock mode and whenever the real image API is unavailable.
type Placeholder struct{}

func NewPlaceholder() *Placeholder { return &Placeholder{} }

func (p *Placeholder) Name() string    { return "placeholder" }
func (p *Placeholder) Available() bool { return true }

func (p *Placeholder) Render(ctx context.Context, prompt string, width, height int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New32a()
	h.Write([]byte(prompt))
	seed := h.Sum32()

	fill := color.RGBA{
		R: uint8(seed >> 16),
		G: uint8(seed >> 8),
		B: uint8(seed),
		A: 255,
	}
	border := color.RGBA{R: 255 - fill.R, G: 255 - fill.G, B: 255 - fill.B, A: 255}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < 8 || y < 8 || x >= width-8 || y >= height-8 {
				img.SetRGBA(x, y, border)
			} else {
				img.SetRGBA(x, y, fill)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, job.Transientf("encode placeholder png: %v", err)
	}
	return buf.Bytes(), nil
}
