package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentforge/contentforged/internal/job"
)

func TestPlaceholderRender(t *testing.T) {
	p := NewPlaceholder()

	data, err := p.Render(context.Background(), "카드뉴스 슬라이드 1/6", 1080, 1350)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err, "placeholder output must be a valid PNG")
	assert.Equal(t, 1080, img.Bounds().Dx())
	assert.Equal(t, 1350, img.Bounds().Dy())
}

func TestPlaceholderDeterministic(t *testing.T) {
	p := NewPlaceholder()

	a, err := p.Render(context.Background(), "same prompt", 64, 64)
	require.NoError(t, err)
	b, err := p.Render(context.Background(), "same prompt", 64, 64)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := p.Render(context.Background(), "other prompt", 64, 64)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "different prompts must render different fills")
}

func TestImageChainFallsBackToPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	chain := NewImageChain(
		NewImageAPI(srv.URL, "key", "model", time.Second),
		NewPlaceholder(),
	)

	data, name, err := chain.Render(context.Background(), "prompt", 64, 64)
	require.NoError(t, err)
	assert.Equal(t, "placeholder", name)
	_, err = png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
}

func TestImageAPIRender(t *testing.T) {
	placeholder, err := NewPlaceholder().Render(context.Background(), "p", 16, 16)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"image_b64":"` + base64.StdEncoding.EncodeToString(placeholder) + `"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := NewImageAPI(srv.URL, "key", "model", time.Second)
	data, err := p.Render(context.Background(), "prompt", 16, 16)
	require.NoError(t, err)
	assert.Equal(t, placeholder, data)
}

func TestImageAPIUnavailableWithoutCredentials(t *testing.T) {
	assert.False(t, NewImageAPI("", "", "model", time.Second).Available())
	assert.False(t, NewImageAPI("https://api.example.com", "", "model", time.Second).Available())
	assert.True(t, NewImageAPI("https://api.example.com", "key", "model", time.Second).Available())
}

func TestImageAPIBadBase64IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"image_b64":"%%% not base64 %%%"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := NewImageAPI(srv.URL, "key", "model", time.Second)
	_, err := p.Render(context.Background(), "prompt", 16, 16)
	require.Error(t, err)

	var serr *job.StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, job.ErrTransient, serr.Class)
}
