// Package webhook delivers terminal-status callbacks to the URL a job was
// submitted with. Delivery is best effort: a callback that keeps failing is
// logged and dropped, it never affects the job's recorded outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/contentforge/contentforged/internal/job"
)

const (
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
)

// Event is the callback payload.
type Event struct {
	JobID        string     `json:"job_id"`
	Status       job.Status `json:"status"`
	OutputDir    string     `json:"output_dir"`
	FailedStages []string   `json:"failed_stages,omitempty"`
	FinishedAt   time.Time  `json:"finished_at"`
}

type Notifier struct {
	client *http.Client
}

func NewNotifier(timeout time.Duration) *Notifier {
	return &Notifier{client: &http.Client{Timeout: timeout}}
}

// Notify validates the callback target and posts the terminal status,
// retrying with jittered backoff on failure.
func (n *Notifier) Notify(ctx context.Context, j *job.Job, status job.Status) {
	if j.CallbackURL == "" {
		return
	}
	if err := validateURL(j.CallbackURL); err != nil {
		slog.Warn("callback url rejected, dropping notification",
			"job_id", j.ID, "callback_url", j.CallbackURL, "error", err)
		return
	}
	n.deliver(ctx, j, status)
}

// validateURL blocks non-HTTP schemes and callback hosts that resolve to
// private or internal addresses, so a job cannot aim its callback at
// services behind the firewall.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve host: %w", err)
	}
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("host resolves to internal address %s", raw)
		}
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, j *job.Job, status job.Status) {
	ev := Event{
		JobID:      j.ID,
		Status:     status,
		OutputDir:  j.OutputDir,
		FinishedAt: time.Now().UTC(),
	}
	for _, r := range j.StageResults {
		if r.Status == job.StageFailure {
			ev.FailedStages = append(ev.FailedStages, r.StageName)
		}
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal callback event", "job_id", j.ID, "error", err)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = n.post(ctx, j.CallbackURL, body)
		if err == nil {
			slog.Info("callback delivered", "job_id", j.ID, "status", status, "attempt", attempt)
			return
		}
		if ctx.Err() != nil || attempt == maxAttempts {
			break
		}
		// Full jitter keeps concurrent retries from hitting the endpoint in
		// lockstep.
		sleep := time.Duration(rand.Int63n(int64(baseBackoff) << (attempt - 1)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
	slog.Warn("callback dropped", "job_id", j.ID, "status", status, "error", err)
}

func (n *Notifier) post(ctx context.Context, rawURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
