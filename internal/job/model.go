package job

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFailed         Status = "FAILED"
)

// IsTerminal returns true for statuses that represent a final state.
// Terminal statuses are monotonic: a job never leaves them.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusPartialSuccess || s == StatusFailed
}

type StageStatus string

const (
	StageSuccess StageStatus = "SUCCESS"
	StageFailure StageStatus = "FAILURE"
	StageSkipped StageStatus = "SKIPPED"
)

// ErrorClass classifies a stage failure for reporting and fallback decisions.
type ErrorClass string

const (
	// ErrTransient covers network and provider errors. Eligible for
	// adapter-level fallback, never for an automatic whole-job re-run.
	ErrTransient ErrorClass = "transient"
	// ErrPermanent covers input errors such as a malformed or unsupported
	// source URL. No fallback is attempted.
	ErrPermanent ErrorClass = "permanent"
	// ErrTimeout marks a stage that exceeded its configured deadline.
	ErrTimeout ErrorClass = "timeout"
	// ErrOrchestration marks a fault in the pipeline runner itself, not in
	// any stage. The job is forced to FAILED.
	ErrOrchestration ErrorClass = "orchestration"
	// ErrDependency annotates a SKIPPED stage: either a required upstream
	// stage did not succeed, or a precondition of the stage itself was not
	// met (e.g. no downloadable video for shorts cutting).
	ErrDependency ErrorClass = "dependency-skip"
)

// StageError is a classified, human-readable stage failure.
type StageError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Transientf builds a transient StageError.
func Transientf(format string, args ...any) *StageError {
	return &StageError{Class: ErrTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanentf builds a permanent StageError.
func Permanentf(format string, args ...any) *StageError {
	return &StageError{Class: ErrPermanent, Message: fmt.Sprintf(format, args...)}
}

// StageResult is one entry of a job's append-only stage history.
type StageResult struct {
	StageName     string      `json:"stage_name"`
	Status        StageStatus `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    time.Time   `json:"finished_at"`
	Error         *StageError `json:"error,omitempty"`
	ArtifactPaths []string    `json:"artifact_paths,omitempty"`
}

// Target is a requested artifact kind. Targets drive which stages run.
type Target string

const (
	TargetNewsletter    Target = "newsletter"
	TargetBlog          Target = "blog"
	TargetLinkedIn      Target = "linkedin"
	TargetYouTubeScript Target = "youtube-script"
	TargetThreads       Target = "threads"
	TargetShortsScripts Target = "shorts-scripts"
	TargetVisuals       Target = "visuals"
	TargetShortsVideo   Target = "shorts-video"
)

var validTargets = map[Target]bool{
	TargetNewsletter:    true,
	TargetBlog:          true,
	TargetLinkedIn:      true,
	TargetYouTubeScript: true,
	TargetThreads:       true,
	TargetShortsScripts: true,
	TargetVisuals:       true,
	TargetShortsVideo:   true,
}

// targetAliases folds legacy names into canonical targets.
var targetAliases = map[string]Target{
	"card-news":        TargetVisuals,
	"thumbnail":        TargetVisuals,
	"visual-card-news": TargetVisuals,
	"visual-thumbnail": TargetVisuals,
	"shorts-videos":    TargetShortsVideo,
}

// NormalizeTargets lowercases, trims, resolves aliases and deduplicates the
// requested artifact kinds, preserving first-seen order.
func NormalizeTargets(raw []string) ([]Target, error) {
	var out []Target
	seen := make(map[Target]bool)
	for _, item := range raw {
		name := strings.ToLower(strings.TrimSpace(item))
		if name == "" {
			continue
		}
		t := Target(name)
		if alias, ok := targetAliases[name]; ok {
			t = alias
		}
		if !validTargets[t] {
			return nil, fmt.Errorf("unknown target %q", item)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// Job is one end-to-end request to turn a source URL into a set of artifacts.
type Job struct {
	ID           string        `json:"job_id"`
	SourceURL    string        `json:"source_url"`
	Tone         string        `json:"tone"`
	Language     string        `json:"language"`
	Targets      []Target      `json:"targets"`
	MockMode     bool          `json:"mock_mode"`
	CallbackURL  string        `json:"callback_url,omitempty"`
	Status       Status        `json:"status"`
	OutputDir    string        `json:"output_dir"`
	Attempts     int           `json:"attempts"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClaimedAt    *time.Time    `json:"claimed_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	StageResults []StageResult `json:"stage_results"`
}

// HasTarget reports whether the job requested the given artifact kind.
func (j *Job) HasTarget(t Target) bool {
	for _, have := range j.Targets {
		if have == t {
			return true
		}
	}
	return false
}

// SubmitRequest is the payload used to submit a new job.
type SubmitRequest struct {
	SourceURL   string   `json:"source_url"`
	Targets     []string `json:"targets,omitempty"`
	Tone        string   `json:"tone,omitempty"`
	Language    string   `json:"language,omitempty"`
	MockMode    bool     `json:"mock_mode,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

func (r *SubmitRequest) Validate() error {
	if r.SourceURL == "" {
		return errors.New("source_url must not be empty")
	}
	u, err := url.Parse(r.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source_url %q is not a valid http(s) URL", r.SourceURL)
	}
	if _, err := NormalizeTargets(r.Targets); err != nil {
		return err
	}
	return nil
}
