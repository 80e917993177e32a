package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestStore opens a store backed by a real temp file. A shared :memory:
// DSN would give every pooled connection its own empty database.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeJob(id string, createdAt time.Time) *Job {
	return &Job{
		ID:        id,
		SourceURL: "https://example.com/post",
		Tone:      "친근하고 실용적",
		Language:  "ko",
		Targets:   []Target{TargetBlog, TargetVisuals},
		Status:    StatusPending,
		OutputDir: "outputs/" + id,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want job")
	}
	if got.SourceURL != j.SourceURL {
		t.Errorf("SourceURL = %q, want %q", got.SourceURL, j.SourceURL)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if len(got.Targets) != 2 || got.Targets[0] != TargetBlog {
		t.Errorf("Targets = %v, want [blog visuals]", got.Targets)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Get returned %+v, want nil", got)
	}
}

func TestClaimNext_FIFO(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"job-b", "job-a", "job-c"} {
		j := makeJob(id, base.Add(time.Duration(i)*time.Second))
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	first, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first == nil || first.ID != "job-b" {
		t.Fatalf("first claim = %+v, want job-b (oldest created_at)", first)
	}
	if first.Status != StatusRunning {
		t.Errorf("claimed Status = %q, want %q", first.Status, StatusRunning)
	}
	if first.ClaimedAt == nil {
		t.Error("claimed ClaimedAt is nil, want non-nil")
	}

	second, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second == nil || second.ID != "job-a" {
		t.Fatalf("second claim = %+v, want job-a", second)
	}
}

func TestClaimNext_Empty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Errorf("ClaimNext on empty queue returned %+v, want nil", j)
	}
}

func TestClaimNext_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const jobs = 20
	base := time.Now().UTC()
	for i := 0; i < jobs; i++ {
		j := makeJob(string(rune('a'+i))+"-job", base.Add(time.Duration(i)*time.Millisecond))
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := store.ClaimNext(ctx)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times, want exactly once", id, n)
		}
	}
}

func TestAppendStageResult(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	ok := StageResult{
		StageName: "extract", Status: StageSuccess,
		StartedAt: now, FinishedAt: now.Add(time.Second),
		ArtifactPaths: []string{"_tmp/source.md"},
	}
	if err := store.AppendStageResult(ctx, "job-1", ok); err != nil {
		t.Fatalf("AppendStageResult: %v", err)
	}

	failed := StageResult{
		StageName: "brief", Status: StageFailure,
		StartedAt: now, FinishedAt: now,
		Error: Transientf("provider unavailable"),
	}
	if err := store.AppendStageResult(ctx, "job-1", failed); err != nil {
		t.Fatalf("AppendStageResult: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.StageResults) != 2 {
		t.Fatalf("StageResults len = %d, want 2", len(got.StageResults))
	}
	if got.StageResults[0].StageName != "extract" || got.StageResults[1].StageName != "brief" {
		t.Errorf("stage order = [%s %s], want [extract brief]",
			got.StageResults[0].StageName, got.StageResults[1].StageName)
	}
	if got.StageResults[0].ArtifactPaths[0] != "_tmp/source.md" {
		t.Errorf("ArtifactPaths = %v", got.StageResults[0].ArtifactPaths)
	}
	if e := got.StageResults[1].Error; e == nil || e.Class != ErrTransient {
		t.Errorf("brief Error = %+v, want transient", got.StageResults[1].Error)
	}
}

func TestAppendStageResult_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	r := StageResult{StageName: "extract", Status: StageSuccess, StartedAt: now, FinishedAt: now}
	if err := store.AppendStageResult(ctx, "job-1", r); err != nil {
		t.Fatalf("AppendStageResult: %v", err)
	}

	err := store.AppendStageResult(ctx, "job-1", r)
	if !errors.Is(err, ErrDuplicateStage) {
		t.Errorf("duplicate append error = %v, want ErrDuplicateStage", err)
	}
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Finalize(ctx, "job-1", StatusSuccess); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q", got.Status, StatusSuccess)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, want non-nil")
	}
}

func TestFinalize_AlreadyFinal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Finalize(ctx, "job-1", StatusFailed); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	err := store.Finalize(ctx, "job-1", StatusSuccess)
	if !errors.Is(err, ErrAlreadyFinal) {
		t.Errorf("second Finalize error = %v, want ErrAlreadyFinal", err)
	}

	// Terminal status must not have changed.
	got, _ := store.Get(ctx, "job-1")
	if got.Status != StatusFailed {
		t.Errorf("Status = %q after double finalize, want %q", got.Status, StatusFailed)
	}
}

func TestFinalize_NonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Finalize(ctx, "whatever", StatusRunning); err == nil {
		t.Error("Finalize with RUNNING succeeded, want error")
	}
}

func TestReclaimStale_Requeue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	claimed, err := store.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v, %+v", err, claimed)
	}
	now := time.Now().UTC()
	r := StageResult{StageName: "extract", Status: StageSuccess, StartedAt: now, FinishedAt: now}
	if err := store.AppendStageResult(ctx, "job-1", r); err != nil {
		t.Fatalf("AppendStageResult: %v", err)
	}

	// A zero threshold makes the fresh claim immediately stale.
	requeued, exhausted, err := store.ReclaimStale(ctx, 0, 3)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "job-1" {
		t.Errorf("requeued = %v, want [job-1]", requeued)
	}
	if len(exhausted) != 0 {
		t.Errorf("exhausted = %v, want empty", exhausted)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.ClaimedAt != nil {
		t.Error("ClaimedAt should be nil after requeue")
	}
	if len(got.StageResults) != 0 {
		t.Errorf("StageResults = %v, want cleared for full re-run", got.StageResults)
	}
}

func TestReclaimStale_Exhausted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Burn through the retry budget: claim, reclaim, repeat.
	for i := 0; i < 2; i++ {
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		requeued, _, err := store.ReclaimStale(ctx, 0, 3)
		if err != nil {
			t.Fatalf("ReclaimStale: %v", err)
		}
		if len(requeued) != 1 {
			t.Fatalf("iteration %d: requeued = %v, want one id", i, requeued)
		}
	}

	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	requeued, exhausted, err := store.ReclaimStale(ctx, 0, 3)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(requeued) != 0 {
		t.Errorf("requeued = %v, want empty", requeued)
	}
	if len(exhausted) != 1 || exhausted[0] != "job-1" {
		t.Fatalf("exhausted = %v, want [job-1]", exhausted)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
	if len(got.StageResults) != 1 {
		t.Fatalf("StageResults len = %d, want 1 synthetic result", len(got.StageResults))
	}
	sr := got.StageResults[0]
	if sr.StageName != "orchestrator" || sr.Status != StageFailure {
		t.Errorf("synthetic result = %+v, want failed orchestrator", sr)
	}
	if sr.Error == nil || sr.Error.Class != ErrOrchestration {
		t.Errorf("synthetic result class = %+v, want orchestration", sr.Error)
	}
}

func TestReclaimStale_FreshClaimUntouched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	requeued, exhausted, err := store.ReclaimStale(ctx, time.Hour, 3)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(requeued) != 0 || len(exhausted) != 0 {
		t.Errorf("reclaim touched a fresh claim: requeued=%v exhausted=%v", requeued, exhausted)
	}

	got, _ := store.Get(ctx, "job-1")
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, StatusRunning)
	}
}

func TestDelete_CascadesStageResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1", time.Now().UTC())
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	now := time.Now().UTC()
	r := StageResult{StageName: "extract", Status: StageSuccess, StartedAt: now, FinishedAt: now}
	if err := store.AppendStageResult(ctx, "job-1", r); err != nil {
		t.Fatalf("AppendStageResult: %v", err)
	}

	if err := store.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("Get after delete returned %+v, want nil", got)
	}

	var n int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM stage_results WHERE job_id = 'job-1'`).Scan(&n); err != nil {
		t.Fatalf("count stage_results: %v", err)
	}
	if n != 0 {
		t.Errorf("stage_results rows = %d after delete, want 0", n)
	}
}

func TestList_Pagination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		j := makeJob(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	jobs, total, err := store.List(ctx, 2, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	// Newest first, offset 1 skips the newest.
	if jobs[0].ID != "d" || jobs[1].ID != "c" {
		t.Errorf("page = [%s %s], want [d c]", jobs[0].ID, jobs[1].ID)
	}
}

func TestRetentionQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	for _, tc := range []struct {
		id        string
		createdAt time.Time
		final     Status
	}{
		{"old-done", old, StatusSuccess},
		{"old-running", old.Add(time.Minute), ""},
		{"new-done", recent, StatusFailed},
	} {
		if err := store.Create(ctx, makeJob(tc.id, tc.createdAt)); err != nil {
			t.Fatalf("Create %s: %v", tc.id, err)
		}
		if tc.final != "" {
			if err := store.Finalize(ctx, tc.id, tc.final); err != nil {
				t.Fatalf("Finalize %s: %v", tc.id, err)
			}
		}
	}

	aged, err := store.TerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("TerminalBefore: %v", err)
	}
	if len(aged) != 1 || aged[0].ID != "old-done" {
		t.Errorf("TerminalBefore = %v, want only old-done", ids(aged))
	}

	oldest, err := store.OldestTerminal(ctx, 1)
	if err != nil {
		t.Fatalf("OldestTerminal: %v", err)
	}
	if len(oldest) != 1 || oldest[0].ID != "old-done" {
		t.Errorf("OldestTerminal = %v, want [old-done]", ids(oldest))
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
