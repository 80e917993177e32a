package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs
// migrations. WAL mode and a busy timeout are applied per connection so
// concurrent claim/sweep writers back off instead of failing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			source_url   TEXT NOT NULL,
			tone         TEXT NOT NULL DEFAULT '',
			language     TEXT NOT NULL DEFAULT '',
			targets      TEXT NOT NULL DEFAULT '[]',
			mock_mode    INTEGER NOT NULL DEFAULT 0,
			callback_url TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'PENDING',
			output_dir   TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL,
			claimed_at   DATETIME,
			finished_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

		CREATE TABLE IF NOT EXISTS stage_results (
			job_id         TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			stage_name     TEXT NOT NULL,
			status         TEXT NOT NULL,
			error_class    TEXT,
			error_message  TEXT,
			started_at     DATETIME NOT NULL,
			finished_at    DATETIME NOT NULL,
			artifact_paths TEXT NOT NULL DEFAULT '[]',
			seq            INTEGER NOT NULL,
			PRIMARY KEY (job_id, stage_name)
		);
		CREATE INDEX IF NOT EXISTS idx_stage_results_job ON stage_results(job_id, seq);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	targets, err := json.Marshal(j.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, source_url, tone, language, targets, mock_mode, callback_url,
			 status, output_dir, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		j.ID,
		j.SourceURL,
		j.Tone,
		j.Language,
		string(targets),
		j.MockMode,
		j.CallbackURL,
		StatusPending,
		j.OutputDir,
		j.CreatedAt.UTC(),
		j.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `id, source_url, tone, language, targets, mock_mode, callback_url,
	status, output_dir, attempts, created_at, updated_at, claimed_at, finished_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	j.StageResults, err = s.loadStageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ClaimNext claims the oldest PENDING job in one atomic statement. SQLite
// serializes writers, so two concurrent callers can never both flip the same
// row from PENDING to RUNNING.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now().UTC()
	var id string
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1
		)
		RETURNING id
	`, StatusRunning, now, now, StatusPending).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) AppendStageResult(ctx context.Context, jobID string, r StageResult) error {
	paths, err := json.Marshal(r.ArtifactPaths)
	if err != nil {
		return fmt.Errorf("marshal artifact paths: %w", err)
	}
	var errClass, errMsg any
	if r.Error != nil {
		errClass = string(r.Error.Class)
		errMsg = r.Error.Message
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_results
			(job_id, stage_name, status, error_class, error_message,
			 started_at, finished_at, artifact_paths, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COUNT(*) FROM stage_results WHERE job_id = ?))
	`,
		jobID, r.StageName, r.Status, errClass, errMsg,
		r.StartedAt.UTC(), r.FinishedAt.UTC(), string(paths), jobID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("stage %q for job %s: %w", r.StageName, jobID, ErrDuplicateStage)
		}
		return fmt.Errorf("append stage result for job %s: %w", jobID, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, now, jobID)
	if err != nil {
		return fmt.Errorf("touch job %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, jobID string, status Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize job %s: %q is not a terminal status", jobID, status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, status, now, now, jobID, StatusPending, StatusRunning)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	if n == 0 {
		existing, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("finalize job %s: not found", jobID)
		}
		return fmt.Errorf("finalize job %s: %w", jobID, ErrAlreadyFinal)
	}
	return nil
}

// ReclaimStale recovers RUNNING jobs whose claim predates the threshold.
// Jobs with retry budget left return to PENDING with their stage history
// wiped (a requeued job is a full pipeline re-run); exhausted jobs are
// finalized FAILED with a stale-claim stage result.
func (s *SQLiteStore) ReclaimStale(ctx context.Context, olderThan time.Duration, maxAttempts int) ([]string, []string, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("reclaim stale: begin: %w", err)
	}
	defer tx.Rollback()

	requeued, err := collectIDs(tx.QueryContext(ctx, `
		UPDATE jobs SET status = ?, claimed_at = NULL, attempts = attempts + 1, updated_at = ?
		WHERE status = ? AND claimed_at < ? AND attempts + 1 < ?
		RETURNING id
	`, StatusPending, now, StatusRunning, cutoff, maxAttempts))
	if err != nil {
		return nil, nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	for _, id := range requeued {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_results WHERE job_id = ?`, id); err != nil {
			return nil, nil, fmt.Errorf("clear stage results for job %s: %w", id, err)
		}
	}

	exhausted, err := collectIDs(tx.QueryContext(ctx, `
		UPDATE jobs SET status = ?, attempts = attempts + 1, finished_at = ?, updated_at = ?
		WHERE status = ? AND claimed_at < ? AND attempts + 1 >= ?
		RETURNING id
	`, StatusFailed, now, now, StatusRunning, cutoff, maxAttempts))
	if err != nil {
		return nil, nil, fmt.Errorf("fail exhausted stale jobs: %w", err)
	}
	for _, id := range exhausted {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO stage_results
				(job_id, stage_name, status, error_class, error_message,
				 started_at, finished_at, artifact_paths, seq)
			VALUES (?, 'orchestrator', ?, ?, ?, ?, ?, '[]',
				(SELECT COUNT(*) FROM stage_results WHERE job_id = ?))
		`, id, StageFailure, string(ErrOrchestration),
			"stale claim: worker did not finish within the stuck-job threshold and the retry budget is exhausted",
			now, now, id)
		if err != nil {
			return nil, nil, fmt.Errorf("record stale claim for job %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("reclaim stale: commit: %w", err)
	}
	return requeued, exhausted, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	// stage_results rows go with the job via ON DELETE CASCADE.
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) TerminalBefore(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?, ?) AND created_at < ?
		ORDER BY created_at
	`, StatusSuccess, StatusPartialSuccess, StatusFailed, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs before cutoff: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) OldestTerminal(ctx context.Context, n int) ([]*Job, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?, ?)
		ORDER BY created_at
		LIMIT ?
	`, StatusSuccess, StatusPartialSuccess, StatusFailed, n)
	if err != nil {
		return nil, fmt.Errorf("list oldest terminal jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadStageResults(ctx context.Context, jobID string) ([]StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_name, status, error_class, error_message,
		       started_at, finished_at, artifact_paths
		FROM stage_results WHERE job_id = ? ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load stage results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var results []StageResult
	for rows.Next() {
		var r StageResult
		var errClass, errMsg sql.NullString
		var paths string
		if err := rows.Scan(&r.StageName, &r.Status, &errClass, &errMsg,
			&r.StartedAt, &r.FinishedAt, &paths); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		if errClass.Valid {
			r.Error = &StageError{Class: ErrorClass(errClass.String), Message: errMsg.String}
		}
		if err := json.Unmarshal([]byte(paths), &r.ArtifactPaths); err != nil {
			return nil, fmt.Errorf("unmarshal artifact paths: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var targets string
	var claimedAt, finishedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.SourceURL, &j.Tone, &j.Language, &targets, &j.MockMode,
		&j.CallbackURL, &j.Status, &j.OutputDir, &j.Attempts,
		&j.CreatedAt, &j.UpdatedAt, &claimedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &j.Targets); err != nil {
		return nil, fmt.Errorf("unmarshal targets: %w", err)
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func collectIDs(rows *sql.Rows, qerr error) ([]string, error) {
	if qerr != nil {
		return nil, qerr
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
