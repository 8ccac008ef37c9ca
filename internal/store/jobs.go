package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRequested  JobStatus = "requested"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one analysis or suggestion request.
type Job struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"-"`
	Kind           string    `json:"kind"`
	StoryID        string    `json:"story_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	UseRepoContext bool      `json:"use_repo_context"`
	Status         JobStatus `json:"status"`
	Classification string    `json:"classification,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ContentHash    string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const jobColumns = `id, org_id, kind, story_id, task_id, use_repo_context, status, classification, reason, content_hash, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var useRepo int
	var created, updated int64
	err := row.Scan(&j.ID, &j.OrgID, &j.Kind, &j.StoryID, &j.TaskID, &useRepo,
		&j.Status, &j.Classification, &j.Reason, &j.ContentHash, &created, &updated)
	if err != nil {
		return Job{}, err
	}
	j.UseRepoContext = useRepo == 1
	j.CreatedAt = fromUnix(created)
	j.UpdatedAt = fromUnix(updated)
	return j, nil
}

// CreateJob inserts a job in the requested state.
func (s *SQLite) CreateJob(ctx context.Context, j Job) error {
	if j.Status != JobRequested {
		return fmt.Errorf("%w: new job must be %s, got %s", ErrIllegalTransition, JobRequested, j.Status)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OrgID, j.Kind, j.StoryID, j.TaskID, boolInt(j.UseRepoContext),
		j.Status, j.Classification, j.Reason, j.ContentHash, toUnix(j.CreatedAt), toUnix(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job of the org.
func (s *SQLite) GetJob(ctx context.Context, orgID, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE org_id = ? AND id = ?`, orgID, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobByID returns a job regardless of org. Workers use it after a claim.
func (s *SQLite) JobByID(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// FindDebounced returns the newest job with the same content hash that is
// still in flight, or that completed at or after since.
func (s *SQLite) FindDebounced(ctx context.Context, orgID, kind, hash string, since time.Time) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE org_id = ? AND kind = ? AND content_hash = ?
		  AND (status IN ('requested', 'processing') OR (status = 'completed' AND updated_at >= ?))
		ORDER BY created_at DESC LIMIT 1`,
		orgID, kind, hash, toUnix(since))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("find debounced job: %w", err)
	}
	return j, true, nil
}

// ListJobsByStatus returns jobs in the given state, oldest first.
func (s *SQLite) ListJobsByStatus(ctx context.Context, status JobStatus) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob moves a requested job to processing. Exactly one caller wins;
// the rest get ErrClaimConflict.
func (s *SQLite) ClaimJob(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'requested'`,
		toUnix(at), id)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.JobByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, ErrClaimConflict)
}

// FinishJob moves a processing job to completed or failed.
func (s *SQLite) FinishJob(ctx context.Context, id string, status JobStatus, classification, reason string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: cannot finish job as %s", ErrIllegalTransition, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, classification = ?, reason = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		status, classification, reason, toUnix(at), id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is not processing", ErrIllegalTransition, id)
	}
	return nil
}
