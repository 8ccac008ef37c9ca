package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
)

// PutStory inserts or replaces a story.
func (s *SQLite) PutStory(ctx context.Context, st backlog.Story) error {
	acs := st.AcceptanceCriteria
	if acs == nil {
		acs = []backlog.AcceptanceCriterion{}
	}
	raw, err := json.Marshal(acs)
	if err != nil {
		return fmt.Errorf("encode acceptance criteria: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO stories (org_id, id, project_id, title, description, acceptance_criteria, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			description = excluded.description,
			acceptance_criteria = excluded.acceptance_criteria,
			updated_at = excluded.updated_at`,
		st.OrgID, st.ID, st.ProjectID, st.Title, st.Description, string(raw), toUnix(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put story: %w", err)
	}
	return nil
}

// GetStory returns a story of the org.
func (s *SQLite) GetStory(ctx context.Context, orgID, id string) (backlog.Story, error) {
	var st backlog.Story
	var acs string
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT org_id, id, project_id, title, description, acceptance_criteria, updated_at
		FROM stories WHERE org_id = ? AND id = ?`, orgID, id).
		Scan(&st.OrgID, &st.ID, &st.ProjectID, &st.Title, &st.Description, &acs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return backlog.Story{}, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return backlog.Story{}, fmt.Errorf("get story: %w", err)
	}
	if err := json.Unmarshal([]byte(acs), &st.AcceptanceCriteria); err != nil {
		return backlog.Story{}, fmt.Errorf("decode acceptance criteria: %w", err)
	}
	st.UpdatedAt = fromUnix(updated)
	return st, nil
}

// PutTask inserts or replaces a task.
func (s *SQLite) PutTask(ctx context.Context, t backlog.Task) error {
	return putTask(ctx, s.db, t)
}

func putTask(ctx context.Context, q dbtx, t backlog.Task) error {
	_, err := q.ExecContext(ctx, `INSERT INTO tasks (org_id, id, story_id, title, description, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, id) DO UPDATE SET
			story_id = excluded.story_id,
			title = excluded.title,
			description = excluded.description,
			position = excluded.position,
			updated_at = excluded.updated_at`,
		t.OrgID, t.ID, t.StoryID, t.Title, t.Description, t.Position, toUnix(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask returns a task of the org.
func (s *SQLite) GetTask(ctx context.Context, orgID, id string) (backlog.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT org_id, id, story_id, title, description, position, updated_at
		FROM tasks WHERE org_id = ? AND id = ?`, orgID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return backlog.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return backlog.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns the tasks of a story ordered by position.
func (s *SQLite) ListTasks(ctx context.Context, orgID, storyID string) ([]backlog.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT org_id, id, story_id, title, description, position, updated_at
		FROM tasks WHERE org_id = ? AND story_id = ? ORDER BY position, id`, orgID, storyID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []backlog.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row interface{ Scan(...any) error }) (backlog.Task, error) {
	var t backlog.Task
	var updated int64
	if err := row.Scan(&t.OrgID, &t.ID, &t.StoryID, &t.Title, &t.Description, &t.Position, &updated); err != nil {
		return backlog.Task{}, err
	}
	t.UpdatedAt = fromUnix(updated)
	return t, nil
}

// PutRepoConfig inserts or replaces the repository of a project.
func (s *SQLite) PutRepoConfig(ctx context.Context, rc backlog.RepoConfig) error {
	var validatedAt any
	if rc.LastValidatedAt != nil {
		validatedAt = toUnix(*rc.LastValidatedAt)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO repo_configs (org_id, project_id, id, repo_url, default_branch, validated, last_validated_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, project_id) DO UPDATE SET
			id = excluded.id,
			repo_url = excluded.repo_url,
			default_branch = excluded.default_branch,
			validated = excluded.validated,
			last_validated_at = excluded.last_validated_at,
			updated_at = excluded.updated_at`,
		rc.OrgID, rc.ProjectID, rc.ID, rc.RepoURL, rc.DefaultBranch, boolInt(rc.Validated), validatedAt, toUnix(rc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put repo config: %w", err)
	}
	return nil
}

// GetRepoConfig returns the repository of a project.
func (s *SQLite) GetRepoConfig(ctx context.Context, orgID, projectID string) (backlog.RepoConfig, error) {
	var rc backlog.RepoConfig
	var validated int
	var validatedAt sql.NullInt64
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT org_id, project_id, id, repo_url, default_branch, validated, last_validated_at, updated_at
		FROM repo_configs WHERE org_id = ? AND project_id = ?`, orgID, projectID).
		Scan(&rc.OrgID, &rc.ProjectID, &rc.ID, &rc.RepoURL, &rc.DefaultBranch, &validated, &validatedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return backlog.RepoConfig{}, fmt.Errorf("repo config for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return backlog.RepoConfig{}, fmt.Errorf("get repo config: %w", err)
	}
	rc.Validated = validated == 1
	if validatedAt.Valid {
		t := fromUnix(validatedAt.Int64)
		rc.LastValidatedAt = &t
	}
	rc.UpdatedAt = fromUnix(updated)
	return rc, nil
}
