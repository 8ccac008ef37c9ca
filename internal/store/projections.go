package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
)

// InsertTaskAnalysis appends an analysis row and sets its Seq.
func (s *SQLite) InsertTaskAnalysis(ctx context.Context, a *backlog.TaskAnalysis) error {
	fields := []any{a.Score, nonNil(a.VagueTerms), nonNil(a.MissingElements), nonNil(a.Recommendations)}
	encoded := make([]string, len(fields))
	for i, f := range fields {
		raw, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode analysis: %w", err)
		}
		encoded[i] = string(raw)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO task_analyses
		(id, org_id, task_id, story_id, job_id, score, vague_terms, missing_elements, recommendations, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.TaskID, a.StoryID, a.JobID, encoded[0], encoded[1], encoded[2], encoded[3], toUnix(a.AnalyzedAt))
	if err != nil {
		return fmt.Errorf("insert task analysis: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task analysis: %w", err)
	}
	a.Seq = seq
	return nil
}

// ListTaskAnalyses returns every analysis of the story's tasks, oldest
// first. Callers fold with backlog.LatestPerTask when only the current
// ones matter.
func (s *SQLite) ListTaskAnalyses(ctx context.Context, orgID, storyID string) ([]backlog.TaskAnalysis, error) {
	return s.queryAnalyses(ctx, `WHERE org_id = ? AND story_id = ? ORDER BY seq`, orgID, storyID)
}

// TaskAnalysisHistory returns the analyses of one task, newest first.
func (s *SQLite) TaskAnalysisHistory(ctx context.Context, orgID, taskID string) ([]backlog.TaskAnalysis, error) {
	return s.queryAnalyses(ctx, `WHERE org_id = ? AND task_id = ? ORDER BY seq DESC`, orgID, taskID)
}

func (s *SQLite) queryAnalyses(ctx context.Context, where string, args ...any) ([]backlog.TaskAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, org_id, task_id, story_id, job_id, score, vague_terms,
		missing_elements, recommendations, analyzed_at FROM task_analyses `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list task analyses: %w", err)
	}
	defer rows.Close()

	out := []backlog.TaskAnalysis{}
	for rows.Next() {
		var a backlog.TaskAnalysis
		var score, vague, missing, recs string
		var analyzed int64
		if err := rows.Scan(&a.Seq, &a.ID, &a.OrgID, &a.TaskID, &a.StoryID, &a.JobID,
			&score, &vague, &missing, &recs, &analyzed); err != nil {
			return nil, fmt.Errorf("scan task analysis: %w", err)
		}
		if err := decodeAll(
			[]string{score, vague, missing, recs},
			[]any{&a.Score, &a.VagueTerms, &a.MissingElements, &a.Recommendations},
		); err != nil {
			return nil, fmt.Errorf("decode task analysis %s: %w", a.ID, err)
		}
		a.AnalyzedAt = fromUnix(analyzed)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutSummary replaces the summary of a story.
func (s *SQLite) PutSummary(ctx context.Context, sum backlog.StoryAnalysisSummary) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO story_summaries (org_id, story_id, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id, story_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		sum.OrgID, sum.StoryID, string(raw), toUnix(sum.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

// GetSummary returns the summary of a story.
func (s *SQLite) GetSummary(ctx context.Context, orgID, storyID string) (backlog.StoryAnalysisSummary, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM story_summaries WHERE org_id = ? AND story_id = ?`, orgID, storyID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return backlog.StoryAnalysisSummary{}, fmt.Errorf("summary for story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return backlog.StoryAnalysisSummary{}, fmt.Errorf("get summary: %w", err)
	}
	var sum backlog.StoryAnalysisSummary
	if err := json.Unmarshal([]byte(body), &sum); err != nil {
		return backlog.StoryAnalysisSummary{}, fmt.Errorf("decode summary: %w", err)
	}
	sum.OrgID = orgID
	return sum, nil
}

// InsertSuggestions stores a batch of suggestions in one transaction.
func (s *SQLite) InsertSuggestions(ctx context.Context, batch []backlog.TaskSuggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO task_suggestions
		(id, org_id, story_id, job_id, title, description, file_paths, code_examples, confidence,
		 acceptance_criteria, estimated_hours, clarity_score, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, sg := range batch {
		paths, err := json.Marshal(nonNil(sg.FilePaths))
		if err != nil {
			return err
		}
		examples, err := json.Marshal(nonNil(sg.CodeExamples))
		if err != nil {
			return err
		}
		acs, err := json.Marshal(nonNil(sg.AcceptanceCriteria))
		if err != nil {
			return err
		}
		var hours any
		if sg.EstimatedHours != nil {
			hours = *sg.EstimatedHours
		}
		if _, err := stmt.ExecContext(ctx, sg.ID, sg.OrgID, sg.StoryID, sg.JobID, sg.Title, sg.Description,
			string(paths), string(examples), sg.Confidence, string(acs), hours, sg.ClarityScore,
			sg.Status, toUnix(sg.CreatedAt), toUnix(sg.UpdatedAt)); err != nil {
			return fmt.Errorf("insert suggestion %s: %w", sg.ID, err)
		}
	}
	return tx.Commit()
}

const suggestionColumns = `id, org_id, story_id, job_id, title, description, file_paths, code_examples, confidence,
	acceptance_criteria, estimated_hours, clarity_score, status, created_at, updated_at`

// ListSuggestions returns the suggestions of a story, highest confidence
// first. An empty status returns all of them.
func (s *SQLite) ListSuggestions(ctx context.Context, orgID, storyID string, status backlog.SuggestionStatus) ([]backlog.TaskSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM task_suggestions WHERE org_id = ? AND story_id = ?`
	args := []any{orgID, storyID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, confidence DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	out := []backlog.TaskSuggestion{}
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// GetSuggestion returns one suggestion of the org.
func (s *SQLite) GetSuggestion(ctx context.Context, orgID, id string) (backlog.TaskSuggestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM task_suggestions WHERE org_id = ? AND id = ?`, orgID, id)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return backlog.TaskSuggestion{}, fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	return sg, err
}

// UpdateSuggestionStatus applies a review. It only succeeds while the
// suggestion is still pending.
func (s *SQLite) UpdateSuggestionStatus(ctx context.Context, orgID, id string, next backlog.SuggestionStatus, at time.Time) error {
	return updateSuggestionStatus(ctx, s.db, orgID, id, next, at)
}

// RecordReview applies a suggestion review, stores the task an approval
// created, and appends the review event in one transaction. Nothing is
// written unless all three succeed.
func (s *SQLite) RecordReview(ctx context.Context, ev Event, suggestionID string, next backlog.SuggestionStatus, task *backlog.Task) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateSuggestionStatus(ctx, tx, ev.OrgID, suggestionID, next, ev.CreatedAt); err != nil {
		return Event{}, err
	}
	if task != nil {
		if err := putTask(ctx, tx, *task); err != nil {
			return Event{}, err
		}
	}
	ev, err = appendEvent(ctx, tx, ev)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit review: %w", err)
	}
	return ev, nil
}

func updateSuggestionStatus(ctx context.Context, q dbtx, orgID, id string, next backlog.SuggestionStatus, at time.Time) error {
	if !backlog.SuggestionPending.CanTransitionTo(next) {
		return fmt.Errorf("%w: pending -> %s", backlog.ErrIllegalTransition, next)
	}
	res, err := q.ExecContext(ctx, `UPDATE task_suggestions SET status = ?, updated_at = ?
		WHERE org_id = ? AND id = ? AND status = 'pending'`, next, toUnix(at), orgID, id)
	if err != nil {
		return fmt.Errorf("update suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update suggestion: %w", err)
	}
	if n == 1 {
		return nil
	}
	var cur backlog.SuggestionStatus
	err = q.QueryRowContext(ctx, `SELECT status FROM task_suggestions WHERE org_id = ? AND id = ?`, orgID, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update suggestion: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", backlog.ErrIllegalTransition, cur, next)
}

func scanSuggestion(row interface{ Scan(...any) error }) (backlog.TaskSuggestion, error) {
	var sg backlog.TaskSuggestion
	var paths, examples, acs string
	var hours sql.NullFloat64
	var created, updated int64
	err := row.Scan(&sg.ID, &sg.OrgID, &sg.StoryID, &sg.JobID, &sg.Title, &sg.Description, &paths, &examples,
		&sg.Confidence, &acs, &hours, &sg.ClarityScore, &sg.Status, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sg, err
		}
		return sg, fmt.Errorf("scan suggestion: %w", err)
	}
	if err := decodeAll([]string{paths, examples, acs}, []any{&sg.FilePaths, &sg.CodeExamples, &sg.AcceptanceCriteria}); err != nil {
		return sg, fmt.Errorf("decode suggestion %s: %w", sg.ID, err)
	}
	if hours.Valid {
		h := hours.Float64
		sg.EstimatedHours = &h
	}
	sg.CreatedAt = fromUnix(created)
	sg.UpdatedAt = fromUnix(updated)
	return sg, nil
}

// ResetProjections drops every derived row so a replay can rebuild them.
// Jobs, events and backlog rows are kept.
func (s *SQLite) ResetProjections(ctx context.Context) error {
	for _, table := range []string{"task_analyses", "story_summaries", "task_suggestions"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

func decodeAll(raws []string, dests []any) error {
	for i, raw := range raws {
		if err := json.Unmarshal([]byte(raw), dests[i]); err != nil {
			return err
		}
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
