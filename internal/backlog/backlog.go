// Package backlog defines the stories, tasks and read models the readiness
// engine works on.
package backlog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/readyd/internal/readiness"
)

// ErrValidation marks bad caller input. Wrap it with the field that failed.
var ErrValidation = errors.New("validation failed")

// AcceptanceCriterion is one checkable condition on a story.
type AcceptanceCriterion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Story groups tasks under a set of acceptance criteria.
type Story struct {
	OrgID              string                `json:"org_id"`
	ID                 string                `json:"id"`
	ProjectID          string                `json:"project_id"`
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// Validate checks the fields every story must carry.
func (s Story) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: story id is required", ErrValidation)
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: story title is required", ErrValidation)
	}
	for i, ac := range s.AcceptanceCriteria {
		if strings.TrimSpace(ac.ID) == "" {
			return fmt.Errorf("%w: acceptance criterion %d has no id", ErrValidation, i)
		}
	}
	return nil
}

// ReadinessContext projects the story onto what the scoring rules read.
func (s Story) ReadinessContext() readiness.StoryContext {
	ids := make([]string, 0, len(s.AcceptanceCriteria))
	for _, ac := range s.AcceptanceCriteria {
		ids = append(ids, ac.ID)
	}
	return readiness.StoryContext{
		Title:              s.Title,
		Description:        s.Description,
		AcceptanceCriteria: ids,
	}
}

// Task is a unit of work inside a story.
type Task struct {
	OrgID       string    `json:"org_id"`
	ID          string    `json:"id"`
	StoryID     string    `json:"story_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Position    int       `json:"position"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Text is what the scoring rules see: title and description.
func (t Task) Text() string {
	return strings.TrimSpace(strings.TrimSpace(t.Title) + "\n" + strings.TrimSpace(t.Description))
}

// Validate rejects tasks with no id, no story or no text to analyze.
func (t Task) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: task id is required", ErrValidation)
	case strings.TrimSpace(t.StoryID) == "":
		return fmt.Errorf("%w: task %s has no story", ErrValidation, t.ID)
	case t.Text() == "":
		return fmt.Errorf("%w: task %s has empty text", ErrValidation, t.ID)
	}
	return nil
}

// TaskAnalysis is one immutable analysis run for one task. Newer runs
// supersede older ones; they never modify them.
type TaskAnalysis struct {
	ID              string                     `json:"id"`
	OrgID           string                     `json:"-"`
	TaskID          string                     `json:"task_id"`
	StoryID         string                     `json:"story_id"`
	JobID           string                     `json:"job_id"`
	Score           readiness.ClarityScore     `json:"score"`
	VagueTerms      []readiness.VagueTerm      `json:"vague_terms"`
	MissingElements []readiness.MissingElement `json:"missing_elements"`
	Recommendations []readiness.Recommendation `json:"recommendations"`
	AnalyzedAt      time.Time                  `json:"analyzed_at"`

	// Seq orders analyses of the same task. Assigned by the store.
	Seq int64 `json:"-"`
}

// NewTaskAnalysis builds an analysis row from a readiness report.
func NewTaskAnalysis(id, jobID string, task Task, report readiness.Report, at time.Time) TaskAnalysis {
	return TaskAnalysis{
		ID:              id,
		OrgID:           task.OrgID,
		TaskID:          task.ID,
		StoryID:         task.StoryID,
		JobID:           jobID,
		Score:           report.Score,
		VagueTerms:      report.VagueTerms,
		MissingElements: report.MissingElements,
		Recommendations: report.Recommendations,
		AnalyzedAt:      at.UTC(),
	}
}

// supersedes reports whether a is newer than b.
func (a TaskAnalysis) supersedes(b TaskAnalysis) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	if !a.AnalyzedAt.Equal(b.AnalyzedAt) {
		return a.AnalyzedAt.After(b.AnalyzedAt)
	}
	return a.ID > b.ID
}

// LatestPerTask keeps the newest analysis of each task, ordered by task id.
func LatestPerTask(analyses []TaskAnalysis) []TaskAnalysis {
	latest := make(map[string]TaskAnalysis, len(analyses))
	for _, a := range analyses {
		if cur, ok := latest[a.TaskID]; !ok || a.supersedes(cur) {
			latest[a.TaskID] = a
		}
	}
	out := make([]TaskAnalysis, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sortByTaskID(out)
	return out
}
