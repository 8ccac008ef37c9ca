package backlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIllegalTransition is returned when a suggestion is reviewed twice.
var ErrIllegalTransition = errors.New("illegal suggestion status transition")

// SuggestionStatus is the review lifecycle of a TaskSuggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// CanTransitionTo reports whether a review may move s to next.
func (s SuggestionStatus) CanTransitionTo(next SuggestionStatus) bool {
	return s == SuggestionPending && (next == SuggestionApproved || next == SuggestionRejected)
}

// CodeExample points at existing code relevant to a suggestion.
type CodeExample struct {
	FilePath  string `json:"file_path"`
	Snippet   string `json:"snippet"`
	Relevance string `json:"relevance"`
}

// TaskSuggestion is a proposed new task for a story. Only a review changes
// it after creation.
type TaskSuggestion struct {
	ID                 string           `json:"id"`
	OrgID              string           `json:"-"`
	StoryID            string           `json:"story_id"`
	JobID              string           `json:"job_id"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	FilePaths          []string         `json:"file_paths"`
	CodeExamples       []CodeExample    `json:"code_examples"`
	Confidence         int              `json:"confidence"`
	AcceptanceCriteria []string         `json:"acceptance_criteria"`
	EstimatedHours     *float64         `json:"estimated_hours,omitempty"`
	ClarityScore       int              `json:"clarity_score"`
	Status             SuggestionStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// TaskText renders the suggestion as the text an approved task would carry.
func (s TaskSuggestion) TaskText() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Title))
	if d := strings.TrimSpace(s.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	if len(s.FilePaths) > 0 {
		b.WriteString("\nFiles: ")
		b.WriteString(strings.Join(s.FilePaths, ", "))
	}
	if len(s.AcceptanceCriteria) > 0 {
		b.WriteString("\nCovers: ")
		b.WriteString(strings.Join(s.AcceptanceCriteria, ", "))
	}
	return b.String()
}

// Review moves a pending suggestion to approved or rejected.
func (s *TaskSuggestion) Review(next SuggestionStatus, at time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = at.UTC()
	return nil
}

// AsTask materializes an approved suggestion as a new task in its story.
func (s TaskSuggestion) AsTask(taskID string, position int, at time.Time) Task {
	desc := strings.TrimSpace(strings.TrimPrefix(s.TaskText(), strings.TrimSpace(s.Title)))
	return Task{
		OrgID:       s.OrgID,
		ID:          taskID,
		StoryID:     s.StoryID,
		Title:       strings.TrimSpace(s.Title),
		Description: desc,
		Position:    position,
		UpdatedAt:   at.UTC(),
	}
}

// RepoConfig is the optional external repository of a project.
type RepoConfig struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"-"`
	ProjectID       string     `json:"project_id"`
	RepoURL         string     `json:"repo_url"`
	DefaultBranch   string     `json:"default_branch"`
	Validated       bool       `json:"validated"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
