package jobs

import (
	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/store"
	"github.com/fyrsmithlabs/readyd/internal/synth"
)

// Job kinds.
const (
	KindAnalyzeTask  = "analyze_task"
	KindAnalyzeStory = "analyze_story"
	KindSuggestTasks = "suggest_tasks"
)

// Event types.
const (
	EventJobRequested         = "job.requested"
	EventJobProcessing        = "job.processing"
	EventTaskAnalyzed         = "task.analyzed"
	EventSuggestionsGenerated = "suggestions.generated"
	EventJobCompleted         = "job.completed"
	EventJobFailed            = "job.failed"
	EventSuggestionReviewed   = "suggestion.reviewed"
	EventRepoConfigured       = "repo.configured"
)

// JobPayload is carried by the job lifecycle events.
type JobPayload struct {
	Job            store.Job      `json:"job"`
	Classification Classification `json:"classification,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// AnalyzedPayload is carried by task.analyzed.
type AnalyzedPayload struct {
	Analysis backlog.TaskAnalysis `json:"analysis"`
}

// SuggestionsPayload is carried by suggestions.generated.
type SuggestionsPayload struct {
	StoryID     string                   `json:"story_id"`
	Suggestions []backlog.TaskSuggestion `json:"suggestions"`
	Discarded   []synth.Discarded        `json:"discarded"`
	StoryOnly   bool                     `json:"story_only"`
	Provider    string                   `json:"provider"`
}

// ReviewedPayload is carried by suggestion.reviewed.
type ReviewedPayload struct {
	SuggestionID string                   `json:"suggestion_id"`
	StoryID      string                   `json:"story_id"`
	Status       backlog.SuggestionStatus `json:"status"`
	TaskID       string                   `json:"task_id,omitempty"`
}

// RepoConfiguredPayload is carried by repo.configured.
type RepoConfiguredPayload struct {
	Config backlog.RepoConfig `json:"config"`
}
