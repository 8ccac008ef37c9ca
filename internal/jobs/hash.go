package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
)

type hashedCriterion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type hashedTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type hashInput struct {
	Kind        string            `json:"kind"`
	StoryID     string            `json:"story_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Criteria    []hashedCriterion `json:"criteria"`
	Tasks       []hashedTask      `json:"tasks"`
	UseRepo     bool              `json:"use_repo"`
	RepoURL     string            `json:"repo_url,omitempty"`
}

// ContentHash fingerprints everything a job's result depends on. Timestamps
// are excluded so re-saving unchanged content does not defeat the debounce.
func ContentHash(kind string, story backlog.Story, tasks []backlog.Task, useRepo bool, repoURL string) string {
	in := hashInput{
		Kind:        kind,
		StoryID:     story.ID,
		Title:       story.Title,
		Description: story.Description,
		Criteria:    make([]hashedCriterion, 0, len(story.AcceptanceCriteria)),
		Tasks:       make([]hashedTask, 0, len(tasks)),
		UseRepo:     useRepo,
		RepoURL:     repoURL,
	}
	for _, ac := range story.AcceptanceCriteria {
		in.Criteria = append(in.Criteria, hashedCriterion{ID: ac.ID, Text: ac.Text})
	}
	for _, t := range tasks {
		in.Tasks = append(in.Tasks, hashedTask{ID: t.ID, Title: t.Title, Description: t.Description})
	}
	// Struct fields encode in declaration order, so the encoding is canonical.
	raw, _ := json.Marshal(in)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
