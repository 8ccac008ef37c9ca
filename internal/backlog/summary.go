package backlog

import (
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/readyd/internal/readiness"
)

// StoryAnalysisSummary is the per-story aggregate over the current analysis
// of every task. It is always recomputed, never patched.
type StoryAnalysisSummary struct {
	OrgID        string              `json:"-"`
	StoryID      string              `json:"story_id"`
	TaskCount    int                 `json:"task_count"`
	AverageScore float64             `json:"average_score"`
	ReadyCount   int                 `json:"ready_count"`
	IssuesByType map[string][]string `json:"issues_by_type"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// FoldSummary folds the latest analysis of each task into a summary. The
// input may contain history and may be in any order; the result depends
// only on the set of analyses.
func FoldSummary(orgID, storyID string, analyses []TaskAnalysis, at time.Time) StoryAnalysisSummary {
	current := LatestPerTask(analyses)

	sum := StoryAnalysisSummary{
		OrgID:        orgID,
		StoryID:      storyID,
		TaskCount:    len(current),
		IssuesByType: make(map[string][]string),
		UpdatedAt:    at.UTC(),
	}
	if len(current) == 0 {
		return sum
	}

	total := 0
	sets := make(map[string]map[string]struct{})
	add := func(issue, taskID string) {
		if sets[issue] == nil {
			sets[issue] = make(map[string]struct{})
		}
		sets[issue][taskID] = struct{}{}
	}

	for _, a := range current {
		total += a.Score.Overall
		if a.Score.Ready() {
			sum.ReadyCount++
		}
		for _, m := range a.MissingElements {
			add(string(m.Category), a.TaskID)
		}
		if len(a.VagueTerms) > 0 {
			add(string(readiness.CategoryVagueTerms), a.TaskID)
		}
	}

	sum.AverageScore = math.Round(float64(total)/float64(len(current))*10) / 10
	for issue, set := range sets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sum.IssuesByType[issue] = ids
	}
	return sum
}

func sortByTaskID(as []TaskAnalysis) {
	sort.Slice(as, func(i, j int) bool { return as[i].TaskID < as[j].TaskID })
}
