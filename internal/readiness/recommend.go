package readiness

import (
	"fmt"
	"sort"
)

var categoryTitles = map[Category]string{
	CategoryTechnicalDetails:   "Add technical details",
	CategoryAcceptanceCriteria: "Link to acceptance criteria ids",
	CategorySuccessCriteria:    "State a measurable completion condition",
	CategoryDependencies:       "Declare dependencies",
	CategoryTestExpectations:   "Describe test expectations",
}

// GenerateRecommendations maps every missing element and vague term to one
// recommendation and, when the score is below ReadyThreshold, adds
// cross-cutting ones. The result is ordered by priority, then category.
func GenerateRecommendations(score ClarityScore, vague []VagueTerm, missing []MissingElement) []Recommendation {
	recs := make([]Recommendation, 0, len(vague)+len(missing)+3)

	for _, m := range missing {
		recs = append(recs, Recommendation{
			Category:    m.Category,
			Priority:    m.Importance,
			Title:       categoryTitles[m.Category],
			Description: m.Remediation,
			Actionable:  true,
		})
	}

	for _, v := range vague {
		recs = append(recs, Recommendation{
			Category:    CategoryVagueTerms,
			Priority:    PriorityMedium,
			Title:       fmt.Sprintf("Replace vague %q", v.Term),
			Description: fmt.Sprintf("In %q: %s", v.Context, v.Suggestion),
			Actionable:  true,
		})
	}

	if !score.Ready() {
		recs = appendCrossCutting(recs, score)
	}

	assignIDs(recs)
	sort.SliceStable(recs, func(i, j int) bool {
		if pi, pj := recs[i].Priority.rank(), recs[j].Priority.rank(); pi != pj {
			return pi < pj
		}
		return recs[i].Category.rank() < recs[j].Category.rank()
	})
	return recs
}

func appendCrossCutting(recs []Recommendation, score ClarityScore) []Recommendation {
	urgency := PriorityMedium
	if score.Level() == LevelPoor {
		urgency = PriorityHigh
	}

	if score.ACReferences < 50 {
		elevated := false
		for i := range recs {
			if recs[i].Category == CategoryAcceptanceCriteria {
				recs[i].Priority = PriorityCritical
				recs[i].AutoApplyable = true
				elevated = true
			}
		}
		if !elevated {
			recs = append(recs, Recommendation{
				Category:      CategoryAcceptanceCriteria,
				Priority:      PriorityCritical,
				Title:         categoryTitles[CategoryAcceptanceCriteria],
				Description:   "Reference the story's acceptance criteria by id so completion can be checked against them.",
				Actionable:    true,
				AutoApplyable: true,
			})
		}
	}

	if score.TechnicalSpecificity < 50 {
		recs = append(recs, Recommendation{
			Category:    CategoryExamples,
			Priority:    urgency,
			Title:       "Add a concrete example",
			Description: "Show an example input and the expected output, or a snippet of the code to change.",
			Actionable:  true,
		})
	}

	recs = append(recs, Recommendation{
		Category: CategoryAICompatibility,
		Priority: urgency,
		Title:    "Make the task executable without follow-up questions",
		Description: fmt.Sprintf(
			"The task scores %d (%s); an autonomous agent needs the files to touch and the expected behavior spelled out, plus a way to verify it.",
			score.Overall, score.Level()),
		Actionable: true,
	})
	return recs
}

// assignIDs numbers recommendations per category in generation order so
// ids are stable across runs on the same input.
func assignIDs(recs []Recommendation) {
	seen := make(map[Category]int)
	for i := range recs {
		seen[recs[i].Category]++
		recs[i].ID = fmt.Sprintf("%s-%d", recs[i].Category, seen[recs[i].Category])
	}
}
