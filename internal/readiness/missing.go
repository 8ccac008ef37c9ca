package readiness

import (
	"fmt"
	"sort"
)

// missingRule inspects the collected signals and returns at most one element.
type missingRule func(s signals) *MissingElement

var missingRules = []missingRule{
	technicalDetailsRule,
	acceptanceCriteriaRule,
	successCriteriaRule,
	dependenciesRule,
	testExpectationsRule,
}

// DetectMissing returns the union of all missing-element rules, stable
// sorted by category.
func DetectMissing(taskText string, story StoryContext) []MissingElement {
	s := collectSignals(taskText, story)

	out := make([]MissingElement, 0, len(missingRules))
	for _, rule := range missingRules {
		if m := rule(s); m != nil {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Category.rank() < out[j].Category.rank()
	})
	return out
}

func technicalDetailsRule(s signals) *MissingElement {
	if s.filePath || s.function || s.identifier {
		return nil
	}
	return &MissingElement{
		Category:    CategoryTechnicalDetails,
		Description: "No file path, function name or code identifier is mentioned.",
		Importance:  PriorityHigh,
		Remediation: "Name the files, functions or types the change touches, e.g. src/services/AuthService.ts or Login().",
	}
}

func acceptanceCriteriaRule(s signals) *MissingElement {
	switch {
	case s.acRefs == 0 && s.storyACCount > 0:
		return &MissingElement{
			Category:    CategoryAcceptanceCriteria,
			Description: fmt.Sprintf("Task does not reference any of the story's %d acceptance criteria.", s.storyACCount),
			Importance:  PriorityCritical,
			Remediation: "Reference the acceptance criteria this task satisfies by id, e.g. \"covers ac-001\".",
		}
	case s.acRefs == 0:
		return &MissingElement{
			Category:    CategoryAcceptanceCriteria,
			Description: "The story defines no acceptance criteria and the task references none.",
			Importance:  PriorityCritical,
			Remediation: "Add acceptance criteria to the story, then reference them from the task by id.",
		}
	case s.storyACCount > 0 && s.acMatched == 0:
		return &MissingElement{
			Category:    CategoryAcceptanceCriteria,
			Description: "Task references acceptance criteria that do not exist on the story.",
			Importance:  PriorityHigh,
			Remediation: "Correct the referenced ids so they match the story's acceptance criteria.",
		}
	}
	return nil
}

func successCriteriaRule(s signals) *MissingElement {
	if s.successHits > 0 {
		return nil
	}
	return &MissingElement{
		Category:    CategorySuccessCriteria,
		Description: "No measurable completion condition is stated.",
		Importance:  PriorityHigh,
		Remediation: "State what observable result marks the task done, e.g. \"returns 401 for invalid credentials\".",
	}
}

func dependenciesRule(s signals) *MissingElement {
	if !s.integration || s.prerequisite {
		return nil
	}
	return &MissingElement{
		Category:    CategoryDependencies,
		Description: "Task mentions an integration but states no prerequisite.",
		Importance:  PriorityMedium,
		Remediation: "Say which service, credential or earlier task this depends on, e.g. \"requires the payments API key\".",
	}
}

func testExpectationsRule(s signals) *MissingElement {
	if s.specificTests || s.genericTests {
		return nil
	}
	return &MissingElement{
		Category:    CategoryTestExpectations,
		Description: "No test expectations are given.",
		Importance:  PriorityMedium,
		Remediation: "Describe the tests that prove the change, e.g. \"unit tests for expired tokens\".",
	}
}
