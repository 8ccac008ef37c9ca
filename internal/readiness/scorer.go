package readiness

// Score computes the ClarityScore of a task. It is total and deterministic:
// any string, including the empty one, yields a valid score.
func Score(taskText string, story StoryContext) ClarityScore {
	s := collectSignals(taskText, story)

	sub := SubScores{
		TechnicalSpecificity: technicalSpecificity(s),
		VagueLanguage:        vagueLanguage(s),
		ACReferences:         acReferenceScore(s),
		SuccessCriteria:      successCriteria(s),
		Dependencies:         dependencies(s),
		TestExpectations:     testExpectations(s),
	}
	return ClarityScore{Overall: sub.Weighted(), SubScores: sub}
}

func technicalSpecificity(s signals) int {
	score := 0
	if s.filePath {
		score += 40
	}
	if s.function {
		score += 30
	}
	if s.identifier {
		score += 15
	}
	score += min(15, 5*s.techKeywords)
	return clamp(score)
}

func vagueLanguage(s signals) int {
	return clamp(100 - 25*s.vagueTerms - 10*s.hedges)
}

func acReferenceScore(s signals) int {
	switch {
	case s.acRefs == 0:
		return 0
	case s.storyACCount == 0:
		// Referenced, but nothing to check the references against.
		return 80
	default:
		return clamp(50 + 50*s.acMatched/s.acRefs)
	}
}

func successCriteria(s signals) int {
	switch {
	case s.successHits == 0:
		return 0
	case s.successHits == 1:
		return 60
	case s.successHits == 2:
		return 80
	default:
		return 100
	}
}

func dependencies(s signals) int {
	switch {
	case s.prerequisite:
		return 100
	case s.integration:
		return 30
	default:
		return 80
	}
}

func testExpectations(s signals) int {
	switch {
	case s.specificTests:
		return 100
	case s.genericTests:
		return 70
	default:
		return 0
	}
}

func clamp(v int) int {
	return max(0, min(100, v))
}
