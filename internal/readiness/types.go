package readiness

import "encoding/json"

// Level is the qualitative readiness bucket derived from an overall score.
type Level string

const (
	LevelPoor      Level = "poor"
	LevelFair      Level = "fair"
	LevelGood      Level = "good"
	LevelExcellent Level = "excellent"
)

// ReadyThreshold is the lowest overall score considered ready for execution.
const ReadyThreshold = 70

// LevelFor maps an overall score to its Level.
func LevelFor(overall int) Level {
	switch {
	case overall >= 85:
		return LevelExcellent
	case overall >= ReadyThreshold:
		return LevelGood
	case overall >= 40:
		return LevelFair
	default:
		return LevelPoor
	}
}

// Category classifies missing elements and recommendations.
type Category string

const (
	CategoryTechnicalDetails   Category = "technical-details"
	CategoryAcceptanceCriteria Category = "acceptance-criteria"
	CategorySuccessCriteria    Category = "success-criteria"
	CategoryDependencies       Category = "dependencies"
	CategoryTestExpectations   Category = "test-expectations"
	CategoryVagueTerms         Category = "vague-terms"
	CategoryExamples           Category = "examples"
	CategoryAICompatibility    Category = "ai-compatibility"
)

// categoryOrder is the display tie-break order. Categories listed first win.
var categoryOrder = []Category{
	CategoryTechnicalDetails,
	CategoryVagueTerms,
	CategoryAcceptanceCriteria,
	CategoryAICompatibility,
	CategoryExamples,
	CategorySuccessCriteria,
	CategoryDependencies,
	CategoryTestExpectations,
}

func (c Category) rank() int {
	for i, o := range categoryOrder {
		if o == c {
			return i
		}
	}
	return len(categoryOrder)
}

// Priority is shared by MissingElement importance and Recommendation priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// SubScores holds the six independent dimensions, each 0-100.
type SubScores struct {
	TechnicalSpecificity int `json:"technical_specificity"`
	VagueLanguage        int `json:"vague_language"`
	ACReferences         int `json:"ac_references"`
	SuccessCriteria      int `json:"success_criteria"`
	Dependencies         int `json:"dependencies"`
	TestExpectations     int `json:"test_expectations"`
}

// Weights in percent, in SubScores field order. They sum to 100.
var Weights = [6]int{25, 15, 20, 15, 10, 15}

func (s SubScores) values() [6]int {
	return [6]int{
		s.TechnicalSpecificity,
		s.VagueLanguage,
		s.ACReferences,
		s.SuccessCriteria,
		s.Dependencies,
		s.TestExpectations,
	}
}

// Weighted returns round(sum(weight_i * subscore_i)) using integer
// arithmetic so the result never depends on float rounding.
func (s SubScores) Weighted() int {
	sum := 0
	for i, v := range s.values() {
		sum += Weights[i] * v
	}
	return (sum + 50) / 100
}

// ClarityScore is the overall readiness score plus its sub-scores.
// The level is derived on read and never stored.
type ClarityScore struct {
	Overall int `json:"overall"`
	SubScores
}

// Level returns the readiness bucket for the overall score.
func (s ClarityScore) Level() Level {
	return LevelFor(s.Overall)
}

// Ready reports whether the score meets ReadyThreshold.
func (s ClarityScore) Ready() bool {
	return s.Overall >= ReadyThreshold
}

// MarshalJSON adds the derived level to the encoded score.
func (s ClarityScore) MarshalJSON() ([]byte, error) {
	type plain ClarityScore
	return json.Marshal(struct {
		plain
		Level Level `json:"level"`
	}{plain(s), s.Level()})
}

// VagueTerm is one flagged occurrence of a low-information verb.
type VagueTerm struct {
	Term       string `json:"term"`
	Offset     int    `json:"offset"`
	Context    string `json:"context"`
	Suggestion string `json:"suggestion"`
}

// MissingElement describes a category of information the task lacks.
type MissingElement struct {
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Importance  Priority `json:"importance"`
	Remediation string   `json:"remediation"`
}

// Recommendation is a ranked, derived improvement for a task.
type Recommendation struct {
	ID            string   `json:"id"`
	Category      Category `json:"category"`
	Priority      Priority `json:"priority"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Actionable    bool     `json:"actionable"`
	AutoApplyable bool     `json:"auto_applyable"`
}

// StoryContext is the part of a story the rules look at.
type StoryContext struct {
	Title              string
	Description        string
	AcceptanceCriteria []string // acceptance criterion ids
}

// Report bundles the output of every rule set for one task.
type Report struct {
	Score           ClarityScore     `json:"score"`
	VagueTerms      []VagueTerm      `json:"vague_terms"`
	MissingElements []MissingElement `json:"missing_elements"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Analyze runs the scorer, both detectors and the recommendation generator.
func Analyze(taskText string, story StoryContext) Report {
	vague := DetectVagueTerms(taskText)
	missing := DetectMissing(taskText, story)
	score := Score(taskText, story)
	return Report{
		Score:           score,
		VagueTerms:      vague,
		MissingElements: missing,
		Recommendations: GenerateRecommendations(score, vague, missing),
	}
}
