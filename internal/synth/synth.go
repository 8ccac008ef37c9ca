// Package synth turns provider task drafts into ranked, gated
// TaskSuggestions for a story.
package synth

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/llm"
	"github.com/fyrsmithlabs/readyd/internal/readiness"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
)

// Defaults.
const (
	DefaultMax        = 6
	DefaultMinClarity = readiness.ReadyThreshold

	// duplicateThreshold is the title token overlap above which a draft
	// repeats an existing task.
	duplicateThreshold = 0.8

	// Confidence adjustments against the repository listing.
	verifiedPathBonus   = 5
	maxVerifiedBonus    = 10
	unknownPathPenalty  = 10
	maxUnknownPenalty   = 20
	storyOnlyPercentage = 80
)

// Discard reasons.
const (
	ReasonDuplicate    = "duplicate"
	ReasonLowClarity   = "below clarity threshold"
	ReasonOverCapacity = "over capacity"
)

// Options tunes a Synthesizer.
type Options struct {
	Max        int
	MinClarity int
}

// Input is everything one synthesis run sees.
type Input struct {
	OrgID         string
	JobID         string
	Story         backlog.Story
	ExistingTasks []backlog.Task
	Repo          repoctx.Structure
	Drafts        []llm.SuggestionDraft
	Now           time.Time
}

// Discarded records a draft that did not make it and why.
type Discarded struct {
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Result is the ranked output of one run.
type Result struct {
	Suggestions []backlog.TaskSuggestion `json:"suggestions"`
	Discarded   []Discarded              `json:"discarded"`
	StoryOnly   bool                     `json:"story_only"`
}

// Synthesizer ranks and gates drafts. It is stateless and safe for
// concurrent use.
type Synthesizer struct {
	opts  Options
	newID func() string
}

// New returns a Synthesizer. Out-of-range options fall back to defaults.
func New(opts Options) *Synthesizer {
	if opts.Max < 1 {
		opts.Max = DefaultMax
	}
	if opts.MinClarity <= 0 || opts.MinClarity > 100 {
		opts.MinClarity = DefaultMinClarity
	}
	return &Synthesizer{opts: opts, newID: uuid.NewString}
}

type candidate struct {
	s       backlog.TaskSuggestion
	clarity int
}

// Synthesize ranks drafts by confidence, highest first, after dropping
// duplicates and anything that would not score as ready.
func (s *Synthesizer) Synthesize(in Input) Result {
	res := Result{
		Suggestions: []backlog.TaskSuggestion{},
		Discarded:   []Discarded{},
		StoryOnly:   !in.Repo.Available,
	}
	story := in.Story.ReadinessContext()
	known := knownPaths(in.Repo)

	seen := make([]map[string]struct{}, 0, len(in.ExistingTasks)+len(in.Drafts))
	for _, t := range in.ExistingTasks {
		seen = append(seen, tokens(t.Title))
	}

	var kept []candidate
	for _, d := range in.Drafts {
		sug := s.fromDraft(in, d)
		title := tokens(sug.Title)
		if isDuplicate(title, seen) {
			res.Discarded = append(res.Discarded, Discarded{Title: sug.Title, Reason: ReasonDuplicate})
			continue
		}
		seen = append(seen, title)

		sug.Confidence = adjustConfidence(d.Confidence, sug.FilePaths, known, in.Repo.Available)
		score := readiness.Score(sug.TaskText(), story)
		sug.ClarityScore = score.Overall
		if score.Overall < s.opts.MinClarity {
			res.Discarded = append(res.Discarded, Discarded{Title: sug.Title, Reason: ReasonLowClarity})
			continue
		}
		kept = append(kept, candidate{s: sug, clarity: score.Overall})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.s.Confidence != b.s.Confidence {
			return a.s.Confidence > b.s.Confidence
		}
		if a.clarity != b.clarity {
			return a.clarity > b.clarity
		}
		return a.s.Title < b.s.Title
	})

	for i, c := range kept {
		if i >= s.opts.Max {
			res.Discarded = append(res.Discarded, Discarded{Title: c.s.Title, Reason: ReasonOverCapacity})
			continue
		}
		c.s.ID = s.newID()
		res.Suggestions = append(res.Suggestions, c.s)
	}
	return res
}

func (s *Synthesizer) fromDraft(in Input, d llm.SuggestionDraft) backlog.TaskSuggestion {
	at := in.Now.UTC()
	examples := make([]backlog.CodeExample, 0, len(d.CodeExamples))
	for _, e := range d.CodeExamples {
		examples = append(examples, backlog.CodeExample{
			FilePath:  strings.TrimSpace(e.FilePath),
			Snippet:   e.Snippet,
			Relevance: strings.TrimSpace(e.Relevance),
		})
	}
	return backlog.TaskSuggestion{
		OrgID:              in.OrgID,
		StoryID:            in.Story.ID,
		JobID:              in.JobID,
		Title:              strings.TrimSpace(d.Title),
		Description:        strings.TrimSpace(d.Description),
		FilePaths:          uniqueTrimmed(d.FilePaths),
		CodeExamples:       examples,
		AcceptanceCriteria: storyCriteria(d.AcceptanceCriteria, in.Story),
		EstimatedHours:     d.EstimatedHours,
		Status:             backlog.SuggestionPending,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
}

// storyCriteria keeps the referenced criteria that exist on the story,
// spelled the way the story spells them. A story without criteria keeps
// what the provider gave.
func storyCriteria(refs []string, story backlog.Story) []string {
	if len(story.AcceptanceCriteria) == 0 {
		return uniqueTrimmed(refs)
	}
	byKey := make(map[string]string, len(story.AcceptanceCriteria))
	for _, ac := range story.AcceptanceCriteria {
		byKey[acKey(ac.ID)] = ac.ID
	}
	out := []string{}
	seen := make(map[string]struct{})
	for _, r := range refs {
		id, ok := byKey[acKey(r)]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// acKey folds "AC-001", "ac_1" and "ac 1" together.
func acKey(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	rest, ok := strings.CutPrefix(id, "ac")
	if !ok {
		return id
	}
	rest = strings.TrimLeft(rest, "-_ ")
	digits := strings.TrimLeft(rest, "0")
	if rest != "" && strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		if digits == "" {
			digits = "0"
		}
		return "ac-" + digits
	}
	return id
}

func adjustConfidence(base int, paths []string, known map[string]struct{}, repoAvailable bool) int {
	c := base
	if !repoAvailable {
		return clamp(c * storyOnlyPercentage / 100)
	}
	verified, unknown := 0, 0
	for _, p := range paths {
		if _, ok := known[p]; ok {
			verified++
		} else {
			unknown++
		}
	}
	c += min(maxVerifiedBonus, verifiedPathBonus*verified)
	c -= min(maxUnknownPenalty, unknownPathPenalty*unknown)
	return clamp(c)
}

func knownPaths(st repoctx.Structure) map[string]struct{} {
	out := make(map[string]struct{}, len(st.Paths))
	if !st.Available {
		return out
	}
	for _, p := range st.Paths {
		out[p] = struct{}{}
	}
	return out
}

func isDuplicate(title map[string]struct{}, seen []map[string]struct{}) bool {
	for _, other := range seen {
		if jaccard(title, other) >= duplicateThreshold {
			return true
		}
	}
	return false
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func uniqueTrimmed(in []string) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clamp(v int) int { return max(0, min(100, v)) }
