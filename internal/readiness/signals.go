package readiness

import (
	"regexp"
	"strconv"
	"strings"
)

const fileExtensions = `go|ts|tsx|js|jsx|mjs|py|rs|java|kt|rb|cs|cpp|cc|c|h|hpp|swift|php|sql|yaml|yml|json|proto|graphql|css|scss|html|vue|svelte|md|sh|toml|tf`

var (
	filePathPattern   = regexp.MustCompile(`(?:[\w.-]+/)*[\w-]+\.(?:` + fileExtensions + `)\b`)
	functionPattern   = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_.]*\([^()]*\)`)
	identifierPattern = regexp.MustCompile(`\b(?:[A-Z][a-z0-9]+[A-Z][A-Za-z0-9]*|[a-z]+[A-Z][A-Za-z0-9]*|[a-z0-9]+_[a-z0-9_]+)\b`)
	acRefPattern      = regexp.MustCompile(`(?i)\bac[-_ ]?(\d{1,4})\b`)

	technicalKeywordPattern = regexp.MustCompile(`(?i)\b(api|endpoint|jwt|token|schema|database|sql|http|json|grpc|cache|queue|migration|handler|middleware|route|query|credentials|password|oauth|webhook|struct|interface|class|method|function|module|package|component|services?|repository|index|column|table|crud|config|cli|env)\b`)

	hedgePattern = regexp.MustCompile(`(?i)\b(etc|stuff|things?|somehow|various|appropriate(?:ly)?|properly|as needed|maybe|probably|tbd|and so on|nice|better)\b`)

	// Each pattern counts once however often it matches.
	successPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\breturn(?:s|ing|ed)?\b`),
		regexp.MustCompile(`(?i)\b(?:should|must|shall)\b`),
		regexp.MustCompile(`(?i)\b(?:status|http)\s*(?:code\s*)?[1-5]\d\d\b`),
		regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:ms|s|sec|seconds?|minutes?|%|percent|rps|mb|kb)\b`),
		regexp.MustCompile(`(?i)\b(?:responds?|replies) with\b`),
		regexp.MustCompile(`(?i)\b(?:done|complete) when\b`),
		regexp.MustCompile(`(?i)\bexpect(?:s|ed)?\b`),
		regexp.MustCompile(`(?i)\bso that\b`),
		regexp.MustCompile(`(?i)\b(?:invalid|valid|empty|missing|duplicate|expired)\s+\w+`),
		regexp.MustCompile(`(?i)\b(?:displays?|renders?|emits?)\b`),
		regexp.MustCompile(`(?i)\berror (?:message|code|response)\b`),
	}

	prerequisitePattern = regexp.MustCompile(`(?i)\b(depends on|dependent on|requires|required by|after|once|blocked by|prerequisite|relies on|builds on|uses|using|via|needs)\b`)
	integrationPattern  = regexp.MustCompile(`(?i)\b(integrat\w*|api|apis|database|db|external|third[- ]party|webhook|queue|oauth|sso|payment|stripe|s3|kafka|redis|upstream|downstream|microservices?)\b`)

	specificTestPattern = regexp.MustCompile(`(?i)\b(?:unit|integration|e2e|end-to-end|regression|table-driven|acceptance|contract|load|snapshot)[ -]tests?\b|\bgiven\b.*\bwhen\b.*\bthen\b|\btests? (?:for|that|covering)\b|\bcoverage\b|\bassert`)
	genericTestPattern  = regexp.MustCompile(`(?i)\b(?:tests?|testing|tested|verify|verified|verification|spec)\b`)
)

// signals is the set of raw pattern observations shared by the scorer and
// the missing-element rules.
type signals struct {
	filePath     bool
	function     bool
	identifier   bool
	techKeywords int

	vagueTerms int
	hedges     int

	acRefs       int // distinct references found in the task
	acMatched    int // references that resolve to a story criterion
	storyACCount int

	successHits int

	prerequisite bool
	integration  bool

	specificTests bool
	genericTests  bool
}

func collectSignals(text string, story StoryContext) signals {
	s := signals{
		filePath:     filePathPattern.MatchString(text),
		function:     functionPattern.MatchString(text),
		identifier:   identifierPattern.MatchString(text),
		techKeywords: countDistinct(technicalKeywordPattern, text),
		vagueTerms:   len(DetectVagueTerms(text)),
		hedges:       len(hedgePattern.FindAllStringIndex(text, -1)),
		storyACCount: len(story.AcceptanceCriteria),
		prerequisite: prerequisitePattern.MatchString(text),
		// "integration tests" is test language, not an integration.
		integration:   integrationPattern.MatchString(specificTestPattern.ReplaceAllString(text, " ")),
		specificTests: specificTestPattern.MatchString(text),
		genericTests:  genericTestPattern.MatchString(text),
	}
	for _, p := range successPatterns {
		if p.MatchString(text) {
			s.successHits++
		}
	}
	s.acRefs, s.acMatched = acReferences(text, story.AcceptanceCriteria)
	return s
}

func countDistinct(p *regexp.Regexp, text string) int {
	seen := make(map[string]struct{})
	for _, m := range p.FindAllString(text, -1) {
		seen[strings.ToLower(m)] = struct{}{}
	}
	return len(seen)
}

// canonicalACID folds "AC-1", "ac_001" and "ac 1" to "ac-1". Ids that do not
// look like ac-N are lowercased and kept as-is.
func canonicalACID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if m := acRefPattern.FindStringSubmatch(id); m != nil && len(m[0]) == len(id) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return "ac-" + strconv.Itoa(n), true
		}
	}
	return strings.ToLower(id), false
}

// acReferences returns the number of distinct criterion references in text
// and how many of them belong to the story.
func acReferences(text string, storyACs []string) (refs, matched int) {
	found := make(map[string]struct{})
	for _, m := range acRefPattern.FindAllString(text, -1) {
		c, _ := canonicalACID(m)
		found[c] = struct{}{}
	}
	lower := strings.ToLower(text)
	known := make(map[string]struct{}, len(storyACs))
	for _, id := range storyACs {
		c, patterned := canonicalACID(id)
		known[c] = struct{}{}
		// Free-form ids (uuids, slugs) are matched literally.
		if !patterned && c != "" && strings.Contains(lower, c) {
			found[c] = struct{}{}
		}
	}
	for id := range found {
		if _, ok := known[id]; ok {
			matched++
		}
	}
	return len(found), matched
}
