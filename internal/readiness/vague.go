package readiness

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// contextRadius is the number of characters kept on each side of a flagged
// term so a reader can render it without re-scanning the source text.
const contextRadius = 20

var vagueVerbPattern = regexp.MustCompile(`(?i)\b(implement|add|fix|create|update|handle)\b`)

var vagueRewrites = map[string]string{
	"implement": "Name what is implemented and where, e.g. \"Implement AuthService.Login() in src/services/auth.go\".",
	"add":       "Name the exact artifact being added, e.g. \"Add `RateLimiter` middleware to internal/http/server.go\".",
	"fix":       "Describe the faulty behavior and the expected one, e.g. \"Fix Parse() returning nil for empty input; it must return ErrEmpty\".",
	"create":    "Name the file or type to create, e.g. \"Create migrations/0004_add_orders.sql\".",
	"update":    "State what changes from what to what, e.g. \"Update retry timeout in config.yaml from 5s to 30s\".",
	"handle":    "Name the condition and the required response, e.g. \"Return HTTP 409 when the email already exists\".",
}

var (
	determinerPattern = regexp.MustCompile(`(?i)^(?:a|an|the|this|that|these|those|our|its)\s+`)

	// A verb followed by any of these is specific enough to leave alone.
	concretePatterns = []*regexp.Regexp{
		regexp.MustCompile("^`[^`]+`"),
		regexp.MustCompile(`^["'][^"'\s][^"']*["']`),
		regexp.MustCompile(`^(?:[\w.-]+/)*[\w-]+\.(?:` + fileExtensions + `)\b`),
		regexp.MustCompile(`^[\w.-]*/[\w./-]+`),
		regexp.MustCompile(`^(?:[A-Z][a-z0-9]+[A-Z]\w*|[A-Z]{2,}[a-z]*\b|[a-z]+[A-Z]\w*|\w+_\w+|[A-Za-z_]\w*\()`),
		regexp.MustCompile(`^\d`),
		regexp.MustCompile(`(?i)^(?:(?:unit|integration|e2e|end-to-end|regression)\s+)?(?:tests?|test cases?)\b`),
		regexp.MustCompile(`(?i)^(?:endpoints?|migrations?|columns?|indexes|index|fields?|methods?|handlers?|routes?|middleware|schemas?|quer(?:y|ies)|flags?|parameters?|headers?|env vars?)\b`),
	}
)

// DetectVagueTerms flags every low-information verb in text unless it is
// immediately followed by a concrete noun phrase. Results are ordered by
// offset; Offset counts characters, not bytes.
func DetectVagueTerms(text string) []VagueTerm {
	matches := vagueVerbPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []VagueTerm{}
	}

	terms := make([]VagueTerm, 0, len(matches))
	for _, m := range matches {
		if followedByConcrete(text[m[1]:]) {
			continue
		}
		term := text[m[0]:m[1]]
		terms = append(terms, VagueTerm{
			Term:       term,
			Offset:     utf8.RuneCountInString(text[:m[0]]),
			Context:    contextWindow(text, m[0], m[1]),
			Suggestion: vagueRewrites[strings.ToLower(term)],
		})
	}
	return terms
}

func followedByConcrete(rest string) bool {
	rest = strings.TrimLeft(rest, " \t")
	rest = determinerPattern.ReplaceAllString(rest, "")
	for _, p := range concretePatterns {
		if p.MatchString(rest) {
			return true
		}
	}
	return false
}

func contextWindow(text string, start, end int) string {
	before := []rune(text[:start])
	after := []rune(text[end:])
	if len(before) > contextRadius {
		before = before[len(before)-contextRadius:]
	}
	if len(after) > contextRadius {
		after = after[:contextRadius]
	}
	return strings.TrimSpace(string(before) + text[start:end] + string(after))
}
