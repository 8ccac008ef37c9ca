// Package secrets redacts credentials from story and task text before it is
// sent to an external language model provider.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Scrubber redacts secrets from free text.
type Scrubber interface {
	// Scrub returns text with every detected secret replaced.
	Scrub(text string) Result

	// Enabled reports whether the scrubber redacts anything at all.
	Enabled() bool
}

// Result is the outcome of one Scrub call. It never contains the secrets.
type Result struct {
	Text     string
	Redacted int
	RuleIDs  []string
}

// Config configures the scrubber.
type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Redaction string   `koanf:"redaction"`
	AllowList []string `koanf:"allow_list"`
	Rules     []Rule   `koanf:"rules"`
}

// Rule is a single detection pattern. When Keywords is set the rule only
// runs if one of them appears in the text.
type Rule struct {
	ID       string   `koanf:"id"`
	Pattern  string   `koanf:"pattern"`
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

type regexpScrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

type span struct{ start, end int }

// New compiles cfg. Empty Rules means DefaultRules. A disabled config
// returns Nop.
func New(cfg Config) (Scrubber, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if cfg.Redaction == "" {
		cfg.Redaction = DefaultRedaction
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}

	s := &regexpScrubber{redaction: cfg.Redaction}
	for i, r := range cfg.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("secrets: rule %d has no id", i)
		}
		p, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("secrets: rule %s: %w", r.ID, err)
		}
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: p, keywords: kws})
	}
	for i, a := range cfg.AllowList {
		p, err := regexp.Compile(a)
		if err != nil {
			return nil, fmt.Errorf("secrets: allow_list %d: %w", i, err)
		}
		s.allow = append(s.allow, p)
	}
	return s, nil
}

// MustNew is New for static configuration.
func MustNew(cfg Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *regexpScrubber) Enabled() bool { return true }

func (s *regexpScrubber) Scrub(text string) Result {
	lower := strings.ToLower(text)
	var spans []span
	seen := make(map[string]struct{})

	for _, r := range s.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			seen[r.id] = struct{}{}
		}
	}

	res := Result{Text: text, Redacted: len(spans)}
	if len(spans) == 0 {
		return res
	}
	for id := range seen {
		res.RuleIDs = append(res.RuleIDs, id)
	}
	sort.Strings(res.RuleIDs)

	var b strings.Builder
	last := 0
	for _, sp := range merge(spans) {
		b.WriteString(text[last:sp.start])
		b.WriteString(s.redaction)
		last = sp.end
	}
	b.WriteString(text[last:])
	res.Text = b.String()
	return res
}

func (s *regexpScrubber) allowed(match string) bool {
	for _, a := range s.allow {
		if a.MatchString(match) {
			return true
		}
	}
	return false
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// merge sorts spans and joins overlapping ones.
func merge(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := []span{spans[0]}
	for _, cur := range spans[1:] {
		last := &out[len(out)-1]
		if cur.start <= last.end {
			last.end = max(last.end, cur.end)
			continue
		}
		out = append(out, cur)
	}
	return out
}

// Nop passes text through unchanged.
type Nop struct{}

func (Nop) Scrub(text string) Result { return Result{Text: text} }
func (Nop) Enabled() bool            { return false }

var (
	_ Scrubber = (*regexpScrubber)(nil)
	_ Scrubber = Nop{}
)
