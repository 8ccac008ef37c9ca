package secrets

// DefaultRules covers credentials that tend to get pasted into tickets:
// provider keys, source-host tokens, cloud keys and connection strings.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "anthropic-api-key", Pattern: `sk-ant-[A-Za-z0-9_\-]{20,}`},
		{ID: "openai-api-key", Pattern: `sk-(?:proj-)?[A-Za-z0-9_\-]{32,}`},
		{ID: "github-token", Pattern: `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "aws-access-key-id", Pattern: `(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Pattern: `(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
		{
			ID:       "connection-url",
			Pattern:  `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/]+:[^@\s]+@\S+`,
			Keywords: []string{"://"},
		},
		{
			ID:       "credential-assignment",
			Pattern:  `(?i)(?:api[_-]?key|secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"key", "secret", "pass", "token"},
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+[A-Za-z0-9_\-.=]{20,}`,
			Keywords: []string{"bearer"},
		},
	}
}
