package repoctx

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidRepoURL is returned for URLs that do not name owner/repo.
	ErrInvalidRepoURL = errors.New("invalid repository url")
	// ErrRepoNotFound is returned when the host does not know the repository.
	ErrRepoNotFound = errors.New("repository not found")
	// ErrRateLimited is returned when the host or the local bucket refuses a call.
	ErrRateLimited = errors.New("repository host rate limit exceeded")
)

// Repo identifies a repository and optionally a branch. An empty branch
// means the repository default.
type Repo struct {
	URL    string
	Branch string
}

// Configured reports whether a repository was given at all.
func (r Repo) Configured() bool { return strings.TrimSpace(r.URL) != "" }

// Structure is the file listing of a repository at one commit.
type Structure struct {
	Available bool     `json:"available"`
	Reason    string   `json:"reason,omitempty"`
	RepoURL   string   `json:"repo_url"`
	Branch    string   `json:"branch,omitempty"`
	CommitSHA string   `json:"commit_sha,omitempty"`
	Paths     []string `json:"paths"`
	Truncated bool     `json:"truncated,omitempty"`
}

// SearchHit is one code search match.
type SearchHit struct {
	Path    string `json:"path"`
	Snippet string `json:"snippet"`
}

// SearchResult holds code search matches or the reason there are none.
type SearchResult struct {
	Available bool        `json:"available"`
	Reason    string      `json:"reason,omitempty"`
	Hits      []SearchHit `json:"hits"`
}

// Info describes a repository as reported by the host.
type Info struct {
	Available     bool   `json:"available"`
	Reason        string `json:"reason,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// Port is the repository capability consumed by jobs and handlers.
type Port interface {
	Describe(ctx context.Context, repoURL string) Info
	Structure(ctx context.Context, repo Repo) Structure
	Search(ctx context.Context, repo Repo, query string) SearchResult
}

// Source is a host adapter. Unlike Port, it reports failures as errors.
type Source interface {
	// DefaultBranch returns the repository's default branch.
	DefaultBranch(ctx context.Context, owner, name string) (string, error)
	// HeadSHA returns the commit at the tip of branch.
	HeadSHA(ctx context.Context, owner, name, branch string) (string, error)
	// Tree lists file paths at sha. truncated is set when the host cut the
	// listing short.
	Tree(ctx context.Context, owner, name, sha string) (paths []string, truncated bool, err error)
	// Search runs a code search scoped to the repository.
	Search(ctx context.Context, owner, name, query string, limit int) ([]SearchHit, error)
}

// ParseRepoURL extracts owner and repository name. It accepts
// https://host/owner/name[.git] and git@host:owner/name[.git].
func ParseRepoURL(raw string) (owner, name string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidRepoURL)
	}

	var path string
	if rest, ok := strings.CutPrefix(raw, "git@"); ok {
		_, p, found := strings.Cut(rest, ":")
		if !found {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRepoURL, raw)
		}
		path = p
	} else {
		u, perr := url.Parse(raw)
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRepoURL, raw)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRepoURL, u.Scheme)
		}
		path = u.Path
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: expected owner/name in %q", ErrInvalidRepoURL, raw)
	}
	return parts[0], parts[1], nil
}

func unavailableStructure(repo Repo, reason string) Structure {
	return Structure{RepoURL: repo.URL, Branch: repo.Branch, Reason: reason, Paths: []string{}}
}

func unavailableSearch(reason string) SearchResult {
	return SearchResult{Reason: reason, Hits: []SearchHit{}}
}
