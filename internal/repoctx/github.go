package repoctx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubSource reads repositories through the GitHub REST API.
type GitHubSource struct {
	client *github.Client
}

// NewGitHubClient builds an API client. An empty token yields an
// unauthenticated client with the public quota. baseURL may point at a
// GitHub Enterprise or test server.
func NewGitHubClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(hc)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}
	return client, nil
}

// NewGitHubSource wraps client.
func NewGitHubSource(client *github.Client) *GitHubSource {
	return &GitHubSource{client: client}
}

// DefaultBranch implements Source.
func (s *GitHubSource) DefaultBranch(ctx context.Context, owner, name string) (string, error) {
	repo, resp, err := s.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", classifyGitHubError(err, resp)
	}
	if b := repo.GetDefaultBranch(); b != "" {
		return b, nil
	}
	return "main", nil
}

// HeadSHA implements Source.
func (s *GitHubSource) HeadSHA(ctx context.Context, owner, name, branch string) (string, error) {
	b, resp, err := s.client.Repositories.GetBranch(ctx, owner, name, branch, 1)
	if err != nil {
		return "", classifyGitHubError(err, resp)
	}
	sha := b.GetCommit().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("branch %s of %s/%s has no head commit", branch, owner, name)
	}
	return sha, nil
}

// Tree implements Source. Only blobs are listed.
func (s *GitHubSource) Tree(ctx context.Context, owner, name, sha string) ([]string, bool, error) {
	tree, resp, err := s.client.Git.GetTree(ctx, owner, name, sha, true)
	if err != nil {
		return nil, false, classifyGitHubError(err, resp)
	}
	paths := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			paths = append(paths, e.GetPath())
		}
	}
	return paths, tree.GetTruncated(), nil
}

// Search implements Source.
func (s *GitHubSource) Search(ctx context.Context, owner, name, query string, limit int) ([]SearchHit, error) {
	q := fmt.Sprintf("%s repo:%s/%s", query, owner, name)
	opts := &github.SearchOptions{
		TextMatch:   true,
		ListOptions: github.ListOptions{PerPage: limit},
	}
	res, resp, err := s.client.Search.Code(ctx, q, opts)
	if err != nil {
		return nil, classifyGitHubError(err, resp)
	}
	hits := make([]SearchHit, 0, len(res.CodeResults))
	for _, r := range res.CodeResults {
		hit := SearchHit{Path: r.GetPath()}
		if len(r.TextMatches) > 0 {
			hit.Snippet = r.TextMatches[0].GetFragment()
		}
		hits = append(hits, hit)
		if limit > 0 && len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func classifyGitHubError(err error, resp *github.Response) error {
	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if resp != nil && resp.Response != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrRepoNotFound, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return fmt.Errorf("github: %w", err)
}
