package repoctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// UnauthenticatedRequestsPerHour is the GitHub quota without a token.
const UnauthenticatedRequestsPerHour = 60

// Options tunes Guarded.
type Options struct {
	CallTimeout     time.Duration
	CacheTTL        time.Duration
	CacheMaxEntries int
	RequestsPerHour int
	Burst           int
	// StructureWait bounds how long a structure fetch waits for a token.
	// Searches never wait.
	StructureWait time.Duration
	SearchLimit   int
}

// DefaultOptions matches the GitHub authenticated quota.
func DefaultOptions() Options {
	return Options{
		CallTimeout:     10 * time.Second,
		CacheTTL:        time.Hour,
		CacheMaxEntries: 500,
		RequestsPerHour: 5000,
		Burst:           10,
		StructureWait:   5 * time.Second,
		SearchLimit:     10,
	}
}

// Guarded is the production Port: cache, token bucket and fallback around
// a Source.
type Guarded struct {
	source  Source
	opts    Options
	limiter *rate.Limiter
	cache   *Cache
	metrics *Metrics
	logger  *zap.Logger
}

var _ Port = (*Guarded)(nil)

// NewGuarded wraps source. A nil logger is replaced with a no-op logger.
func NewGuarded(source Source, opts Options, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 10
	}
	metrics := NewMetrics()
	every := rate.Limit(float64(opts.RequestsPerHour) / time.Hour.Seconds())
	return &Guarded{
		source:  source,
		opts:    opts,
		limiter: rate.NewLimiter(every, opts.Burst),
		cache:   NewCache(opts.CacheTTL, opts.CacheMaxEntries, metrics),
		metrics: metrics,
		logger:  logger,
	}
}

// Describe reports whether the repository is reachable and its default
// branch.
func (g *Guarded) Describe(ctx context.Context, repoURL string) Info {
	owner, name, err := ParseRepoURL(repoURL)
	if err != nil {
		return Info{Reason: err.Error()}
	}
	if err := g.wait(ctx, "describe"); err != nil {
		return Info{Reason: err.Error()}
	}
	branch, err := callWithTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) (string, error) {
		return g.source.DefaultBranch(ctx, owner, name)
	})
	g.observe("describe", err)
	if err != nil {
		return Info{Reason: g.reason("describe", repoURL, err)}
	}
	return Info{Available: true, DefaultBranch: branch}
}

// Structure lists the repository files at the branch head. It waits up to
// StructureWait for rate limit tokens and serves repeated calls for the
// same commit from the cache.
func (g *Guarded) Structure(ctx context.Context, repo Repo) Structure {
	if !repo.Configured() {
		return unavailableStructure(repo, "no repository configured")
	}
	owner, name, err := ParseRepoURL(repo.URL)
	if err != nil {
		return unavailableStructure(repo, err.Error())
	}

	branch := repo.Branch
	if branch == "" {
		if err := g.wait(ctx, "structure"); err != nil {
			return unavailableStructure(repo, err.Error())
		}
		branch, err = callWithTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) (string, error) {
			return g.source.DefaultBranch(ctx, owner, name)
		})
		g.observe("default_branch", err)
		if err != nil {
			return unavailableStructure(repo, g.reason("default_branch", repo.URL, err))
		}
	}
	repo.Branch = branch

	if err := g.wait(ctx, "structure"); err != nil {
		return unavailableStructure(repo, err.Error())
	}
	sha, err := callWithTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) (string, error) {
		return g.source.HeadSHA(ctx, owner, name, branch)
	})
	g.observe("head", err)
	if err != nil {
		return unavailableStructure(repo, g.reason("head", repo.URL, err))
	}

	key := cacheKey(repo.URL, sha)
	if cached, ok := g.cache.Get(key); ok {
		return cached
	}

	if err := g.wait(ctx, "structure"); err != nil {
		return unavailableStructure(repo, err.Error())
	}
	type listing struct {
		paths     []string
		truncated bool
	}
	l, err := callWithTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) (listing, error) {
		paths, truncated, err := g.source.Tree(ctx, owner, name, sha)
		return listing{paths, truncated}, err
	})
	g.observe("tree", err)
	if err != nil {
		return unavailableStructure(repo, g.reason("tree", repo.URL, err))
	}

	st := Structure{
		Available: true,
		RepoURL:   repo.URL,
		Branch:    branch,
		CommitSHA: sha,
		Paths:     l.paths,
		Truncated: l.truncated,
	}
	if st.Paths == nil {
		st.Paths = []string{}
	}
	g.cache.Set(key, st)
	return st
}

// Search runs a code search. It fails fast when no token is available.
// Results are not cached.
func (g *Guarded) Search(ctx context.Context, repo Repo, query string) SearchResult {
	if !repo.Configured() {
		return unavailableSearch("no repository configured")
	}
	owner, name, err := ParseRepoURL(repo.URL)
	if err != nil {
		return unavailableSearch(err.Error())
	}
	if !g.limiter.Allow() {
		g.metrics.RateLimited.WithLabelValues("search").Inc()
		return unavailableSearch(ErrRateLimited.Error())
	}
	hits, err := callWithTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) ([]SearchHit, error) {
		return g.source.Search(ctx, owner, name, query, g.opts.SearchLimit)
	})
	g.observe("search", err)
	if err != nil {
		return unavailableSearch(g.reason("search", repo.URL, err))
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	return SearchResult{Available: true, Hits: hits}
}

// wait blocks for a token up to StructureWait.
func (g *Guarded) wait(ctx context.Context, op string) error {
	wctx, cancel := context.WithTimeout(ctx, g.opts.StructureWait)
	defer cancel()
	if err := g.limiter.Wait(wctx); err != nil {
		g.metrics.RateLimited.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: no token within %s", ErrRateLimited, g.opts.StructureWait)
	}
	return nil
}

func (g *Guarded) observe(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	default:
		outcome = "error"
	}
	g.metrics.Calls.WithLabelValues(op, outcome).Inc()
}

func (g *Guarded) reason(op, repoURL string, err error) string {
	g.logger.Warn("repository context unavailable",
		zap.String("op", op),
		zap.String("repo_url", repoURL),
		zap.Error(err),
	)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s timed out after %s", op, g.opts.CallTimeout)
	}
	return err.Error()
}

func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(cctx)
}
