package repoctx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	sha       string
	paths     []string
	hits      []SearchHit
	err       error
	block     bool
	treeCalls int
}

func (f *fakeSource) DefaultBranch(ctx context.Context, owner, name string) (string, error) {
	return "main", f.err
}

func (f *fakeSource) HeadSHA(ctx context.Context, owner, name, branch string) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sha, f.err
}

func (f *fakeSource) Tree(ctx context.Context, owner, name, sha string) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treeCalls++
	return f.paths, false, f.err
}

func (f *fakeSource) Search(ctx context.Context, owner, name, query string, limit int) ([]SearchHit, error) {
	return f.hits, f.err
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CallTimeout = 50 * time.Millisecond
	opts.StructureWait = 20 * time.Millisecond
	return opts
}

const testRepo = "https://github.com/acme/api"

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		raw         string
		owner, name string
		wantErr     bool
	}{
		{"https://github.com/acme/api", "acme", "api", false},
		{"https://github.com/acme/api.git", "acme", "api", false},
		{"https://github.com/acme/api/", "acme", "api", false},
		{"git@github.com:acme/api.git", "acme", "api", false},
		{"", "", "", true},
		{"https://github.com/acme", "", "", true},
		{"https://github.com/acme/api/tree/main", "", "", true},
		{"ftp://github.com/acme/api", "", "", true},
		{"not a url", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			owner, name, err := ParseRepoURL(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRepoURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestGuarded_Unconfigured(t *testing.T) {
	g := NewGuarded(&fakeSource{}, testOptions(), nil)

	st := g.Structure(context.Background(), Repo{})
	assert.False(t, st.Available)
	assert.Equal(t, "no repository configured", st.Reason)
	assert.NotNil(t, st.Paths)

	sr := g.Search(context.Background(), Repo{}, "login")
	assert.False(t, sr.Available)
	assert.NotNil(t, sr.Hits)
}

func TestGuarded_StructureCachedPerCommit(t *testing.T) {
	src := &fakeSource{sha: "abc", paths: []string{"cmd/main.go", "internal/auth/login.go"}}
	g := NewGuarded(src, testOptions(), nil)
	ctx := context.Background()

	first := g.Structure(ctx, Repo{URL: testRepo})
	require.True(t, first.Available, first.Reason)
	assert.Equal(t, "main", first.Branch)
	assert.Equal(t, "abc", first.CommitSHA)
	assert.Equal(t, src.paths, first.Paths)

	second := g.Structure(ctx, Repo{URL: testRepo, Branch: "main"})
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.treeCalls)

	src.mu.Lock()
	src.sha = "def"
	src.mu.Unlock()
	third := g.Structure(ctx, Repo{URL: testRepo, Branch: "main"})
	assert.Equal(t, "def", third.CommitSHA)
	assert.Equal(t, 2, src.treeCalls)
}

func TestGuarded_SourceErrorIsUnavailable(t *testing.T) {
	g := NewGuarded(&fakeSource{err: ErrRepoNotFound}, testOptions(), nil)

	st := g.Structure(context.Background(), Repo{URL: testRepo})
	assert.False(t, st.Available)
	assert.Contains(t, st.Reason, "not found")

	info := g.Describe(context.Background(), testRepo)
	assert.False(t, info.Available)
}

func TestGuarded_TimeoutIsUnavailable(t *testing.T) {
	g := NewGuarded(&fakeSource{block: true}, testOptions(), nil)

	start := time.Now()
	st := g.Structure(context.Background(), Repo{URL: testRepo, Branch: "main"})
	assert.False(t, st.Available)
	assert.Contains(t, st.Reason, "timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuarded_StructureWaitBounded(t *testing.T) {
	opts := testOptions()
	opts.RequestsPerHour = 1
	opts.Burst = 1
	g := NewGuarded(&fakeSource{sha: "abc"}, opts, nil)

	st := g.Structure(context.Background(), Repo{URL: testRepo, Branch: "main"})
	assert.False(t, st.Available)
	assert.Contains(t, st.Reason, ErrRateLimited.Error())
}

func TestGuarded_SearchFailsFast(t *testing.T) {
	opts := testOptions()
	opts.RequestsPerHour = 1
	opts.Burst = 1
	src := &fakeSource{hits: []SearchHit{{Path: "a.go", Snippet: "func A()"}}}
	g := NewGuarded(src, opts, nil)
	ctx := context.Background()

	first := g.Search(ctx, Repo{URL: testRepo}, "A")
	require.True(t, first.Available)
	assert.Len(t, first.Hits, 1)

	start := time.Now()
	second := g.Search(ctx, Repo{URL: testRepo}, "A")
	assert.False(t, second.Available)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestGuarded_Describe(t *testing.T) {
	g := NewGuarded(&fakeSource{}, testOptions(), nil)
	info := g.Describe(context.Background(), testRepo)
	assert.True(t, info.Available)
	assert.Equal(t, "main", info.DefaultBranch)

	bad := g.Describe(context.Background(), "nope")
	assert.False(t, bad.Available)
}

func TestCache_TTLAndLRU(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCache(time.Minute, 2, nil)
	c.now = func() time.Time { return now }

	c.Set("a", Structure{CommitSHA: "a"})
	now = now.Add(time.Second)
	c.Set("b", Structure{CommitSHA: "b"})
	now = now.Add(time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	now = now.Add(time.Second)
	c.Set("c", Structure{CommitSHA: "c"})
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	assert.Equal(t, 2, c.Len())

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "expired entries miss")
	assert.Equal(t, 1, c.Len())
}
