package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/eventbus"
	"github.com/fyrsmithlabs/readyd/internal/jobs"
	"github.com/fyrsmithlabs/readyd/internal/store"
	"github.com/fyrsmithlabs/readyd/internal/telemetry"
)

const testOrg = "org-1"

type testEnv struct {
	srv  *Server
	orch *jobs.Orchestrator
	tel  *telemetry.TestTelemetry
}

func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus, err := eventbus.NewLocal(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	tel := telemetry.NewTestTelemetry()
	orch, err := jobs.New(jobs.Config{
		Store:          st,
		Bus:            bus,
		Logger:         zap.NewNop(),
		Tracer:         tel.Tracer(jobs.InstrumentationName),
		Meter:          tel.Meter(jobs.InstrumentationName),
		DebounceWindow: time.Minute,
	})
	require.NoError(t, err)
	if start {
		require.NoError(t, orch.Start(context.Background()))
		t.Cleanup(func() { _ = orch.Stop(context.Background()) })
	}

	srv, err := NewServer(orch, zap.NewNop(), &Config{
		Bus:       bus,
		Meter:     tel.Meter(instrumentationName),
		Heartbeat: time.Second,
		Checks: map[string]HealthCheck{
			"store": st.Ping,
		},
	})
	require.NoError(t, err)
	return &testEnv{srv: srv, orch: orch, tel: tel}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderOrgID, testOrg)
	rec := httptest.NewRecorder()
	e.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPut, "/api/v1/stories/s1",
		`{"project_id":"p1","title":"Add login","acceptance_criteria":[{"id":"ac-001","text":"Invalid credentials return 401"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodPut, "/api/v1/stories/s1/tasks/t1", `{"title":"implement login","position":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Checks["store"])
}

func TestOrgHeader(t *testing.T) {
	env := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1", nil)
	rec := httptest.NewRecorder()
	env.srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1", nil)
	req.Header.Set(HeaderOrgID, "org.with.dots")
	rec = httptest.NewRecorder()
	env.srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeTask_Inline(t *testing.T) {
	env := newTestEnv(t, false)
	env.seed(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks/t1/analyze", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a := decode[backlog.TaskAnalysis](t, rec)
	assert.Equal(t, "t1", a.TaskID)
	assert.NotEmpty(t, a.VagueTerms)
	assert.NotEmpty(t, a.JobID)

	rec = env.do(t, http.MethodGet, "/api/v1/stories/s1/task-analyses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]backlog.TaskAnalysis](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/stories/s1/analysis-summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[backlog.StoryAnalysisSummary](t, rec)
	assert.Equal(t, 1, sum.TaskCount)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/t1/analyses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[[]backlog.TaskAnalysis](t, rec)
	require.Len(t, hist, 1)
	assert.Equal(t, a.ID, hist[0].ID)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, false)
	env.seed(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown task", http.MethodPost, "/api/v1/tasks/nope/analyze", `{}`, http.StatusNotFound},
		{"history of unknown task", http.MethodGet, "/api/v1/tasks/nope/analyses", "", http.StatusNotFound},
		{"missing title", http.MethodPut, "/api/v1/stories/s2", `{"title":""}`, http.StatusBadRequest},
		{"malformed body", http.MethodPut, "/api/v1/stories/s2", `{`, http.StatusBadRequest},
		{"task for unknown story", http.MethodPut, "/api/v1/stories/s9/tasks/t9", `{"title":"x"}`, http.StatusNotFound},
		{"bad history flag", http.MethodGet, "/api/v1/stories/s1/task-analyses?history=maybe", "", http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/v1/stories/s1/task-suggestions?status=done", "", http.StatusBadRequest},
		{"invalid repo url", http.MethodPost, "/api/v1/projects/p1/repo-config", `{"repo_url":"not a url"}`, http.StatusBadRequest},
		{"no repo config", http.MethodGet, "/api/v1/projects/p1/repo-config", "", http.StatusNotFound},
		{"unknown suggestion", http.MethodPost, "/api/v1/task-suggestions/nope/approve", "", http.StatusNotFound},
		{"unknown job", http.MethodGet, "/api/v1/jobs/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAnalyzeStory_AcceptedAndDeduplicated(t *testing.T) {
	env := newTestEnv(t, true)
	env.seed(t)

	rec := env.do(t, http.MethodPost, "/api/v1/stories/s1/tasks/analyze", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[AnalysisAccepted](t, rec)
	assert.NotEmpty(t, first.AnalysisID)
	assert.False(t, first.Deduplicated)

	rec = env.do(t, http.MethodPost, "/api/v1/stories/s1/tasks/analyze", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := decode[AnalysisAccepted](t, rec)
	assert.Equal(t, first.AnalysisID, second.AnalysisID)
	assert.True(t, second.Deduplicated)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+first.AnalysisID, "")
		return rec.Code == http.StatusOK && decode[store.Job](t, rec).Status == store.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSuggest_NoProviderFailsJob(t *testing.T) {
	env := newTestEnv(t, true)
	env.seed(t)

	rec := env.do(t, http.MethodPost, "/api/v1/stories/s1/tasks/suggest", `{"use_repo_context":false}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	acc := decode[SuggestionAccepted](t, rec)
	assert.Equal(t, "processing", acc.Status)

	var job store.Job
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+acc.SuggestionID, "")
		job = decode[store.Job](t, rec)
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Equal(t, string(jobs.ClassProviderUnavailable), job.Classification)

	rec = env.do(t, http.MethodGet, "/api/v1/stories/s1/task-suggestions?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]backlog.TaskSuggestion](t, rec))
}

func readSSE(t *testing.T, url string) []string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set(HeaderOrgID, testOrg)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if typ, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, typ)
		}
	}
	return types
}

func TestJobEvents_ReplaysFinishedJob(t *testing.T) {
	env := newTestEnv(t, true)
	env.seed(t)

	rec := env.do(t, http.MethodPost, "/api/v1/stories/s1/tasks/analyze", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[AnalysisAccepted](t, rec).AnalysisID
	require.Eventually(t, func() bool {
		return decode[store.Job](t, env.do(t, http.MethodGet, "/api/v1/jobs/"+id, "")).Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	ts := httptest.NewServer(env.srv.Echo())
	defer ts.Close()

	types := readSSE(t, ts.URL+"/api/v1/jobs/"+id+"/events")
	assert.Equal(t, []string{
		jobs.EventJobRequested, jobs.EventJobProcessing, jobs.EventTaskAnalyzed, jobs.EventJobCompleted,
	}, types)
}

func TestJobEvents_StreamsLiveEvents(t *testing.T) {
	env := newTestEnv(t, false)
	env.seed(t)

	sub, err := env.orch.AnalyzeStory(context.Background(), testOrg, "s1")
	require.NoError(t, err)

	ts := httptest.NewServer(env.srv.Echo())
	defer ts.Close()

	done := make(chan []string, 1)
	go func() { done <- readSSE(t, ts.URL+"/api/v1/jobs/"+sub.Job.ID+"/events") }()

	// Whether the job runs before or after the client subscribes, the
	// stream carries every event exactly once.
	env.orch.Process(context.Background(), sub.Job.ID)

	select {
	case types := <-done:
		assert.Equal(t, []string{
			jobs.EventJobRequested, jobs.EventJobProcessing, jobs.EventTaskAnalyzed, jobs.EventJobCompleted,
		}, types)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after job completed")
	}
}

func TestReviewSuggestion_NotFoundAcrossOrgs(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/api/v1/task-suggestions/sug-1/reject", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_RecordsRoutePattern(t *testing.T) {
	env := newTestEnv(t, false)
	env.seed(t)

	env.do(t, http.MethodGet, "/api/v1/jobs/unknown", "")
	assert.Equal(t, int64(3), env.tel.CounterValue("readyd.http.requests_total"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, env.tel.Reader.Collect(context.Background(), &rm))
	endpoints := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != "readyd.http.requests_total" || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("endpoint")
				endpoints[v.AsString()] = true
			}
		}
	}
	assert.True(t, endpoints["/api/v1/jobs/:job_id"])
	assert.True(t, endpoints["/api/v1/stories/:story_id"])
	assert.False(t, endpoints["/api/v1/jobs/unknown"])
}

func TestRepoConfig_RoundTrip(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/p1/repo-config", `{"repo_url":"https://github.com/acme/api"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[backlog.RepoConfig](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.Validated, "no repository adapter is wired")

	rec = env.do(t, http.MethodGet, "/api/v1/projects/p1/repo-config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[backlog.RepoConfig](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "https://github.com/acme/api", got.RepoURL)
}
