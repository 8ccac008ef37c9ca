package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/readiness"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(id, hash string, at time.Time) Job {
	return Job{
		ID:          id,
		OrgID:       "org",
		Kind:        "analyze_story",
		StoryID:     "s1",
		Status:      JobRequested,
		ContentHash: hash,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Unix(1000, 0).UTC()

	require.NoError(t, s.CreateJob(ctx, newJob("j1", "h1", at)))

	got, err := s.GetJob(ctx, "org", "j1")
	require.NoError(t, err)
	assert.Equal(t, JobRequested, got.Status)
	assert.Equal(t, at, got.CreatedAt)

	_, err = s.GetJob(ctx, "other-org", "j1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.FinishJob(ctx, "j1", JobCompleted, "", "", at), ErrIllegalTransition)

	require.NoError(t, s.ClaimJob(ctx, "j1", at.Add(time.Second)))
	assert.ErrorIs(t, s.ClaimJob(ctx, "j1", at.Add(time.Second)), ErrClaimConflict)
	assert.ErrorIs(t, s.ClaimJob(ctx, "missing", at), ErrNotFound)

	assert.ErrorIs(t, s.FinishJob(ctx, "j1", JobProcessing, "", "", at), ErrIllegalTransition)
	require.NoError(t, s.FinishJob(ctx, "j1", JobFailed, "provider_transient_error", "timeout", at.Add(2*time.Second)))
	assert.ErrorIs(t, s.FinishJob(ctx, "j1", JobCompleted, "", "", at), ErrIllegalTransition)

	got, err = s.GetJob(ctx, "org", "j1")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "provider_transient_error", got.Classification)
	assert.Equal(t, "timeout", got.Reason)
}

func TestCreateJob_RejectsNonRequested(t *testing.T) {
	s := newTestStore(t)
	j := newJob("j1", "h", time.Now())
	j.Status = JobCompleted
	assert.ErrorIs(t, s.CreateJob(context.Background(), j), ErrIllegalTransition)
}

func TestClaimJob_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(ctx, newJob("j1", "h", time.Now())))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ClaimJob(ctx, "j1", time.Now()) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFindDebounced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Unix(10_000, 0)

	_, found, err := s.FindDebounced(ctx, "org", "analyze_story", "h1", base)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.CreateJob(ctx, newJob("j1", "h1", base)))
	j, found, err := s.FindDebounced(ctx, "org", "analyze_story", "h1", base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, found, "in-flight jobs debounce regardless of age")
	assert.Equal(t, "j1", j.ID)

	require.NoError(t, s.ClaimJob(ctx, "j1", base))
	require.NoError(t, s.FinishJob(ctx, "j1", JobCompleted, "", "", base.Add(time.Minute)))

	_, found, err = s.FindDebounced(ctx, "org", "analyze_story", "h1", base)
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = s.FindDebounced(ctx, "org", "analyze_story", "h1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, found, "completed before the window")

	_, found, err = s.FindDebounced(ctx, "org", "suggest_tasks", "h1", base)
	require.NoError(t, err)
	assert.False(t, found, "kind is part of the key")
}

func TestFindDebounced_IgnoresFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Unix(10_000, 0)
	require.NoError(t, s.CreateJob(ctx, newJob("j1", "h1", base)))
	require.NoError(t, s.ClaimJob(ctx, "j1", base))
	require.NoError(t, s.FinishJob(ctx, "j1", JobFailed, "internal_error", "boom", base))

	_, found, err := s.FindDebounced(ctx, "org", "analyze_story", "h1", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListJobsByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(ctx, newJob("j2", "a", time.Unix(2, 0))))
	require.NoError(t, s.CreateJob(ctx, newJob("j1", "b", time.Unix(1, 0))))
	require.NoError(t, s.ClaimJob(ctx, "j2", time.Unix(3, 0)))

	requested, err := s.ListJobsByStatus(ctx, JobRequested)
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Equal(t, "j1", requested[0].ID)
}

func TestEvents_AppendOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, typ := range []string{"requested", "started", "completed"} {
		e, err := s.AppendEvent(ctx, Event{
			ID: typ, OrgID: "org", JobID: "j1", Type: typ,
			Payload: json.RawMessage(`{"n":1}`), CreatedAt: time.Unix(int64(i), 0),
		})
		require.NoError(t, err)
		assert.EqualValues(t, i+1, e.Seq)
	}
	_, err := s.AppendEvent(ctx, Event{ID: "other", OrgID: "org2", JobID: "j2", Type: "requested"})
	require.NoError(t, err)

	evs, err := s.JobEvents(ctx, "org", "j1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "completed", evs[2].Type)
	assert.JSONEq(t, `{"n":1}`, string(evs[0].Payload))

	none, err := s.JobEvents(ctx, "org", "j2")
	require.NoError(t, err)
	assert.Empty(t, none, "events are scoped to the org")

	after, err := s.EventsAfter(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.EqualValues(t, 3, after[0].Seq)
	assert.JSONEq(t, `{}`, string(after[1].Payload))

	_, err = s.AppendEvent(ctx, Event{ID: "started", OrgID: "org", Type: "dup"})
	assert.Error(t, err, "event ids are unique")
}

func TestBacklog_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Unix(50, 0).UTC()

	story := backlog.Story{
		OrgID: "org", ID: "s1", ProjectID: "p1", Title: "Login",
		AcceptanceCriteria: []backlog.AcceptanceCriterion{{ID: "ac-001", Text: "401 on bad password"}},
		UpdatedAt:          at,
	}
	require.NoError(t, s.PutStory(ctx, story))
	got, err := s.GetStory(ctx, "org", "s1")
	require.NoError(t, err)
	assert.Equal(t, story, got)

	story.Title = "Login v2"
	require.NoError(t, s.PutStory(ctx, story))
	got, err = s.GetStory(ctx, "org", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Login v2", got.Title)

	_, err = s.GetStory(ctx, "org2", "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	for i, id := range []string{"t2", "t1"} {
		require.NoError(t, s.PutTask(ctx, backlog.Task{OrgID: "org", ID: id, StoryID: "s1", Title: id, Position: i, UpdatedAt: at}))
	}
	tasks, err := s.ListTasks(ctx, "org", "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t2", tasks[0].ID)

	task, err := s.GetTask(ctx, "org", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Position)
}

func TestRepoConfig_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	validated := time.Unix(70, 0).UTC()

	rc := backlog.RepoConfig{
		ID: "rc1", OrgID: "org", ProjectID: "p1", RepoURL: "https://github.com/acme/api",
		DefaultBranch: "main", Validated: true, LastValidatedAt: &validated, UpdatedAt: validated,
	}
	require.NoError(t, s.PutRepoConfig(ctx, rc))
	got, err := s.GetRepoConfig(ctx, "org", "p1")
	require.NoError(t, err)
	assert.Equal(t, rc, got)

	_, err = s.GetRepoConfig(ctx, "org", "p2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskAnalyses_SeqAndHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, overall := range []int{40, 85} {
		a := backlog.TaskAnalysis{
			ID: []string{"a1", "a2"}[i], OrgID: "org", TaskID: "t1", StoryID: "s1", JobID: "j",
			Score:      readiness.ClarityScore{Overall: overall},
			VagueTerms: []readiness.VagueTerm{{Term: "add"}},
			AnalyzedAt: time.Unix(int64(i), 0).UTC(),
		}
		require.NoError(t, s.InsertTaskAnalysis(ctx, &a))
		assert.EqualValues(t, i+1, a.Seq)
	}

	all, err := s.ListTaskAnalyses(ctx, "org", "s1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 40, all[0].Score.Overall)
	assert.Equal(t, "add", all[0].VagueTerms[0].Term)
	assert.Empty(t, all[0].MissingElements)

	latest := backlog.LatestPerTask(all)
	require.Len(t, latest, 1)
	assert.Equal(t, 85, latest[0].Score.Overall)

	hist, err := s.TaskAnalysisHistory(ctx, "org", "t1")
	require.NoError(t, err)
	assert.Equal(t, "a2", hist[0].ID)
}

func TestSummary_PutReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sum := backlog.StoryAnalysisSummary{OrgID: "org", StoryID: "s1", TaskCount: 1, AverageScore: 40,
		IssuesByType: map[string][]string{"vague-terms": {"t1"}}, UpdatedAt: time.Unix(1, 0).UTC()}
	require.NoError(t, s.PutSummary(ctx, sum))
	sum.AverageScore = 80
	require.NoError(t, s.PutSummary(ctx, sum))

	got, err := s.GetSummary(ctx, "org", "s1")
	require.NoError(t, err)
	assert.Equal(t, sum, got)

	_, err = s.GetSummary(ctx, "org", "s2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSuggestions_InsertListReview(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Unix(5, 0).UTC()
	hours := 3.5

	batch := []backlog.TaskSuggestion{
		{ID: "g1", OrgID: "org", StoryID: "s1", JobID: "j", Title: "A", Confidence: 60, ClarityScore: 75,
			Status: backlog.SuggestionPending, CreatedAt: at, UpdatedAt: at},
		{ID: "g2", OrgID: "org", StoryID: "s1", JobID: "j", Title: "B", Confidence: 90, ClarityScore: 80,
			FilePaths: []string{"a.go"}, CodeExamples: []backlog.CodeExample{{FilePath: "a.go", Snippet: "x"}},
			AcceptanceCriteria: []string{"ac-001"}, EstimatedHours: &hours,
			Status: backlog.SuggestionPending, CreatedAt: at, UpdatedAt: at},
	}
	require.NoError(t, s.InsertSuggestions(ctx, batch))

	list, err := s.ListSuggestions(ctx, "org", "s1", "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, batch[1], list[0])
	assert.Nil(t, list[1].EstimatedHours)
	assert.Equal(t, []string{}, list[1].FilePaths)

	require.NoError(t, s.UpdateSuggestionStatus(ctx, "org", "g2", backlog.SuggestionApproved, at.Add(time.Second)))
	err = s.UpdateSuggestionStatus(ctx, "org", "g2", backlog.SuggestionRejected, at)
	assert.ErrorIs(t, err, backlog.ErrIllegalTransition)
	assert.ErrorIs(t, s.UpdateSuggestionStatus(ctx, "org", "g1", backlog.SuggestionPending, at), backlog.ErrIllegalTransition)
	assert.ErrorIs(t, s.UpdateSuggestionStatus(ctx, "org2", "g1", backlog.SuggestionApproved, at), ErrNotFound)

	approved, err := s.ListSuggestions(ctx, "org", "s1", backlog.SuggestionApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "g2", approved[0].ID)
}

func pendingSuggestion(id string, at time.Time) backlog.TaskSuggestion {
	return backlog.TaskSuggestion{ID: id, OrgID: "org", StoryID: "s1", JobID: "j", Title: "Add LoginHandler",
		Confidence: 80, ClarityScore: 75, Status: backlog.SuggestionPending, CreatedAt: at, UpdatedAt: at}
}

func TestRecordReview_Approve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Unix(5, 0).UTC()
	require.NoError(t, s.InsertSuggestions(ctx, []backlog.TaskSuggestion{pendingSuggestion("g1", at)}))

	task := backlog.Task{OrgID: "org", ID: "t9", StoryID: "s1", Title: "Add LoginHandler", Position: 3, UpdatedAt: at}
	ev, err := s.RecordReview(ctx, Event{ID: "e1", OrgID: "org", Type: "suggestion.reviewed", CreatedAt: at},
		"g1", backlog.SuggestionApproved, &task)
	require.NoError(t, err)
	assert.NotZero(t, ev.Seq)

	sg, err := s.GetSuggestion(ctx, "org", "g1")
	require.NoError(t, err)
	assert.Equal(t, backlog.SuggestionApproved, sg.Status)
	got, err := s.GetTask(ctx, "org", "t9")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Position)

	_, err = s.RecordReview(ctx, Event{ID: "e2", OrgID: "org", Type: "suggestion.reviewed", CreatedAt: at},
		"g1", backlog.SuggestionRejected, nil)
	assert.ErrorIs(t, err, backlog.ErrIllegalTransition)
	evs, err := s.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestRecordReview_TaskWriteFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Unix(5, 0).UTC()
	require.NoError(t, s.InsertSuggestions(ctx, []backlog.TaskSuggestion{pendingSuggestion("g1", at)}))
	_, err := s.db.ExecContext(ctx, `CREATE TRIGGER reject_tasks BEFORE INSERT ON tasks
		BEGIN SELECT RAISE(ABORT, 'disk quota exceeded'); END`)
	require.NoError(t, err)

	task := backlog.Task{OrgID: "org", ID: "t9", StoryID: "s1", Title: "Add LoginHandler", UpdatedAt: at}
	_, err = s.RecordReview(ctx, Event{ID: "e1", OrgID: "org", Type: "suggestion.reviewed", CreatedAt: at},
		"g1", backlog.SuggestionApproved, &task)
	require.Error(t, err)

	sg, err := s.GetSuggestion(ctx, "org", "g1")
	require.NoError(t, err)
	assert.Equal(t, backlog.SuggestionPending, sg.Status)
	_, err = s.GetTask(ctx, "org", "t9")
	assert.ErrorIs(t, err, ErrNotFound)
	evs, err := s.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestResetProjections_KeepsLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(ctx, newJob("j1", "h", time.Now())))
	_, err := s.AppendEvent(ctx, Event{ID: "e1", OrgID: "org", JobID: "j1", Type: "requested"})
	require.NoError(t, err)
	a := backlog.TaskAnalysis{ID: "a1", OrgID: "org", TaskID: "t1", StoryID: "s1"}
	require.NoError(t, s.InsertTaskAnalysis(ctx, &a))

	require.NoError(t, s.ResetProjections(ctx))

	analyses, err := s.ListTaskAnalyses(ctx, "org", "s1")
	require.NoError(t, err)
	assert.Empty(t, analyses)
	evs, err := s.JobEvents(ctx, "org", "j1")
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	_, err = s.GetJob(ctx, "org", "j1")
	assert.NoError(t, err)
}
