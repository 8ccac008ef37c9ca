package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/eventbus"
	"github.com/fyrsmithlabs/readyd/internal/llm"
	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
	"github.com/fyrsmithlabs/readyd/internal/store"
	"github.com/fyrsmithlabs/readyd/internal/synth"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	PutStory(ctx context.Context, s backlog.Story) error
	GetStory(ctx context.Context, orgID, id string) (backlog.Story, error)
	PutTask(ctx context.Context, t backlog.Task) error
	GetTask(ctx context.Context, orgID, id string) (backlog.Task, error)
	ListTasks(ctx context.Context, orgID, storyID string) ([]backlog.Task, error)

	CreateJob(ctx context.Context, j store.Job) error
	GetJob(ctx context.Context, orgID, id string) (store.Job, error)
	JobByID(ctx context.Context, id string) (store.Job, error)
	FindDebounced(ctx context.Context, orgID, kind, hash string, since time.Time) (store.Job, bool, error)
	ListJobsByStatus(ctx context.Context, status store.JobStatus) ([]store.Job, error)
	ClaimJob(ctx context.Context, id string, at time.Time) error
	FinishJob(ctx context.Context, id string, status store.JobStatus, classification, reason string, at time.Time) error

	AppendEvent(ctx context.Context, e store.Event) (store.Event, error)
	JobEvents(ctx context.Context, orgID, jobID string) ([]store.Event, error)
	EventsAfter(ctx context.Context, after int64, limit int) ([]store.Event, error)

	InsertTaskAnalysis(ctx context.Context, a *backlog.TaskAnalysis) error
	ListTaskAnalyses(ctx context.Context, orgID, storyID string) ([]backlog.TaskAnalysis, error)
	TaskAnalysisHistory(ctx context.Context, orgID, taskID string) ([]backlog.TaskAnalysis, error)
	PutSummary(ctx context.Context, sum backlog.StoryAnalysisSummary) error
	GetSummary(ctx context.Context, orgID, storyID string) (backlog.StoryAnalysisSummary, error)
	InsertSuggestions(ctx context.Context, batch []backlog.TaskSuggestion) error
	ListSuggestions(ctx context.Context, orgID, storyID string, status backlog.SuggestionStatus) ([]backlog.TaskSuggestion, error)
	GetSuggestion(ctx context.Context, orgID, id string) (backlog.TaskSuggestion, error)
	UpdateSuggestionStatus(ctx context.Context, orgID, id string, next backlog.SuggestionStatus, at time.Time) error
	RecordReview(ctx context.Context, ev store.Event, suggestionID string, next backlog.SuggestionStatus, task *backlog.Task) (store.Event, error)
	PutRepoConfig(ctx context.Context, rc backlog.RepoConfig) error
	GetRepoConfig(ctx context.Context, orgID, projectID string) (backlog.RepoConfig, error)
	ResetProjections(ctx context.Context) error
}

// Config configures an Orchestrator. Store, Bus and Logger are required.
type Config struct {
	Store       Store
	Bus         eventbus.Bus
	Repo        repoctx.Port
	LLM         llm.Provider
	Synthesizer *synth.Synthesizer
	Logger      *zap.Logger
	Tracer      trace.Tracer
	Meter       metric.Meter

	Workers        int
	DebounceWindow time.Duration
	LLMReview      bool
	MaxSuggestions int
}

// Submission is the answer to an asynchronous command.
type Submission struct {
	Job          store.Job
	Deduplicated bool
}

// Orchestrator accepts commands, runs jobs and serves the read models.
type Orchestrator struct {
	store     Store
	bus       eventbus.Bus
	repo      repoctx.Port
	llm       llm.Provider
	synth     *synth.Synthesizer
	projector *Projector
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *metrics

	workers        int
	debounceWindow time.Duration
	llmReview      bool
	maxSuggestions int

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	queue   chan string
	sub     eventbus.Subscription
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// New validates cfg and returns an orchestrator. Call Start to run workers.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.LLM == nil {
		cfg.LLM = llm.NewChain(nil, 0, cfg.Logger)
	}
	if cfg.Synthesizer == nil {
		cfg.Synthesizer = synth.New(synth.Options{Max: cfg.MaxSuggestions})
	}
	if cfg.MaxSuggestions == 0 {
		cfg.MaxSuggestions = synth.DefaultMax
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(InstrumentationName)
	}
	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Orchestrator{
		store:          cfg.Store,
		bus:            cfg.Bus,
		repo:           cfg.Repo,
		llm:            cfg.LLM,
		synth:          cfg.Synthesizer,
		projector:      NewProjector(cfg.Store, cfg.Logger),
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		metrics:        m,
		workers:        cfg.Workers,
		debounceWindow: cfg.DebounceWindow,
		llmReview:      cfg.LLMReview,
		maxSuggestions: cfg.MaxSuggestions,
		now:            time.Now,
		newID:          uuid.NewString,
	}, nil
}

// Projector exposes the projector for replay.
func (o *Orchestrator) Projector() *Projector { return o.projector }

// AnalyzeStory requests analysis of every task in the story.
func (o *Orchestrator) AnalyzeStory(ctx context.Context, orgID, storyID string) (Submission, error) {
	story, tasks, err := o.loadStory(ctx, orgID, storyID)
	if err != nil {
		return Submission{}, err
	}
	if len(tasks) == 0 {
		return Submission{}, fmt.Errorf("%w: story %s has no tasks", ErrValidation, storyID)
	}
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return Submission{}, err
		}
	}
	hash := ContentHash(KindAnalyzeStory, story, tasks, false, "")
	return o.submit(ctx, store.Job{OrgID: orgID, Kind: KindAnalyzeStory, StoryID: storyID, ContentHash: hash})
}

// SuggestTasks requests new task suggestions for the story.
func (o *Orchestrator) SuggestTasks(ctx context.Context, orgID, storyID string, useRepoContext bool) (Submission, error) {
	story, tasks, err := o.loadStory(ctx, orgID, storyID)
	if err != nil {
		return Submission{}, err
	}
	repoURL := ""
	if useRepoContext {
		if rc, err := o.store.GetRepoConfig(ctx, orgID, story.ProjectID); err == nil {
			repoURL = rc.RepoURL
		}
	}
	hash := ContentHash(KindSuggestTasks, story, tasks, useRepoContext, repoURL)
	return o.submit(ctx, store.Job{
		OrgID:          orgID,
		Kind:           KindSuggestTasks,
		StoryID:        storyID,
		UseRepoContext: useRepoContext,
		ContentHash:    hash,
	})
}

func (o *Orchestrator) loadStory(ctx context.Context, orgID, storyID string) (backlog.Story, []backlog.Task, error) {
	story, err := o.store.GetStory(ctx, orgID, storyID)
	if err != nil {
		return backlog.Story{}, nil, err
	}
	tasks, err := o.store.ListTasks(ctx, orgID, storyID)
	if err != nil {
		return backlog.Story{}, nil, err
	}
	return story, tasks, nil
}

// submit debounces, persists and enqueues a job.
func (o *Orchestrator) submit(ctx context.Context, j store.Job) (Submission, error) {
	now := o.now().UTC()
	if o.debounceWindow > 0 {
		existing, found, err := o.store.FindDebounced(ctx, j.OrgID, j.Kind, j.ContentHash, now.Add(-o.debounceWindow))
		if err != nil {
			return Submission{}, err
		}
		if found {
			o.metrics.recordSubmitted(ctx, j.Kind, true)
			logging.For(ctx, o.logger).Debug("request deduplicated",
				zap.String("job_id", existing.ID),
				zap.String("kind", j.Kind),
			)
			return Submission{Job: existing, Deduplicated: true}, nil
		}
	}

	j.ID = o.newID()
	j.Status = store.JobRequested
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := o.store.CreateJob(ctx, j); err != nil {
		return Submission{}, err
	}
	o.metrics.recordSubmitted(ctx, j.Kind, false)
	o.emit(ctx, j, EventJobRequested, JobPayload{Job: j})

	if err := o.bus.Publish(ctx, eventbus.SubjectJobRequested, []byte(j.ID)); err != nil {
		// The job stays requested and is picked up again on the next start.
		logging.For(ctx, o.logger).Error("enqueue job", zap.String("job_id", j.ID), zap.Error(err))
	}
	return Submission{Job: j}, nil
}

// emit appends an event and relays it on the bus. The log is the record;
// a failed relay is logged and otherwise ignored.
func (o *Orchestrator) emit(ctx context.Context, j store.Job, typ string, payload any) store.Event {
	ev, err := o.appendEvent(ctx, j.OrgID, j.ID, typ, payload)
	if err != nil {
		o.logger.Error("append event", zap.String("job_id", j.ID), zap.String("type", typ), zap.Error(err))
		return store.Event{}
	}
	return ev
}

func (o *Orchestrator) appendEvent(ctx context.Context, orgID, jobID, typ string, payload any) (store.Event, error) {
	ev, err := o.newEvent(orgID, jobID, typ, payload)
	if err != nil {
		return store.Event{}, err
	}
	ev, err = o.store.AppendEvent(ctx, ev)
	if err != nil {
		return store.Event{}, err
	}
	if jobID != "" {
		body, _ := json.Marshal(ev)
		if err := o.bus.Publish(ctx, eventbus.JobEventSubject(orgID, jobID, typ), body); err != nil {
			o.logger.Warn("relay event", zap.String("type", typ), zap.Error(err))
		}
	}
	return ev, nil
}

func (o *Orchestrator) newEvent(orgID, jobID, typ string, payload any) (store.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return store.Event{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return store.Event{
		ID:        o.newID(),
		OrgID:     orgID,
		JobID:     jobID,
		Type:      typ,
		Payload:   raw,
		CreatedAt: o.now().UTC(),
	}, nil
}

// Job returns a job of the org.
func (o *Orchestrator) Job(ctx context.Context, orgID, jobID string) (store.Job, error) {
	return o.store.GetJob(ctx, orgID, jobID)
}

// JobEvents returns the events recorded for a job.
func (o *Orchestrator) JobEvents(ctx context.Context, orgID, jobID string) ([]store.Event, error) {
	if _, err := o.store.GetJob(ctx, orgID, jobID); err != nil {
		return nil, err
	}
	return o.store.JobEvents(ctx, orgID, jobID)
}

// TaskAnalyses returns the current analysis of each task in the story, or
// every analysis when history is set.
func (o *Orchestrator) TaskAnalyses(ctx context.Context, orgID, storyID string, history bool) ([]backlog.TaskAnalysis, error) {
	if _, err := o.store.GetStory(ctx, orgID, storyID); err != nil {
		return nil, err
	}
	all, err := o.store.ListTaskAnalyses(ctx, orgID, storyID)
	if err != nil {
		return nil, err
	}
	if history {
		return all, nil
	}
	return backlog.LatestPerTask(all), nil
}

// TaskHistory returns every analysis of one task, newest first.
func (o *Orchestrator) TaskHistory(ctx context.Context, orgID, taskID string) ([]backlog.TaskAnalysis, error) {
	if _, err := o.store.GetTask(ctx, orgID, taskID); err != nil {
		return nil, err
	}
	return o.store.TaskAnalysisHistory(ctx, orgID, taskID)
}

// Summary returns the story summary. A story never analyzed has an empty
// summary.
func (o *Orchestrator) Summary(ctx context.Context, orgID, storyID string) (backlog.StoryAnalysisSummary, error) {
	if _, err := o.store.GetStory(ctx, orgID, storyID); err != nil {
		return backlog.StoryAnalysisSummary{}, err
	}
	sum, err := o.store.GetSummary(ctx, orgID, storyID)
	if errors.Is(err, store.ErrNotFound) {
		return backlog.FoldSummary(orgID, storyID, nil, o.now()), nil
	}
	return sum, err
}

// Suggestions returns the suggestions of a story.
func (o *Orchestrator) Suggestions(ctx context.Context, orgID, storyID string, status backlog.SuggestionStatus) ([]backlog.TaskSuggestion, error) {
	if _, err := o.store.GetStory(ctx, orgID, storyID); err != nil {
		return nil, err
	}
	return o.store.ListSuggestions(ctx, orgID, storyID, status)
}
