package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/llm"
	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/readiness"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
	"github.com/fyrsmithlabs/readyd/internal/store"
	"github.com/fyrsmithlabs/readyd/internal/synth"
)

// AnalyzeTask analyzes one task inline. It is still recorded as a job so
// the audit trail matches the asynchronous commands.
func (o *Orchestrator) AnalyzeTask(ctx context.Context, orgID, taskID string) (backlog.TaskAnalysis, store.Job, error) {
	task, err := o.store.GetTask(ctx, orgID, taskID)
	if err != nil {
		return backlog.TaskAnalysis{}, store.Job{}, err
	}
	if err := task.Validate(); err != nil {
		return backlog.TaskAnalysis{}, store.Job{}, err
	}
	story, err := o.store.GetStory(ctx, orgID, task.StoryID)
	if err != nil {
		return backlog.TaskAnalysis{}, store.Job{}, err
	}

	now := o.now().UTC()
	job := store.Job{
		ID:          o.newID(),
		OrgID:       orgID,
		Kind:        KindAnalyzeTask,
		StoryID:     task.StoryID,
		TaskID:      task.ID,
		Status:      store.JobRequested,
		ContentHash: ContentHash(KindAnalyzeTask, story, []backlog.Task{task}, false, ""),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return backlog.TaskAnalysis{}, store.Job{}, err
	}
	o.metrics.recordSubmitted(ctx, job.Kind, false)
	o.emit(ctx, job, EventJobRequested, JobPayload{Job: job})

	// The job finishes even if the caller goes away.
	o.Process(context.WithoutCancel(ctx), job.ID)

	job, err = o.store.GetJob(ctx, orgID, job.ID)
	if err != nil {
		return backlog.TaskAnalysis{}, store.Job{}, err
	}
	if job.Status != store.JobCompleted {
		return backlog.TaskAnalysis{}, job, &JobFailedError{Job: job}
	}
	analyses, err := o.store.ListTaskAnalyses(ctx, orgID, task.StoryID)
	if err != nil {
		return backlog.TaskAnalysis{}, job, err
	}
	for _, a := range analyses {
		if a.JobID == job.ID {
			return a, job, nil
		}
	}
	return backlog.TaskAnalysis{}, job, fmt.Errorf("analysis of job %s: %w", job.ID, store.ErrNotFound)
}

// JobFailedError is returned by synchronous commands whose job failed.
type JobFailedError struct {
	Job store.Job
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed (%s): %s", e.Job.ID, e.Job.Classification, e.Job.Reason)
}

func (o *Orchestrator) runAnalyzeTask(ctx context.Context, job store.Job) (backlog.TaskAnalysis, error) {
	task, err := o.store.GetTask(ctx, job.OrgID, job.TaskID)
	if err != nil {
		return backlog.TaskAnalysis{}, err
	}
	story, err := o.store.GetStory(ctx, job.OrgID, task.StoryID)
	if err != nil {
		return backlog.TaskAnalysis{}, err
	}
	return o.analyzeOne(ctx, job, story, task)
}

func (o *Orchestrator) runAnalyzeStory(ctx context.Context, job store.Job) ([]backlog.TaskAnalysis, error) {
	story, tasks, err := o.loadStory(ctx, job.OrgID, job.StoryID)
	if err != nil {
		return nil, err
	}
	out := make([]backlog.TaskAnalysis, 0, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			o.logger.Warn("skipping task", zap.String("job_id", job.ID), zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		a, err := o.analyzeOne(ctx, job, story, t)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// analyzeOne scores a task, optionally asks the model for a review, and
// records the analysis. The model only adds recommendations.
func (o *Orchestrator) analyzeOne(ctx context.Context, job store.Job, story backlog.Story, task backlog.Task) (backlog.TaskAnalysis, error) {
	report := readiness.Analyze(task.Text(), story.ReadinessContext())

	if o.llmReview {
		review, err := o.review(ctx, story, task, report)
		if err != nil {
			return backlog.TaskAnalysis{}, err
		}
		report.Recommendations = append(report.Recommendations, reviewRecommendations(review)...)
	}

	a := backlog.NewTaskAnalysis(o.newID(), job.ID, task, report, o.now())
	ev, err := o.appendEvent(ctx, job.OrgID, job.ID, EventTaskAnalyzed, AnalyzedPayload{Analysis: a})
	if err != nil {
		return backlog.TaskAnalysis{}, err
	}
	if err := o.projector.Apply(ctx, ev); err != nil {
		return backlog.TaskAnalysis{}, fmt.Errorf("project analysis: %w", err)
	}
	return a, nil
}

func (o *Orchestrator) review(ctx context.Context, story backlog.Story, task backlog.Task, report readiness.Report) (*llm.AnalysisReview, error) {
	ctx, span := o.tracer.Start(ctx, "llm.analyze_task", trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	review, err := o.llm.AnalyzeTask(ctx, llm.TaskContext{Story: story, Task: task, Report: report})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "review failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("llm.provider", review.Provider))
	return review, nil
}

func reviewRecommendations(r *llm.AnalysisReview) []readiness.Recommendation {
	out := make([]readiness.Recommendation, 0, len(r.Recommendations))
	for i, rec := range r.Recommendations {
		out = append(out, readiness.Recommendation{
			ID:          fmt.Sprintf("review-%d", i+1),
			Category:    readiness.Category(rec.Category),
			Priority:    readiness.Priority(rec.Priority),
			Title:       rec.Title,
			Description: rec.Description,
			Actionable:  true,
		})
	}
	return out
}

func (o *Orchestrator) runSuggest(ctx context.Context, job store.Job) error {
	story, tasks, err := o.loadStory(ctx, job.OrgID, job.StoryID)
	if err != nil {
		return err
	}

	structure, hits := o.repoContext(ctx, job, story)

	lctx, span := o.tracer.Start(ctx, "llm.suggest_tasks", trace.WithAttributes(
		attribute.Bool("repo.available", structure.Available),
	))
	batch, err := o.llm.SuggestTasks(lctx, llm.SuggestContext{
		Story:         story,
		ExistingTasks: tasks,
		Repo:          structure,
		Hits:          hits,
		Max:           o.maxSuggestions,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "suggest failed")
		span.End()
		return err
	}
	span.SetAttributes(attribute.String("llm.provider", batch.Provider))
	span.End()

	res := o.synth.Synthesize(synth.Input{
		OrgID:         job.OrgID,
		JobID:         job.ID,
		Story:         story,
		ExistingTasks: tasks,
		Repo:          structure,
		Drafts:        batch.Suggestions,
		Now:           o.now(),
	})
	logging.For(ctx, o.logger).Info("suggestions synthesized",
		zap.String("job_id", job.ID),
		zap.Int("kept", len(res.Suggestions)),
		zap.Int("discarded", len(res.Discarded)),
		zap.Bool("story_only", res.StoryOnly),
	)

	ev, err := o.appendEvent(ctx, job.OrgID, job.ID, EventSuggestionsGenerated, SuggestionsPayload{
		StoryID:     story.ID,
		Suggestions: res.Suggestions,
		Discarded:   res.Discarded,
		StoryOnly:   res.StoryOnly,
		Provider:    batch.Provider,
	})
	if err != nil {
		return err
	}
	if err := o.projector.Apply(ctx, ev); err != nil {
		return fmt.Errorf("project suggestions: %w", err)
	}
	return nil
}

// repoContext fetches the repository listing and search hits. Every
// failure degrades to story-only context; none fails the job.
func (o *Orchestrator) repoContext(ctx context.Context, job store.Job, story backlog.Story) (repoctx.Structure, []repoctx.SearchHit) {
	unavailable := func(reason string) (repoctx.Structure, []repoctx.SearchHit) {
		return repoctx.Structure{Reason: reason, Paths: []string{}}, nil
	}
	if !job.UseRepoContext {
		return unavailable("repository context not requested")
	}
	if o.repo == nil {
		return unavailable("no repository adapter configured")
	}
	rc, err := o.store.GetRepoConfig(ctx, job.OrgID, story.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return unavailable("no repository configured for project")
	}
	if err != nil {
		o.logger.Warn("load repo config", zap.String("job_id", job.ID), zap.Error(err))
		return unavailable("repository configuration could not be read")
	}

	ctx, span := o.tracer.Start(ctx, "repoctx.structure", trace.WithAttributes(attribute.String("repo.url", rc.RepoURL)))
	defer span.End()

	repo := repoctx.Repo{URL: rc.RepoURL, Branch: rc.DefaultBranch}
	structure := o.repo.Structure(ctx, repo)
	span.SetAttributes(attribute.Bool("repo.available", structure.Available))
	if !structure.Available {
		return structure, nil
	}
	search := o.repo.Search(ctx, repo, story.Title)
	if !search.Available {
		return structure, nil
	}
	return structure, search.Hits
}

// ReviewSuggestion approves or rejects a pending suggestion. Approval adds
// the suggestion to its story as a new task, which is returned. The status
// change, the task and the suggestion.reviewed event are committed together.
func (o *Orchestrator) ReviewSuggestion(ctx context.Context, orgID, id string, next backlog.SuggestionStatus) (backlog.TaskSuggestion, *backlog.Task, error) {
	sg, err := o.store.GetSuggestion(ctx, orgID, id)
	if err != nil {
		return backlog.TaskSuggestion{}, nil, err
	}
	reviewed := sg
	if err := reviewed.Review(next, o.now()); err != nil {
		return sg, nil, err
	}

	var created *backlog.Task
	if next == backlog.SuggestionApproved {
		tasks, err := o.store.ListTasks(ctx, orgID, sg.StoryID)
		if err != nil {
			return sg, nil, err
		}
		pos := 0
		for _, t := range tasks {
			pos = max(pos, t.Position+1)
		}
		t := sg.AsTask(o.newID(), pos, reviewed.UpdatedAt)
		created = &t
	}

	payload := ReviewedPayload{SuggestionID: sg.ID, StoryID: sg.StoryID, Status: next}
	if created != nil {
		payload.TaskID = created.ID
	}
	ev, err := o.newEvent(orgID, "", EventSuggestionReviewed, payload)
	if err != nil {
		return sg, nil, err
	}
	ev.CreatedAt = reviewed.UpdatedAt
	if _, err := o.store.RecordReview(ctx, ev, sg.ID, next, created); err != nil {
		return sg, nil, err
	}
	return reviewed, created, nil
}

// ConfigureRepo validates and stores the repository of a project.
func (o *Orchestrator) ConfigureRepo(ctx context.Context, orgID, projectID, repoURL string) (backlog.RepoConfig, error) {
	if projectID == "" {
		return backlog.RepoConfig{}, fmt.Errorf("%w: project id is required", ErrValidation)
	}
	if _, _, err := repoctx.ParseRepoURL(repoURL); err != nil {
		return backlog.RepoConfig{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	now := o.now().UTC()
	rc := backlog.RepoConfig{ID: o.newID(), OrgID: orgID, ProjectID: projectID, RepoURL: repoURL, UpdatedAt: now}
	if existing, err := o.store.GetRepoConfig(ctx, orgID, projectID); err == nil {
		rc.ID = existing.ID
	}

	if o.repo != nil {
		info := o.repo.Describe(ctx, repoURL)
		rc.Validated = info.Available
		rc.DefaultBranch = info.DefaultBranch
		if info.Available {
			rc.LastValidatedAt = &now
		} else {
			logging.For(ctx, o.logger).Info("repository not validated",
				zap.String("project_id", projectID),
				zap.String("reason", info.Reason),
			)
		}
	}

	if err := o.store.PutRepoConfig(ctx, rc); err != nil {
		return backlog.RepoConfig{}, err
	}
	if _, err := o.appendEvent(ctx, orgID, "", EventRepoConfigured, RepoConfiguredPayload{Config: rc}); err != nil {
		o.logger.Warn("record repo config event", zap.Error(err))
	}
	return rc, nil
}

// RepoConfig returns the repository of a project.
func (o *Orchestrator) RepoConfig(ctx context.Context, orgID, projectID string) (backlog.RepoConfig, error) {
	return o.store.GetRepoConfig(ctx, orgID, projectID)
}

// PutStory stores story content pushed by a collaborator.
func (o *Orchestrator) PutStory(ctx context.Context, s backlog.Story) (backlog.Story, error) {
	if err := s.Validate(); err != nil {
		return backlog.Story{}, err
	}
	s.UpdatedAt = o.now().UTC()
	if err := o.store.PutStory(ctx, s); err != nil {
		return backlog.Story{}, err
	}
	return s, nil
}

// PutTask stores task content. The story must exist.
func (o *Orchestrator) PutTask(ctx context.Context, t backlog.Task) (backlog.Task, error) {
	if err := t.Validate(); err != nil {
		return backlog.Task{}, err
	}
	if _, err := o.store.GetStory(ctx, t.OrgID, t.StoryID); err != nil {
		return backlog.Task{}, err
	}
	t.UpdatedAt = o.now().UTC()
	if err := o.store.PutTask(ctx, t); err != nil {
		return backlog.Task{}, err
	}
	return t, nil
}
