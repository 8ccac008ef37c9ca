package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/jobs"
	"github.com/fyrsmithlabs/readyd/internal/store"
)

// CriterionRequest is one acceptance criterion in a story upsert.
type CriterionRequest struct {
	ID   string `json:"id" validate:"required,max=64"`
	Text string `json:"text" validate:"max=2000"`
}

// StoryRequest is the body of PUT /stories/:story_id.
type StoryRequest struct {
	ProjectID          string             `json:"project_id" validate:"max=128"`
	Title              string             `json:"title" validate:"required,max=500"`
	Description        string             `json:"description" validate:"max=20000"`
	AcceptanceCriteria []CriterionRequest `json:"acceptance_criteria" validate:"max=100,dive"`
}

// TaskRequest is the body of PUT /stories/:story_id/tasks/:task_id.
type TaskRequest struct {
	Title       string `json:"title" validate:"required,max=500"`
	Description string `json:"description" validate:"max=20000"`
	Position    int    `json:"position" validate:"min=0"`
}

// SuggestRequest is the body of POST /stories/:story_id/tasks/suggest.
type SuggestRequest struct {
	UseRepoContext bool `json:"use_repo_context"`
}

// RepoConfigRequest is the body of POST /projects/:project_id/repo-config.
type RepoConfigRequest struct {
	RepoURL string `json:"repo_url" validate:"required,max=512"`
}

// AnalysisAccepted answers an asynchronous story analysis.
type AnalysisAccepted struct {
	AnalysisID   string `json:"analysis_id"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated"`
}

// SuggestionAccepted answers an asynchronous suggestion request.
type SuggestionAccepted struct {
	SuggestionID string `json:"suggestion_id"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated"`
}

// ReviewResponse answers an approve or reject.
type ReviewResponse struct {
	Suggestion backlog.TaskSuggestion `json:"suggestion"`
	Task       *backlog.Task          `json:"task,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(req); err != nil {
		return s.respondError(c, err)
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.config.Checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		resp.Checks = make(map[string]string, len(s.config.Checks))
		for name, check := range s.config.Checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	return c.JSON(code, resp)
}

func (s *Server) handlePutStory(c echo.Context) error {
	var req StoryRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	story := backlog.Story{
		OrgID:       orgID(c),
		ID:          c.Param("story_id"),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
	}
	for _, ac := range req.AcceptanceCriteria {
		story.AcceptanceCriteria = append(story.AcceptanceCriteria, backlog.AcceptanceCriterion{ID: ac.ID, Text: ac.Text})
	}
	saved, err := s.svc.PutStory(c.Request().Context(), story)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) handlePutTask(c echo.Context) error {
	var req TaskRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	saved, err := s.svc.PutTask(c.Request().Context(), backlog.Task{
		OrgID:       orgID(c),
		ID:          c.Param("task_id"),
		StoryID:     c.Param("story_id"),
		Title:       req.Title,
		Description: req.Description,
		Position:    req.Position,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) handleAnalyzeTask(c echo.Context) error {
	analysis, _, err := s.svc.AnalyzeTask(c.Request().Context(), orgID(c), c.Param("task_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, analysis)
}

func (s *Server) handleAnalyzeStory(c echo.Context) error {
	sub, err := s.svc.AnalyzeStory(c.Request().Context(), orgID(c), c.Param("story_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, AnalysisAccepted{
		AnalysisID:   sub.Job.ID,
		Status:       acceptedStatus(sub.Job),
		Deduplicated: sub.Deduplicated,
	})
}

func (s *Server) handleTaskAnalyses(c echo.Context) error {
	history := false
	if raw := c.QueryParam("history"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "history must be a boolean")
		}
		history = v
	}
	analyses, err := s.svc.TaskAnalyses(c.Request().Context(), orgID(c), c.Param("story_id"), history)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, analyses)
}

func (s *Server) handleTaskHistory(c echo.Context) error {
	analyses, err := s.svc.TaskHistory(c.Request().Context(), orgID(c), c.Param("task_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, analyses)
}

func (s *Server) handleSummary(c echo.Context) error {
	sum, err := s.svc.Summary(c.Request().Context(), orgID(c), c.Param("story_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleSuggest(c echo.Context) error {
	var req SuggestRequest
	if c.Request().ContentLength != 0 {
		if err := s.bind(c, &req); err != nil {
			return err
		}
	}
	sub, err := s.svc.SuggestTasks(c.Request().Context(), orgID(c), c.Param("story_id"), req.UseRepoContext)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, SuggestionAccepted{
		SuggestionID: sub.Job.ID,
		Status:       acceptedStatus(sub.Job),
		Deduplicated: sub.Deduplicated,
	})
}

func (s *Server) handleSuggestions(c echo.Context) error {
	status := backlog.SuggestionStatus(c.QueryParam("status"))
	switch status {
	case "", backlog.SuggestionPending, backlog.SuggestionApproved, backlog.SuggestionRejected:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be pending, approved or rejected")
	}
	list, err := s.svc.Suggestions(c.Request().Context(), orgID(c), c.Param("story_id"), status)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleReview(next backlog.SuggestionStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		sg, task, err := s.svc.ReviewSuggestion(c.Request().Context(), orgID(c), c.Param("suggestion_id"), next)
		if err != nil {
			return s.respondError(c, err)
		}
		return c.JSON(http.StatusOK, ReviewResponse{Suggestion: sg, Task: task})
	}
}

func (s *Server) handleJob(c echo.Context) error {
	job, err := s.svc.Job(c.Request().Context(), orgID(c), c.Param("job_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleConfigureRepo(c echo.Context) error {
	var req RepoConfigRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	cfg, err := s.svc.ConfigureRepo(c.Request().Context(), orgID(c), c.Param("project_id"), req.RepoURL)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleGetRepoConfig(c echo.Context) error {
	cfg, err := s.svc.RepoConfig(c.Request().Context(), orgID(c), c.Param("project_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// acceptedStatus reports a queued or running job as processing.
func acceptedStatus(j store.Job) string {
	if j.Status.Terminal() {
		return string(j.Status)
	}
	return "processing"
}

var _ Service = (*jobs.Orchestrator)(nil)
