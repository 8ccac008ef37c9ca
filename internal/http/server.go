// Package http serves the readiness analysis API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/eventbus"
	"github.com/fyrsmithlabs/readyd/internal/jobs"
	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/store"
)

// Service is the command and query surface the handlers call.
type Service interface {
	PutStory(ctx context.Context, s backlog.Story) (backlog.Story, error)
	PutTask(ctx context.Context, t backlog.Task) (backlog.Task, error)

	AnalyzeTask(ctx context.Context, orgID, taskID string) (backlog.TaskAnalysis, store.Job, error)
	AnalyzeStory(ctx context.Context, orgID, storyID string) (jobs.Submission, error)
	SuggestTasks(ctx context.Context, orgID, storyID string, useRepoContext bool) (jobs.Submission, error)

	Job(ctx context.Context, orgID, jobID string) (store.Job, error)
	JobEvents(ctx context.Context, orgID, jobID string) ([]store.Event, error)
	TaskAnalyses(ctx context.Context, orgID, storyID string, history bool) ([]backlog.TaskAnalysis, error)
	TaskHistory(ctx context.Context, orgID, taskID string) ([]backlog.TaskAnalysis, error)
	Summary(ctx context.Context, orgID, storyID string) (backlog.StoryAnalysisSummary, error)
	Suggestions(ctx context.Context, orgID, storyID string, status backlog.SuggestionStatus) ([]backlog.TaskSuggestion, error)
	ReviewSuggestion(ctx context.Context, orgID, id string, next backlog.SuggestionStatus) (backlog.TaskSuggestion, *backlog.Task, error)

	ConfigureRepo(ctx context.Context, orgID, projectID, repoURL string) (backlog.RepoConfig, error)
	RepoConfig(ctx context.Context, orgID, projectID string) (backlog.RepoConfig, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Bus relays live job events to SSE clients. Without it the event
	// stream only replays the log.
	Bus eventbus.Bus
	// Meter receives request metrics; nil uses the global provider.
	Meter  metric.Meter
	Checks map[string]HealthCheck
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	svc     Service
	logger  *zap.Logger
	config  *Config
	metrics *Metrics
}

// NewServer creates a server. Routes are registered; call Start to listen.
func NewServer(svc Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, errors.New("service cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8080}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: NewMetrics(cfg.Meter, logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), rid)))

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			logging.For(c.Request().Context(), logger).Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", requireOrg)

	v1.PUT("/stories/:story_id", s.handlePutStory)
	v1.PUT("/stories/:story_id/tasks/:task_id", s.handlePutTask)

	v1.POST("/tasks/:task_id/analyze", s.handleAnalyzeTask)
	v1.GET("/tasks/:task_id/analyses", s.handleTaskHistory)
	v1.POST("/stories/:story_id/tasks/analyze", s.handleAnalyzeStory)
	v1.GET("/stories/:story_id/task-analyses", s.handleTaskAnalyses)
	v1.GET("/stories/:story_id/analysis-summary", s.handleSummary)

	v1.POST("/stories/:story_id/tasks/suggest", s.handleSuggest)
	v1.GET("/stories/:story_id/task-suggestions", s.handleSuggestions)
	v1.POST("/task-suggestions/:suggestion_id/approve", s.handleReview(backlog.SuggestionApproved))
	v1.POST("/task-suggestions/:suggestion_id/reject", s.handleReview(backlog.SuggestionRejected))

	v1.GET("/jobs/:job_id", s.handleJob)
	v1.GET("/jobs/:job_id/events", s.handleJobEvents)

	v1.POST("/projects/:project_id/repo-config", s.handleConfigureRepo)
	v1.GET("/projects/:project_id/repo-config", s.handleGetRepoConfig)
}

// Echo exposes the router for extra routes and tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens on the configured address. It blocks until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error {
	if err := r.v.Struct(i); err != nil {
		return fmt.Errorf("%w: %s", backlog.ErrValidation, err.Error())
	}
	return nil
}
