package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/jobs"
	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
	"github.com/fyrsmithlabs/readyd/internal/store"
)

// FailedJobResponse is returned when an inline job fails.
type FailedJobResponse struct {
	Error          string    `json:"error"`
	Classification string    `json:"classification"`
	Retryable      bool      `json:"retryable"`
	Job            store.Job `json:"job"`
}

// respondError maps service errors onto stable status codes. Raw errors
// of unknown kind are logged, never returned.
func (s *Server) respondError(c echo.Context, err error) error {
	var failed *jobs.JobFailedError
	switch {
	case errors.As(err, &failed):
		code := http.StatusInternalServerError
		class := jobs.Classification(failed.Job.Classification)
		switch class {
		case jobs.ClassProviderUnavailable:
			code = http.StatusServiceUnavailable
		case jobs.ClassProviderTransient:
			code = http.StatusBadGateway
		case jobs.ClassRateLimitExceeded:
			code = http.StatusTooManyRequests
		case jobs.ClassValidation:
			code = http.StatusBadRequest
		}
		return c.JSON(code, FailedJobResponse{
			Error:          failed.Job.Reason,
			Classification: failed.Job.Classification,
			Retryable:      class.Retryable(),
			Job:            failed.Job,
		})
	case errors.Is(err, backlog.ErrValidation), errors.Is(err, repoctx.ErrInvalidRepoURL):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, backlog.ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	logging.For(c.Request().Context(), s.logger).Error("request failed",
		zap.String("route", c.Path()),
		zap.Error(err),
	)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
