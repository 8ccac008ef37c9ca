package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/eventbus"
	"github.com/fyrsmithlabs/readyd/internal/jobs"
	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/store"
)

// handleJobEvents streams a job's events as Server-Sent Events.
//
// Stored events are replayed first, then live events relayed by the bus.
// The stream ends after job.completed or job.failed, or when the client
// disconnects.
//
//	GET /api/v1/jobs/{job_id}/events
//
//	id: 3
//	event: job.processing
//	data: {"seq":3,"id":"...","job_id":"...","type":"job.processing","payload":{...}}
func (s *Server) handleJobEvents(c echo.Context) error {
	ctx := c.Request().Context()
	org, jobID := orgID(c), c.Param("job_id")

	if _, err := s.svc.Job(ctx, org, jobID); err != nil {
		return s.respondError(c, err)
	}

	// Subscribe before reading the log so nothing falls in between.
	live := make(chan eventbus.Message, 64)
	if s.config.Bus != nil {
		sub, err := s.config.Bus.Subscribe(eventbus.JobEventsFilter(org, jobID), func(_ context.Context, msg eventbus.Message) {
			select {
			case live <- msg:
			case <-ctx.Done():
			}
		})
		if err != nil {
			return s.respondError(c, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	stored, err := s.svc.JobEvents(ctx, org, jobID)
	if err != nil {
		return s.respondError(c, err)
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	var last int64
	for _, ev := range stored {
		if err := writeEvent(c, ev); err != nil {
			return nil
		}
		last = ev.Seq
		if terminalEvent(ev.Type) {
			return nil
		}
	}
	if s.config.Bus == nil {
		return nil
	}

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-live:
			var ev store.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				logging.For(ctx, s.logger).Warn("dropping undecodable job event",
					zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			if ev.Seq <= last {
				continue
			}
			if err := writeEvent(c, ev); err != nil {
				return nil
			}
			last = ev.Seq
			if terminalEvent(ev.Type) {
				return nil
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()

		case <-ctx.Done():
			return nil
		}
	}
}

func writeEvent(c echo.Context, ev store.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func terminalEvent(typ string) bool {
	return typ == jobs.EventJobCompleted || typ == jobs.EventJobFailed
}
