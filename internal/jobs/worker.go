package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/eventbus"
	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/store"
)

const queueSize = 256

const interruptedReason = "worker stopped before the job finished; submit a new request"

// Start joins the worker queue group and runs the worker pool until Stop.
// Jobs left requested by a previous process are enqueued again; jobs left
// processing are failed, since jobs never resume in place.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	if err := o.failInterrupted(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.queue = make(chan string, queueSize)

	sub, err := o.bus.QueueSubscribe(eventbus.SubjectJobRequested, eventbus.WorkerQueue, func(_ context.Context, msg eventbus.Message) {
		select {
		case o.queue <- string(msg.Data):
		case <-runCtx.Done():
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to job queue: %w", err)
	}
	o.sub = sub

	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.work(runCtx)
	}

	pending, err := o.store.ListJobsByStatus(ctx, store.JobRequested)
	if err != nil {
		o.logger.Warn("list requested jobs", zap.Error(err))
	}
	if len(pending) > 0 {
		o.logger.Info("re-enqueueing requested jobs", zap.Int("count", len(pending)))
		go func() {
			for _, j := range pending {
				select {
				case o.queue <- j.ID:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	o.started = true
	o.logger.Info("job workers started", zap.Int("workers", o.workers))
	return nil
}

func (o *Orchestrator) failInterrupted(ctx context.Context) error {
	stuck, err := o.store.ListJobsByStatus(ctx, store.JobProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}
	for _, j := range stuck {
		o.logger.Warn("failing interrupted job", zap.String("job_id", j.ID), zap.String("kind", j.Kind))
		o.fail(ctx, j, ClassInternal, interruptedReason)
	}
	return nil
}

// Stop stops accepting work and waits for running jobs to finish or ctx
// to expire.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	sub, cancel := o.sub, o.cancel
	o.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			o.logger.Warn("unsubscribe job queue", zap.Error(err))
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) work(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			// A started job runs to completion even while stopping.
			o.Process(context.WithoutCancel(ctx), id)
		}
	}
}

// Process claims and runs one job. Losing the claim to another worker is
// not an error.
func (o *Orchestrator) Process(ctx context.Context, jobID string) {
	job, err := o.store.JobByID(ctx, jobID)
	if err != nil {
		o.logger.Warn("unknown job on queue", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	ctx = logging.WithOrgID(ctx, job.OrgID)
	log := logging.For(ctx, o.logger).With(zap.String("job_id", job.ID), zap.String("kind", job.Kind))

	started := o.now().UTC()
	if err := o.store.ClaimJob(ctx, job.ID, started); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			log.Debug("job already claimed")
			return
		}
		log.Error("claim job", zap.Error(err))
		return
	}
	job.Status = store.JobProcessing
	job.UpdatedAt = started
	o.emit(ctx, job, EventJobProcessing, JobPayload{Job: job})

	ctx, span := o.tracer.Start(ctx, "jobs."+job.Kind,
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.kind", job.Kind),
			attribute.String("story.id", job.StoryID),
		))
	defer span.End()

	runErr := o.run(ctx, job)
	if runErr == nil {
		o.complete(ctx, job)
		o.metrics.recordFinished(ctx, job.Kind, ClassNone, o.now().Sub(started))
		log.Info("job completed")
		return
	}

	class := Classify(runErr)
	span.RecordError(runErr)
	span.SetStatus(codes.Error, string(class))
	o.fail(ctx, job, class, Reason(class, runErr))
	o.metrics.recordFinished(ctx, job.Kind, class, o.now().Sub(started))
	log.Warn("job failed", zap.String("classification", string(class)), zap.Error(runErr))
}

func (o *Orchestrator) run(ctx context.Context, job store.Job) error {
	switch job.Kind {
	case KindAnalyzeStory:
		_, err := o.runAnalyzeStory(ctx, job)
		return err
	case KindAnalyzeTask:
		_, err := o.runAnalyzeTask(ctx, job)
		return err
	case KindSuggestTasks:
		return o.runSuggest(ctx, job)
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

func (o *Orchestrator) complete(ctx context.Context, job store.Job) {
	at := o.now().UTC()
	if err := o.store.FinishJob(ctx, job.ID, store.JobCompleted, "", "", at); err != nil {
		o.logger.Error("finish job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Status = store.JobCompleted
	job.UpdatedAt = at
	o.emit(ctx, job, EventJobCompleted, JobPayload{Job: job})
}

func (o *Orchestrator) fail(ctx context.Context, job store.Job, class Classification, reason string) {
	at := o.now().UTC()
	if err := o.store.FinishJob(ctx, job.ID, store.JobFailed, string(class), reason, at); err != nil {
		o.logger.Error("finish job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Status = store.JobFailed
	job.Classification = string(class)
	job.Reason = reason
	job.UpdatedAt = at
	o.emit(ctx, job, EventJobFailed, JobPayload{Job: job, Classification: class, Reason: reason})
}
