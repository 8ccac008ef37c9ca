package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
	"github.com/fyrsmithlabs/readyd/internal/secrets"
)

// Chain is a fail-over Provider: primary first, then the secondary once.
type Chain struct {
	providers []Provider
	scrubber  secrets.Scrubber
	timeout   time.Duration
	logger    *zap.Logger
}

var _ Provider = (*Chain)(nil)

// NewChain builds a chain from the given providers in priority order. Nil
// providers are skipped, so a chain of none is valid and reports
// ErrNoProviderConfigured. Only the first two providers are used.
func NewChain(scrubber secrets.Scrubber, timeout time.Duration, logger *zap.Logger, providers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scrubber == nil {
		scrubber = secrets.Nop{}
	}
	c := &Chain{scrubber: scrubber, timeout: timeout, logger: logger}
	for _, p := range providers {
		if p != nil && len(c.providers) < 2 {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// Name implements Provider.
func (c *Chain) Name() string {
	if len(c.providers) == 0 {
		return "none"
	}
	return c.providers[0].Name()
}

// Configured reports whether at least one provider is available.
func (c *Chain) Configured() bool { return len(c.providers) > 0 }

// AnalyzeTask implements Provider.
func (c *Chain) AnalyzeTask(ctx context.Context, in TaskContext) (*AnalysisReview, error) {
	in.Story = c.scrubStory(in.Story)
	in.Task = c.scrubTask(in.Task)
	return failover(ctx, c, "analyze_task", func(ctx context.Context, p Provider) (*AnalysisReview, error) {
		return p.AnalyzeTask(ctx, in)
	})
}

// SuggestTasks implements Provider.
func (c *Chain) SuggestTasks(ctx context.Context, in SuggestContext) (*SuggestionBatch, error) {
	in.Story = c.scrubStory(in.Story)
	tasks := make([]backlog.Task, len(in.ExistingTasks))
	for i, t := range in.ExistingTasks {
		tasks[i] = c.scrubTask(t)
	}
	in.ExistingTasks = tasks
	hits := make([]repoctx.SearchHit, len(in.Hits))
	for i, h := range in.Hits {
		hits[i] = repoctx.SearchHit{Path: h.Path, Snippet: c.scrub(h.Snippet)}
	}
	in.Hits = hits
	return failover(ctx, c, "suggest_tasks", func(ctx context.Context, p Provider) (*SuggestionBatch, error) {
		return p.SuggestTasks(ctx, in)
	})
}

func failover[T any](ctx context.Context, c *Chain, op string, call func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	if len(c.providers) == 0 {
		return zero, ErrNoProviderConfigured
	}

	var errs []error
	for i, p := range c.providers {
		out, err := callOne(ctx, c.timeout, p, call)
		if err == nil {
			if i > 0 {
				c.logger.Info("secondary provider served request",
					zap.String("op", op),
					zap.String("provider", p.Name()),
				)
			}
			return out, nil
		}
		c.logger.Warn("provider call failed",
			zap.String("op", op),
			zap.String("provider", p.Name()),
			zap.Bool("transient", errors.Is(err, ErrTransient)),
			zap.Error(err),
		)
		errs = append(errs, err)
		if !errors.Is(err, ErrTransient) {
			// Rejected credentials or requests fail the same way everywhere.
			return zero, fmt.Errorf("%s: provider %s failed: %w", op, p.Name(), errors.Join(errs...))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return zero, fmt.Errorf("%s: all providers failed: %w", op, errors.Join(errs...))
}

// callOne bounds one provider call and normalizes a deadline into a
// transient ProviderError.
func callOne[T any](ctx context.Context, timeout time.Duration, p Provider, call func(context.Context, Provider) (T, error)) (T, error) {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := call(cctx, p)
	if err == nil {
		return out, nil
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		err = &ProviderError{Provider: p.Name(), Transient: true, Err: err}
	}
	return out, err
}

func (c *Chain) scrub(text string) string {
	res := c.scrubber.Scrub(text)
	if res.Redacted > 0 {
		c.logger.Debug("redacted secrets before provider call",
			zap.Int("count", res.Redacted),
			zap.Strings("rules", res.RuleIDs),
		)
	}
	return res.Text
}

func (c *Chain) scrubStory(s backlog.Story) backlog.Story {
	s.Title = c.scrub(s.Title)
	s.Description = c.scrub(s.Description)
	acs := make([]backlog.AcceptanceCriterion, len(s.AcceptanceCriteria))
	for i, ac := range s.AcceptanceCriteria {
		acs[i] = backlog.AcceptanceCriterion{ID: ac.ID, Text: c.scrub(ac.Text)}
	}
	s.AcceptanceCriteria = acs
	return s
}

func (c *Chain) scrubTask(t backlog.Task) backlog.Task {
	t.Title = c.scrub(t.Title)
	t.Description = c.scrub(t.Description)
	return t
}
