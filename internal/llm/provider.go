package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/readiness"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
)

var (
	// ErrNoProviderConfigured means no provider has credentials.
	ErrNoProviderConfigured = errors.New("no language model provider configured")
	// ErrMalformedResponse means the answer failed to parse or validate.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrTransient matches any ProviderError worth failing over or retrying
	// later.
	ErrTransient = errors.New("transient provider failure")
)

// ProviderError is a failed call to one provider.
type ProviderError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransient) match transient failures.
func (e *ProviderError) Is(target error) bool {
	return target == ErrTransient && e.Transient
}

// statusTransient reports whether an HTTP status is worth a fail-over.
// Authentication and request errors are configuration problems.
func statusTransient(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// TaskContext is what a provider sees when reviewing one task.
type TaskContext struct {
	Story  backlog.Story
	Task   backlog.Task
	Report readiness.Report
}

// SuggestContext is what a provider sees when proposing tasks.
type SuggestContext struct {
	Story         backlog.Story
	ExistingTasks []backlog.Task
	Repo          repoctx.Structure
	Hits          []repoctx.SearchHit
	Max           int
}

// Provider is the language model port.
type Provider interface {
	Name() string
	AnalyzeTask(ctx context.Context, in TaskContext) (*AnalysisReview, error)
	SuggestTasks(ctx context.Context, in SuggestContext) (*SuggestionBatch, error)
}

// Completer sends one system+user prompt pair and returns the text answer.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

type completionProvider struct {
	c Completer
}

// NewProvider adapts a Completer into a Provider.
func NewProvider(c Completer) Provider {
	return &completionProvider{c: c}
}

func (p *completionProvider) Name() string { return p.c.Name() }

func (p *completionProvider) AnalyzeTask(ctx context.Context, in TaskContext) (*AnalysisReview, error) {
	text, err := p.c.Complete(ctx, reviewSystemPrompt, renderReviewPrompt(in))
	if err != nil {
		return nil, err
	}
	review, err := decodeReview(text)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Transient: true, Err: err}
	}
	review.Provider = p.Name()
	return review, nil
}

func (p *completionProvider) SuggestTasks(ctx context.Context, in SuggestContext) (*SuggestionBatch, error) {
	text, err := p.c.Complete(ctx, suggestSystemPrompt, renderSuggestPrompt(in))
	if err != nil {
		return nil, err
	}
	batch, err := decodeSuggestions(text)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Transient: true, Err: err}
	}
	batch.Provider = p.Name()
	return batch, nil
}
