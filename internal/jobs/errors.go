package jobs

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/llm"
	"github.com/fyrsmithlabs/readyd/internal/repoctx"
	"github.com/fyrsmithlabs/readyd/internal/store"
)

// ErrValidation marks input rejected before any job is created.
var ErrValidation = backlog.ErrValidation

// Classification is the failure category stored on a failed job.
type Classification string

const (
	ClassNone                   Classification = ""
	ClassValidation             Classification = "validation_error"
	ClassProviderUnavailable    Classification = "provider_unavailable"
	ClassProviderTransient      Classification = "provider_transient_error"
	ClassRateLimitExceeded      Classification = "rate_limit_exceeded"
	ClassRepoContextUnavailable Classification = "repo_context_unavailable"
	ClassInternal               Classification = "internal_error"
)

// Retryable reports whether a new request may succeed without a
// configuration change.
func (c Classification) Retryable() bool {
	switch c {
	case ClassProviderTransient, ClassRateLimitExceeded, ClassInternal:
		return true
	}
	return false
}

// Classify maps an error from a job run into the failure taxonomy.
func Classify(err error) Classification {
	if err == nil {
		return ClassNone
	}
	var perr *llm.ProviderError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, repoctx.ErrInvalidRepoURL):
		return ClassValidation
	case errors.Is(err, llm.ErrNoProviderConfigured):
		return ClassProviderUnavailable
	case errors.As(err, &perr) && !errors.Is(err, llm.ErrTransient):
		// Rejected credentials need configuration, not a retry.
		return ClassProviderUnavailable
	case errors.Is(err, llm.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassProviderTransient
	case errors.Is(err, repoctx.ErrRateLimited):
		return ClassRateLimitExceeded
	case errors.Is(err, store.ErrNotFound):
		return ClassValidation
	}
	return ClassInternal
}

// Reason is the human-readable text stored with a classification.
func Reason(c Classification, err error) string {
	switch c {
	case ClassProviderUnavailable:
		if errors.Is(err, llm.ErrNoProviderConfigured) {
			return "no language model provider is configured; set an API key for anthropic or openai"
		}
		return "the language model provider rejected the request; check the configured API key"
	case ClassProviderTransient:
		return "language model providers failed or timed out: " + err.Error()
	}
	return err.Error()
}
