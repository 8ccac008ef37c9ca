// Package llm is the language model port used for task review and task
// suggestion.
//
// A Completer talks to one vendor API and returns raw text. NewProvider
// turns a Completer into a Provider that renders prompts, extracts the JSON
// answer and validates it against the response schema. Chain puts a primary
// and an optional secondary Provider behind one Provider: it scrubs secrets
// from the request, bounds each call with a timeout, and on any primary
// failure tries the secondary exactly once.
//
// A structurally invalid answer is a provider failure like a timeout or a
// 5xx. With no provider configured every call returns
// ErrNoProviderConfigured, which callers must not treat as transient.
package llm
