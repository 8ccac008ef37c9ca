package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAICompleter calls an OpenAI-compatible chat completions API.
type OpenAICompleter struct {
	llm *openai.LLM
}

// NewOpenAICompleter creates a completer. baseURL may point at any
// OpenAI-compatible server and must include the version path, e.g. /v1.
func NewOpenAICompleter(apiKey, model, baseURL string) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAICompleter{llm: client}, nil
}

// Name implements Completer.
func (o *OpenAICompleter) Name() string { return "openai" }

// Complete implements Completer.
func (o *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}
	resp, err := o.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(0.2),
		llms.WithMaxTokens(defaultMaxTokens),
	)
	if err != nil {
		status := statusFromError(err)
		transient := status == 0 || statusTransient(status)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			transient = true
		}
		return "", &ProviderError{Provider: o.Name(), Status: status, Transient: transient, Err: err}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", &ProviderError{Provider: o.Name(), Transient: true, Err: fmt.Errorf("%w: no choices", ErrMalformedResponse)}
	}
	return resp.Choices[0].Content, nil
}

var statusPattern = regexp.MustCompile(`status code:? (\d{3})`)

// statusFromError recovers the HTTP status from the client's error text.
func statusFromError(err error) int {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
