// Package llm provides the text-completion capability used by postmortems and learning
// conversations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultModel = "gpt-4o-mini"

var ErrEmptyResponse = errors.New("llm returned no choices")

type Options struct {
	Temperature *float64
	MaxTokens   int
	// Timeout overrides the client default for one call.
	Timeout time.Duration
}

// Client generates a single completion from a system and user prompt.
type Client interface {
	GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error)
}

type OpenAIClient struct {
	tracer  trace.Tracer
	client  openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIClient(tracer trace.Tracer, apiKey, model string, timeout time.Duration, opts ...option.RequestOption) *OpenAIClient {
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIClient{
		tracer:  tracer,
		client:  openai.NewClient(reqOpts...),
		model:   model,
		timeout: timeout,
	}
}

func (c *OpenAIClient) GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	ctx, span := c.tracer.Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model))

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
