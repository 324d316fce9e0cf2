// Package provider talks to the chat model behind each consensus stage.
//
// The production client targets OpenRouter's OpenAI-compatible API through
// langchaingo. Requests are rate limited and transient failures (429, 5xx,
// transport errors) are retried with exponential backoff.
package provider

import (
	"context"
	"errors"
	"time"
)

// Errors returned by clients.
var (
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("provider API key required")

	// ErrEmptyResponse is returned when the model produced no choice.
	ErrEmptyResponse = errors.New("empty response from provider")

	// ErrMaxRetries wraps the last error after retries are exhausted.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// ChunkFunc receives streamed text. Returning an error aborts the request.
type ChunkFunc func(ctx context.Context, chunk string) error

// Request is one chat completion.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int

	// OnChunk enables streaming when non-nil.
	OnChunk ChunkFunc
}

// Response is the completed text and its usage.
type Response struct {
	Model            string        `json:"model"`
	Text             string        `json:"text"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"duration"`

	// Estimated is true when the provider reported no usage and token
	// counts were approximated from text length.
	Estimated bool `json:"estimated"`
}

// TotalTokens returns prompt plus completion tokens.
func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Client completes chat requests.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
