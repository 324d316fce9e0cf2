package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("consensusd.provider")

// Defaults for the OpenRouter client.
const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "openai/gpt-4o-mini"
	DefaultTimeout     = 120 * time.Second
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = time.Second
	DefaultMaxTokens   = 4096

	// 60 requests per minute with bursts of 5.
	DefaultRateLimit = 1.0
	DefaultBurst     = 5
)

// Config configures an OpenRouter client.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxTokens   int

	// Referer and Title are sent as OpenRouter attribution headers.
	Referer string
	Title   string
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// OpenRouter is a Client for OpenRouter's OpenAI-compatible API.
type OpenRouter struct {
	cfg     Config
	limiter *rate.Limiter
	http    *http.Client
	logger  *zap.Logger

	mu     sync.Mutex
	models map[string]llms.Model
}

// NewOpenRouter creates a client. A nil logger disables logging.
func NewOpenRouter(cfg Config, logger *zap.Logger) (*OpenRouter, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenRouter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &statusTransport{base: http.DefaultTransport, referer: cfg.Referer, title: cfg.Title},
		},
		logger: logger.Named("provider"),
		models: make(map[string]llms.Model),
	}, nil
}

// model returns the langchaingo model bound to name, creating it once.
func (o *OpenRouter) model(name string) (llms.Model, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.models[name]; ok {
		return m, nil
	}
	m, err := openai.New(
		openai.WithBaseURL(o.cfg.BaseURL),
		openai.WithModel(name),
		openai.WithToken(o.cfg.APIKey),
		openai.WithHTTPClient(o.http),
	)
	if err != nil {
		return nil, fmt.Errorf("creating model client for %s: %w", name, err)
	}
	o.models[name] = m
	return m, nil
}

// Complete implements Client. Streaming requests are not retried once a
// chunk has been delivered.
func (o *OpenRouter) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = DefaultModel
	}
	ctx, span := tracer.Start(ctx, "provider.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.OnChunk != nil),
	)

	m, err := o.model(req.Model)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		resp, streamed, err := o.complete(ctx, m, req)
		if err == nil {
			span.SetAttributes(
				attribute.Int("tokens.prompt", resp.PromptTokens),
				attribute.Int("tokens.completion", resp.CompletionTokens),
			)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if streamed || !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "completion failed")
			return nil, err
		}
		o.logger.Warn("provider request failed, retrying",
			zap.String("model", req.Model),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	span.SetStatus(codes.Error, "retries exhausted")
	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

func (o *OpenRouter) complete(ctx context.Context, m llms.Model, req Request) (*Response, bool, error) {
	var msgs []llms.MessageContent
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.cfg.MaxTokens
	}
	opts := []llms.CallOption{
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(maxTokens),
	}

	streamed := false
	if req.OnChunk != nil {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = true
			return req.OnChunk(ctx, string(chunk))
		}))
	}

	status := &attemptStatus{}
	start := time.Now()
	out, err := m.GenerateContent(withAttemptStatus(ctx, status), msgs, opts...)
	if err != nil {
		return nil, streamed, classify(err, status)
	}
	if out == nil || len(out.Choices) == 0 {
		return nil, streamed, ErrEmptyResponse
	}

	choice := out.Choices[0]
	resp := &Response{
		Model:    req.Model,
		Text:     choice.Content,
		Duration: time.Since(start),
	}
	resp.PromptTokens = intInfo(choice.GenerationInfo, "PromptTokens")
	resp.CompletionTokens = intInfo(choice.GenerationInfo, "CompletionTokens")
	if resp.PromptTokens == 0 && resp.CompletionTokens == 0 {
		resp.PromptTokens = EstimateTokens(req.System) + EstimateTokens(req.Prompt)
		resp.CompletionTokens = EstimateTokens(resp.Text)
		resp.Estimated = true
	}
	return resp, streamed, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// StatusError is a non-success HTTP status from the provider.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// retryableError marks transient failures.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// classify maps the status observed by the transport onto err.
func classify(err error, status *attemptStatus) error {
	code, transportErr := status.get()
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return &retryableError{err: &StatusError{Code: code, Err: err}}
	case code >= 400:
		return &StatusError{Code: code, Err: err}
	case transportErr:
		return &retryableError{err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &retryableError{err: err}
	}
	return err
}

type attemptStatusKey struct{}

// attemptStatus records what the transport saw during one attempt.
type attemptStatus struct {
	mu           sync.Mutex
	code         int
	transportErr bool
}

func (s *attemptStatus) set(code int, transportErr bool) {
	s.mu.Lock()
	s.code, s.transportErr = code, transportErr
	s.mu.Unlock()
}

func (s *attemptStatus) get() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.transportErr
}

func withAttemptStatus(ctx context.Context, s *attemptStatus) context.Context {
	return context.WithValue(ctx, attemptStatusKey{}, s)
}

// statusTransport adds attribution headers and reports the response status
// to the attempt in the request context.
type statusTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer != "" || t.title != "" {
		req = req.Clone(req.Context())
		if t.referer != "" {
			req.Header.Set("HTTP-Referer", t.referer)
		}
		if t.title != "" {
			req.Header.Set("X-Title", t.title)
		}
	}
	status, _ := req.Context().Value(attemptStatusKey{}).(*attemptStatus)

	resp, err := t.base.RoundTrip(req)
	if status != nil {
		if err != nil {
			status.set(0, req.Context().Err() == nil)
		} else {
			status.set(resp.StatusCode, false)
		}
	}
	return resp, err
}

var _ Client = (*OpenRouter)(nil)
