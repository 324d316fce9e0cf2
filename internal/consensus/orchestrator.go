package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/logging"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/pool"
	"github.com/fyrsmithlabs/consensusd/internal/provider"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultStageTimeout bounds a single stage's model call.
const DefaultStageTimeout = 3 * time.Minute

// Config tunes the orchestrator.
type Config struct {
	// StageTimeout bounds each stage; zero disables the bound.
	StageTimeout time.Duration `koanf:"stage_timeout" json:"stage_timeout"`
	// MaxTokens applies to stages whose profile sets no limit.
	MaxTokens int `koanf:"max_tokens" json:"max_tokens"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		StageTimeout: DefaultStageTimeout,
		MaxTokens:    provider.DefaultMaxTokens,
	}
}

// Decider decides whether a proposed operation may run without
// confirmation. It never executes anything.
type Decider interface {
	ShouldAutoExecute(ctx context.Context, op operation.FileOperation, octx operation.Context, mode operation.Mode) (bool, *operation.Analysis)
}

// Orchestrator runs the generator, refiner, validator and curator stages in
// order for each request. It is safe for concurrent runs.
type Orchestrator struct {
	client    provider.Client
	profiles  *Registry
	pricing   *provider.Pricing
	decider   Decider
	pools     *pool.Set
	callbacks Callbacks
	cfg       Config
	logger    *zap.Logger
	metrics   *Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPricing sets the table used for stage costs.
func WithPricing(p *provider.Pricing) Option {
	return func(o *Orchestrator) { o.pricing = p }
}

// WithDecider hands curator operations to d.
func WithDecider(d Decider) Option {
	return func(o *Orchestrator) { o.decider = d }
}

// WithPools shares pools with other components.
func WithPools(p *pool.Set) Option {
	return func(o *Orchestrator) { o.pools = p }
}

// WithCallbacks receives progress for every run, before per-request
// callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(o *Orchestrator) { o.callbacks = cb }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l.Named("consensus")
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator.
func New(client provider.Client, profiles *Registry, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if profiles == nil {
		return nil, ErrNoProfiles
	}

	o := &Orchestrator{
		client:   client,
		profiles: profiles,
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pricing == nil {
		o.pricing = provider.DefaultPricing()
	}
	if o.pools == nil {
		o.pools = pool.NewSet(pool.DefaultSetConfig())
	}
	return o, nil
}

// Profiles returns the registry runs resolve profiles from.
func (o *Orchestrator) Profiles() *Registry {
	return o.profiles
}

// run is the mutable state of one request.
type run struct {
	req     Request
	profile Profile
	token   *cancel.Token
	cbs     Callbacks
	result  *RunResult
	start   time.Time
}

func (r *run) transition(to RunState) error {
	from := r.result.State
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.result.State = to
	r.cbs.OnStateChange(r.result.ID, from, to)
	return nil
}

// Run executes every stage for req. A nil token is replaced by a fresh one.
//
// The returned result is non-nil whenever the request was valid: a failed run
// returns it with a *StageError, and a cancelled run returns it with an error
// matching cancel.ErrCancelled. Neither carries curator output.
func (o *Orchestrator) Run(ctx context.Context, req Request, token *cancel.Token) (*RunResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	profile, err := o.profiles.Get(req.Profile)
	if err != nil {
		return nil, err
	}
	if token == nil {
		token = cancel.New()
	}

	r := &run{
		req:     req,
		profile: profile,
		token:   token,
		cbs:     Chain(o.callbacks, req.Callbacks),
		start:   time.Now(),
		result: &RunResult{
			ID:      uuid.New().String(),
			Profile: profile.Name,
			Query:   req.Query,
			State:   StateInitializing,
		},
	}
	r.result.StartedAt = r.start

	ctx, stop := token.WithContext(ctx)
	defer stop()
	ctx = logging.WithRun(ctx, &logging.Run{ID: r.result.ID, Profile: profile.Name})
	if req.SessionID != "" && logging.ValidID(req.SessionID) {
		ctx = logging.WithSessionID(ctx, req.SessionID)
	}

	ctx, span := tracer.Start(ctx, "consensus.Run", trace.WithAttributes(
		attribute.String("run.id", r.result.ID),
		attribute.String("profile", profile.Name),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()

	o.metrics.runStarted()
	defer o.metrics.runFinished()

	o.logger.Info("consensus run started", append(logging.ContextFields(ctx),
		zap.String("scope", string(DetectScope(req.Query))),
		zap.Bool("stream", req.Stream),
	)...)

	previous := ""
	for _, stage := range Stages() {
		if err := o.checkCancelled(ctx, token); err != nil {
			return o.cancelled(ctx, r, err)
		}
		if err := r.transition(stage.State()); err != nil {
			return o.failed(ctx, r, stage, err)
		}

		res, err := o.runStage(ctx, r, stage, previous)
		if err != nil {
			if cerr := o.checkCancelled(ctx, token); cerr != nil {
				return o.cancelled(ctx, r, cerr)
			}
			return o.failed(ctx, r, stage, err)
		}

		r.result.add(*res)
		o.metrics.RecordStage(*res)
		r.cbs.OnStageComplete(r.result.ID, stage, *res)
		previous = res.Text
	}

	r.result.FinalText = previous
	o.decide(ctx, r)

	if err := r.transition(StateCompleted); err != nil {
		return o.failed(ctx, r, StageCurator, err)
	}
	r.result.Success = true
	o.finish(r)

	span.SetAttributes(
		attribute.Int("operations", len(r.result.Operations)),
		attribute.Float64("cost", r.result.TotalCost),
		attribute.Int("tokens", r.result.TotalTokens),
	)
	o.logger.Info("consensus run completed", append(logging.ContextFields(ctx),
		zap.Duration("duration", r.result.TotalDuration),
		zap.Float64("cost", r.result.TotalCost),
		zap.Int("tokens", r.result.TotalTokens),
		zap.Int("operations", len(r.result.Operations)),
	)...)
	r.cbs.OnCompleted(r.result)
	return r.result, nil
}

// checkCancelled returns the token's error once the token or the caller's
// context is done. A done context cancels the token so that every observer
// sees one reason.
func (o *Orchestrator) checkCancelled(ctx context.Context, token *cancel.Token) error {
	if err := token.ThrowIfCancelled(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		reason := cancel.ReasonUserRequested
		if errors.Is(err, context.DeadlineExceeded) {
			reason = cancel.ReasonTimeout
		}
		token.Cancel(reason)
		return token.Err()
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, stage Stage, previous string) (*StageResult, error) {
	sc := r.profile.For(stage)
	ctx, span := tracer.Start(ctx, "consensus.stage", trace.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("model", sc.Model),
	))
	defer span.End()

	r.cbs.OnStageStart(r.result.ID, stage, sc.Model)

	system, user := o.render(prompt{stage: stage, query: r.req.Query, context: r.req.Context, previous: previous})

	maxTokens := sc.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.cfg.MaxTokens
	}
	preq := provider.Request{
		Model:       sc.Model,
		System:      system,
		Prompt:      user,
		Temperature: sc.Temperature,
		MaxTokens:   maxTokens,
	}

	var streamed *bytes.Buffer
	if r.req.Stream {
		h := o.pools.Buffers.Acquire()
		defer h.Release()
		streamed = h.Value()
		index := 0
		preq.OnChunk = func(_ context.Context, chunk string) error {
			if err := r.token.ThrowIfCancelled(); err != nil {
				return err
			}
			streamed.WriteString(chunk)
			r.cbs.OnStageChunk(r.result.ID, stage, index, chunk)
			index++
			return nil
		}
	}

	stageCtx := ctx
	if o.cfg.StageTimeout > 0 {
		var cancelStage context.CancelFunc
		stageCtx, cancelStage = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancelStage()
	}

	start := time.Now()
	resp, err := o.client.Complete(stageCtx, preq)
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	text := resp.Text
	if text == "" && streamed != nil {
		text = streamed.String()
	}
	if strings.TrimSpace(text) == "" {
		span.SetStatus(codes.Error, provider.ErrEmptyResponse.Error())
		return nil, provider.ErrEmptyResponse
	}

	model := resp.Model
	if model == "" {
		model = sc.Model
	}
	promptTokens, completionTokens, estimated := resp.PromptTokens, resp.CompletionTokens, resp.Estimated
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = provider.EstimateTokens(system) + provider.EstimateTokens(user)
		completionTokens = provider.EstimateTokens(text)
		estimated = true
	}

	res := &StageResult{
		Stage:            stage,
		Model:            model,
		Text:             text,
		Quality:          EstimateQuality(text),
		Duration:         duration,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Tokens:           promptTokens + completionTokens,
		Cost:             o.pricing.Cost(model, promptTokens, completionTokens),
		Estimated:        estimated,
		CompletedAt:      time.Now(),
	}
	span.SetAttributes(
		attribute.Int("tokens", res.Tokens),
		attribute.Float64("cost", res.Cost),
		attribute.Float64("quality", res.Quality),
	)
	o.logger.Debug("stage completed", append(logging.ContextFields(ctx),
		zap.String("stage", string(stage)),
		zap.String("model", model),
		zap.Duration("duration", duration),
		zap.Int("tokens", res.Tokens),
		zap.Bool("estimated", estimated),
	)...)
	return res, nil
}

// render builds the system and user prompts of one stage.
func (o *Orchestrator) render(p prompt) (system, user string) {
	h := o.pools.Strings.Acquire()
	defer h.Release()
	b := h.Value()

	p.writeSystem(b)
	system = b.String()
	b.Reset()
	p.writeUser(b)
	user = b.String()
	return system, user
}

// decide parses curator operations and asks the decider about each one.
func (o *Orchestrator) decide(ctx context.Context, r *run) {
	parsed := operation.ParseCuratorOutput(r.result.FinalText)
	r.result.Operations = parsed
	if o.decider == nil || len(parsed) == 0 {
		return
	}

	octx := operation.Context{UserQuestion: r.req.Query, SessionID: r.req.SessionID}
	if r.req.Operation != nil {
		octx = *r.req.Operation
		if octx.UserQuestion == "" {
			octx.UserQuestion = r.req.Query
		}
		if octx.SessionID == "" {
			octx.SessionID = r.req.SessionID
		}
	}

	for _, p := range parsed {
		ok, a := o.decider.ShouldAutoExecute(ctx, p.Operation, octx, r.req.Mode)
		r.result.Decisions = append(r.result.Decisions, Decision{
			Operation:   p.Operation,
			Confidence:  p.Confidence,
			AutoExecute: ok,
			Analysis:    a,
		})
	}
}

func (o *Orchestrator) failed(ctx context.Context, r *run, stage Stage, err error) (*RunResult, error) {
	serr := &StageError{Stage: stage, Err: err}
	r.cbs.OnError(r.result.ID, stage, serr)
	_ = r.transition(StateFailed)
	r.result.Error = serr.Error()
	o.metrics.RecordStageError(stage)
	o.finish(r)

	span := trace.SpanFromContext(ctx)
	span.RecordError(serr)
	span.SetStatus(codes.Error, serr.Error())
	o.logger.Error("consensus run failed", append(logging.ContextFields(ctx),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)...)
	return r.result, serr
}

func (o *Orchestrator) cancelled(ctx context.Context, r *run, err error) (*RunResult, error) {
	reason := r.token.Reason()
	r.cbs.OnCancelled(r.result.ID, reason)
	_ = r.transition(StateCancelled)
	r.result.Error = err.Error()
	o.finish(r)

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("cancel.reason", reason.String()))
	o.logger.Info("consensus run cancelled", append(logging.ContextFields(ctx),
		zap.String("reason", reason.String()),
		zap.Int("completed_stages", len(r.result.Stages)),
	)...)
	return r.result, err
}

func (o *Orchestrator) finish(r *run) {
	r.result.CompletedAt = time.Now()
	r.result.TotalDuration = r.result.CompletedAt.Sub(r.start)
	o.metrics.RecordRun(r.result)
}
