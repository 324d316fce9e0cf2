// Package engine builds every consensusd component from configuration and
// owns their lifetimes. The HTTP server and the CLI both drive the daemon
// through an Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/config"
	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/events"
	"github.com/fyrsmithlabs/consensusd/internal/history"
	"github.com/fyrsmithlabs/consensusd/internal/intelligence"
	"github.com/fyrsmithlabs/consensusd/internal/knowledge"
	"github.com/fyrsmithlabs/consensusd/internal/logging"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/fyrsmithlabs/consensusd/internal/parallel"
	"github.com/fyrsmithlabs/consensusd/internal/pool"
	"github.com/fyrsmithlabs/consensusd/internal/provider"
	"github.com/fyrsmithlabs/consensusd/internal/telemetry"
	"github.com/fyrsmithlabs/consensusd/internal/vcs"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// indexTimeout bounds indexing a completed run into the knowledge index.
const indexTimeout = 10 * time.Second

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("engine is closed")

// Engine is the composition root of the daemon.
type Engine struct {
	Config       *config.Config
	Logger       *logging.Logger
	Telemetry    *telemetry.Telemetry
	Pools        *pool.Set
	Pricing      *provider.Pricing
	Profiles     *consensus.Registry
	Orchestrator *consensus.Orchestrator
	Intelligence *intelligence.Coordinator
	History      history.Store
	Knowledge    *knowledge.Index
	Parallel     *parallel.Coordinator
	// Events is nil when event publishing is disabled.
	Events *events.Publisher

	version string
	watcher *consensus.ProfileWatcher
	nc      *nats.Conn
	closers []func() error
	closed  atomic.Bool
}

// Option customises New.
type Option func(*options)

type options struct {
	client    provider.Client
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	version   string
}

// WithClient replaces the OpenRouter client.
func WithClient(c provider.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry replaces the providers built from the telemetry section.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithVersion sets the version reported by telemetry and health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds an Engine. Components that fail to start are closed before New
// returns the error.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{Config: cfg, version: o.version}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if err := e.initObservability(ctx, o); err != nil {
		return nil, err
	}
	if err := e.initStores(); err != nil {
		return nil, err
	}
	if err := e.initEvents(); err != nil {
		return nil, err
	}
	if err := e.initIntelligence(); err != nil {
		return nil, err
	}
	if err := e.initPipeline(ctx, o.client); err != nil {
		return nil, err
	}

	e.Logger.Info(ctx, "engine ready",
		zap.String("version", e.version),
		zap.String("history_backend", cfg.History.Backend),
		zap.Strings("profiles", e.Profiles.Names()),
		zap.Bool("events", e.Events != nil),
		zap.Bool("telemetry", e.Telemetry.IsEnabled()))
	return e, nil
}

func (e *Engine) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

func (e *Engine) zapLogger() *zap.Logger {
	return e.Logger.Zap()
}

func (e *Engine) initObservability(ctx context.Context, o options) error {
	tel := o.telemetry
	if tel == nil {
		var err error
		tel, err = telemetry.New(ctx, telemetry.FromSettings(e.Config.Telemetry, e.version))
		if err != nil {
			return err
		}
		e.onClose(func() error { return tel.Shutdown(context.Background()) })
	}
	e.Telemetry = tel

	logger := o.logger
	if logger == nil {
		lcfg, err := logging.FromSettings(e.Config.Logging, tel.IsEnabled())
		if err != nil {
			return err
		}
		logger, err = logging.NewLogger(lcfg, tel.LoggerProvider())
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
	}
	e.Logger = logger
	e.onClose(func() error { return logger.Sync() })

	for _, f := range tel.Health().Failures {
		logger.Warn(ctx, "telemetry degraded", zap.String("failure", f))
	}
	return nil
}

func (e *Engine) initStores() error {
	cfg := e.Config
	p := cfg.Pool
	e.Pools = pool.NewSet(pool.SetConfig{
		Tokens:  pool.Config{Initial: p.TokensInitial, Max: p.TokensMax},
		Buffers: pool.Config{Initial: p.BuffersInitial, Max: p.BuffersMax},
		Strings: pool.Config{Initial: p.StringsInitial, Max: p.StringsMax},
	})
	e.Pricing = provider.DefaultPricing()

	switch cfg.History.Backend {
	case config.HistoryMemory:
		e.History = history.NewMemoryStore()
	default:
		path, err := config.ExpandPath(cfg.History.Path)
		if err != nil {
			return err
		}
		store, err := history.NewSQLiteStore(history.SQLiteConfig{
			Path:     path,
			StatsTTL: cfg.History.StatsTTL.Duration(),
		}, e.zapLogger())
		if err != nil {
			return err
		}
		e.History = store
	}
	e.onClose(e.History.Close)

	kb, err := knowledge.New(knowledge.Config{
		Collection:  cfg.Knowledge.Collection,
		PersistPath: cfg.Knowledge.PersistPath,
		Compress:    cfg.Knowledge.Compress,
		Dimensions:  cfg.Knowledge.Dimensions,
	}, e.zapLogger())
	if err != nil {
		return err
	}
	e.Knowledge = kb
	return nil
}

func (e *Engine) initEvents() error {
	ec := e.Config.Events
	if !ec.Enabled() {
		return nil
	}
	nc, err := events.Connect(ec.URL, "consensusd", e.zapLogger())
	if err != nil {
		return err
	}
	e.nc = nc
	e.onClose(func() error {
		if e.Events != nil {
			_ = e.Events.Flush(time.Second)
		}
		nc.Close()
		return nil
	})

	pub, err := events.NewPublisher(nc, ec.SubjectPrefix,
		events.WithChunks(ec.PublishChunks),
		events.WithLogger(e.zapLogger()))
	if err != nil {
		return err
	}
	e.Events = pub
	return nil
}

func (e *Engine) initIntelligence() error {
	cfg := e.Config

	detector, err := newSecretScanner(cfg.Secrets.AllowlistPath)
	if err != nil {
		return err
	}
	suite := intelligence.NewSuite(e.Knowledge, detector)

	pm := parallel.NewMetrics()
	pc := parallel.New(parallel.Config{
		MaxConcurrentTasks: cfg.Parallel.MaxConcurrentTasks,
		TaskTimeout:        cfg.Parallel.TaskTimeout.Duration(),
	}, suite.Analyzers(e.Knowledge), parallel.WithLogger(e.zapLogger()), parallel.WithMetrics(pm))
	e.Parallel = pc

	mode, err := operation.ParseMode(cfg.Intelligence.DefaultMode)
	if err != nil {
		return err
	}
	weights := intelligence.DefaultWeights()
	for name, w := range cfg.Intelligence.Weights {
		weights[operation.Producer(name)] = w
	}

	iopts := []intelligence.Option{intelligence.WithLogger(e.zapLogger())}
	if m, err := intelligence.NewMetrics(e.Telemetry.Meter("github.com/fyrsmithlabs/consensusd/internal/intelligence")); err != nil {
		e.Logger.Warn(context.Background(), "intelligence metrics unavailable", zap.Error(err))
	} else {
		iopts = append(iopts, intelligence.WithMetrics(m))
	}

	coord, err := intelligence.New(intelligence.Config{
		DefaultMode:     mode,
		Weights:         weights,
		CriticalPaths:   cfg.Intelligence.CriticalPaths,
		ProducerTimeout: cfg.Intelligence.ProducerTimeout.Duration(),
		SimilarLimit:    cfg.History.SimilarLimit,
		CacheSize:       cfg.Intelligence.CacheSize,
		CacheTTL:        cfg.Intelligence.CacheTTL.Duration(),
	}, intelligence.Deps{
		Producers: suite.Producers(),
		Parallel:  pc,
		Store:     e.History,
		Knowledge: e.Knowledge,
		Learner:   suite.Patterns,
	}, iopts...)
	if err != nil {
		return err
	}
	e.Intelligence = coord
	return nil
}

func (e *Engine) initPipeline(ctx context.Context, client provider.Client) error {
	cfg := e.Config

	if client == nil {
		or, err := provider.NewOpenRouter(provider.Config{
			BaseURL:    cfg.Provider.BaseURL,
			APIKey:     cfg.Provider.APIKey.Value(),
			Timeout:    cfg.Provider.Timeout.Duration(),
			RateLimit:  cfg.Provider.RateLimit,
			Burst:      cfg.Provider.Burst,
			MaxRetries: cfg.Provider.MaxRetries,
			MaxTokens:  cfg.Provider.MaxTokens,
			Referer:    cfg.Provider.Referer,
			Title:      cfg.Provider.Title,
		}, e.zapLogger())
		if err != nil {
			return err
		}
		client = or
	}

	metrics := consensus.NewMetrics()
	e.Profiles = consensus.NewRegistry(cfg.Pipeline.DefaultProfile, e.Pricing)
	if cfg.Pipeline.ProfilesFile != "" {
		path, err := config.ExpandPath(cfg.Pipeline.ProfilesFile)
		if err != nil {
			return err
		}
		w, err := consensus.NewProfileWatcher(e.Profiles, path, e.zapLogger())
		if err != nil {
			return err
		}
		w.SetMetrics(metrics)
		e.onClose(func() error { w.Stop(); return nil })
		if err := w.Start(ctx); err != nil {
			return err
		}
		e.watcher = w
	}
	if _, err := e.Profiles.Get(""); err != nil {
		return fmt.Errorf("%w: pipeline.default_profile: %w", config.ErrInvalidConfig, err)
	}

	callbacks := consensus.Callbacks{OnCompleted: e.indexRun}
	if e.Events != nil {
		callbacks = consensus.Chain(e.Events.Callbacks(), callbacks)
	}

	orch, err := consensus.New(client, e.Profiles,
		consensus.WithPricing(e.Pricing),
		consensus.WithDecider(&decider{engine: e}),
		consensus.WithPools(e.Pools),
		consensus.WithCallbacks(callbacks),
		consensus.WithConfig(consensus.Config{
			StageTimeout: cfg.Pipeline.StageTimeout.Duration(),
			MaxTokens:    cfg.Provider.MaxTokens,
		}),
		consensus.WithLogger(e.zapLogger()),
		consensus.WithMetrics(metrics))
	if err != nil {
		return err
	}
	e.Orchestrator = orch
	return nil
}

// indexRun stores the final answer of a successful run for later retrieval.
func (e *Engine) indexRun(res *consensus.RunResult) {
	if res == nil || !res.Success || res.FinalText == "" {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), indexTimeout)
	defer cancelFn()
	ctx = logging.WithRun(ctx, &logging.Run{ID: res.ID, Profile: res.Profile})
	if _, err := e.Knowledge.IndexOutput(ctx, res.FinalText, res.Query, res.ID); err != nil {
		e.Logger.Warn(ctx, "indexing run output failed", zap.Error(err))
	}
}

// Ask runs the consensus pipeline. The repository context of req, when set,
// is completed from its git checkout.
func (e *Engine) Ask(ctx context.Context, req consensus.Request, token *cancel.Token) (*consensus.RunResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if req.Operation != nil {
		enriched := vcs.Enrich(*req.Operation)
		req.Operation = &enriched
	}
	return e.Orchestrator.Run(ctx, req, token)
}

// Decide analyses a single operation. An empty mode selects the configured
// default.
func (e *Engine) Decide(ctx context.Context, op operation.FileOperation, octx operation.Context, mode string) (bool, *operation.Analysis, error) {
	if e.closed.Load() {
		return false, nil, ErrClosed
	}
	m := e.Intelligence.DefaultMode()
	if mode != "" {
		var err error
		if m, err = operation.ParseMode(mode); err != nil {
			return false, nil, err
		}
	}
	ok, a := e.decide(ctx, op, vcs.Enrich(octx), m)
	return ok, a, nil
}

func (e *Engine) decide(ctx context.Context, op operation.FileOperation, octx operation.Context, mode operation.Mode) (bool, *operation.Analysis) {
	ok, a := e.Intelligence.ShouldAutoExecute(ctx, op, octx, mode)
	if e.Events != nil {
		e.Events.Decision(a)
	}
	return ok, a
}

// RecordOutcome attaches the realised outcome of an executed operation.
func (e *Engine) RecordOutcome(ctx context.Context, id string, outcome operation.Outcome) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.Intelligence.RecordOutcomeByID(ctx, id, outcome); err != nil {
		return err
	}
	if e.Events != nil {
		e.Events.Outcome(id, outcome)
	}
	return nil
}

// AddFeedback attaches user feedback to an analysed operation.
func (e *Engine) AddFeedback(ctx context.Context, id string, satisfaction float64, helpful bool, comment string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.Intelligence.AddUserFeedback(ctx, id, satisfaction, helpful, comment)
}

// Statistics returns aggregate history statistics.
func (e *Engine) Statistics(ctx context.Context) (*history.Statistics, error) {
	return e.Intelligence.Statistics(ctx)
}

// Search returns history records matching f.
func (e *Engine) Search(ctx context.Context, f history.Filters) ([]*history.Record, error) {
	return e.Intelligence.Search(ctx, f)
}

// Version returns the version the engine was built with.
func (e *Engine) Version() string {
	return e.version
}

// Close releases every component in reverse construction order.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// decider publishes every curator decision the pipeline makes.
type decider struct {
	engine *Engine
}

func (d *decider) ShouldAutoExecute(ctx context.Context, op operation.FileOperation, octx operation.Context, mode operation.Mode) (bool, *operation.Analysis) {
	return d.engine.decide(ctx, op, octx, mode)
}
