// Package parallel runs independent analysis tasks with bounded
// concurrency and per-task timeouts.
//
// Failures are logged and counted rather than returned. Quality analysis is
// the exception: when its parallel attempt fails it is re-run synchronously
// before the result is assembled.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("consensusd.parallel")

// Task names used in logs, metrics and failures.
const (
	TaskPatterns  = "pattern_recognition"
	TaskQuality   = "quality_analysis"
	TaskSynthesis = "synthesis"
	TaskIndex     = "knowledge_indexing"
)

// Defaults.
const (
	DefaultMaxConcurrentTasks = 4
	DefaultTaskTimeout        = 30 * time.Second
)

// ErrTaskTimeout marks a task that exceeded the task timeout.
var ErrTaskTimeout = errors.New("task timed out")

// ErrTaskPanic marks a task whose analyzer panicked.
var ErrTaskPanic = errors.New("task panicked")

// guard runs fn and converts a panic into an ErrTaskPanic error.
func guard[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return fn(ctx)
}

// PatternRecognizer produces a pattern report for an operation.
type PatternRecognizer interface {
	RecognizePatterns(ctx context.Context, op operation.FileOperation, octx operation.Context) (*operation.PatternReport, error)
}

// QualityAnalyzer produces a quality report for an operation.
type QualityAnalyzer interface {
	AnalyzeQuality(ctx context.Context, op operation.FileOperation, octx operation.Context) (*operation.QualityReport, error)
}

// Synthesizer combines pattern and quality reports. quality may be nil.
type Synthesizer interface {
	Synthesize(ctx context.Context, op operation.FileOperation, patterns *operation.PatternReport, quality *operation.QualityReport) (*operation.Synthesis, error)
}

// Indexer stores curator outputs for batch processing.
type Indexer interface {
	IndexOutput(ctx context.Context, output, question, conversationID string) (*operation.IndexedKnowledge, error)
}

// Analyzers are the task implementations. A nil analyzer disables its task.
type Analyzers struct {
	Patterns  PatternRecognizer
	Quality   QualityAnalyzer
	Synthesis Synthesizer
	Indexer   Indexer
}

// Config bounds the coordinator.
type Config struct {
	MaxConcurrentTasks int           `koanf:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `koanf:"task_timeout" json:"task_timeout"`
}

// Options selects the tasks ProcessParallel runs.
type Options struct {
	Patterns  bool
	Quality   bool
	Synthesis bool
}

// AllTasks enables every analysis task.
func AllTasks() Options {
	return Options{Patterns: true, Quality: true, Synthesis: true}
}

// Input is the operation under analysis.
type Input struct {
	Operation operation.FileOperation
	Context   operation.Context
}

// TaskFailure records one failed task.
type TaskFailure struct {
	Task string `json:"task"`
	Err  string `json:"error"`
}

// Result collects task outputs. Any report may be nil when its task was
// disabled or failed.
type Result struct {
	Patterns        *operation.PatternReport `json:"patterns,omitempty"`
	Quality         *operation.QualityReport `json:"quality,omitempty"`
	Synthesis       *operation.Synthesis     `json:"synthesis,omitempty"`
	Failures        []TaskFailure            `json:"failures,omitempty"`
	QualityFallback bool                     `json:"quality_fallback"`
	// TaskTime is the summed duration of every task.
	TaskTime time.Duration `json:"task_time"`
	Wall     time.Duration `json:"wall"`
}

// Failed reports whether task failed (including a recovered quality run).
func (r *Result) Failed(task string) bool {
	for _, f := range r.Failures {
		if f.Task == task {
			return true
		}
	}
	return false
}

// Stats are cumulative coordinator counters.
type Stats struct {
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Fallbacks int64   `json:"fallbacks"`
	Runs      int64   `json:"runs"`
	Speedup   float64 `json:"speedup"`
}

// Coordinator fans analysis tasks out under one weighted semaphore. Share
// a single Coordinator to bound analysis work process-wide.
type Coordinator struct {
	sem       *semaphore.Weighted
	timeout   time.Duration
	analyzers Analyzers
	logger    *zap.Logger
	metrics   *Metrics

	completed atomic.Int64
	failed    atomic.Int64
	fallbacks atomic.Int64

	speedMu    sync.Mutex
	runs       int64
	speedupSum float64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l.Named("parallel")
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a Coordinator.
func New(cfg Config, analyzers Analyzers, opts ...Option) *Coordinator {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	c := &Coordinator{
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		timeout:   cfg.TaskTimeout,
		analyzers: analyzers,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessParallel runs the tasks selected by opts for in. Pattern and
// quality analysis run concurrently; synthesis follows when a pattern
// report exists. The error is non-nil only when ctx is cancelled.
func (c *Coordinator) ProcessParallel(ctx context.Context, in Input, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "parallel.ProcessParallel")
	defer span.End()
	span.SetAttributes(attribute.String("operation.path", in.Operation.Path))

	start := time.Now()
	res := &Result{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	record := func(task string, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		res.TaskTime += d
		if err != nil {
			res.Failures = append(res.Failures, TaskFailure{Task: task, Err: err.Error()})
		}
	}

	if opts.Patterns && c.analyzers.Patterns != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, d, err := runTask(ctx, c, TaskPatterns, func(tctx context.Context) (*operation.PatternReport, error) {
				return c.analyzers.Patterns.RecognizePatterns(tctx, in.Operation, in.Context)
			})
			record(TaskPatterns, d, err)
			if err == nil {
				mu.Lock()
				res.Patterns = report
				mu.Unlock()
			}
		}()
	}

	if opts.Quality && c.analyzers.Quality != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, d, err := runTask(ctx, c, TaskQuality, func(tctx context.Context) (*operation.QualityReport, error) {
				return c.analyzers.Quality.AnalyzeQuality(tctx, in.Operation, in.Context)
			})
			record(TaskQuality, d, err)
			if err == nil {
				mu.Lock()
				res.Quality = report
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Quality && c.analyzers.Quality != nil && res.Quality == nil {
		c.fallbacks.Add(1)
		c.metrics.recordFallback()
		res.QualityFallback = true
		c.logger.Warn("parallel quality analysis failed, running synchronously",
			zap.String("path", in.Operation.Path))

		qstart := time.Now()
		report, err := guard(ctx, func(ctx context.Context) (*operation.QualityReport, error) {
			return c.analyzers.Quality.AnalyzeQuality(ctx, in.Operation, in.Context)
		})
		res.TaskTime += time.Since(qstart)
		if err != nil {
			c.logger.Error("synchronous quality analysis failed",
				zap.String("path", in.Operation.Path), zap.Error(err))
		} else {
			res.Quality = report
		}
	}

	if opts.Synthesis && c.analyzers.Synthesis != nil && res.Patterns != nil {
		synth, d, err := runTask(ctx, c, TaskSynthesis, func(tctx context.Context) (*operation.Synthesis, error) {
			return c.analyzers.Synthesis.Synthesize(tctx, in.Operation, res.Patterns, res.Quality)
		})
		record(TaskSynthesis, d, err)
		if err == nil {
			res.Synthesis = synth
		}
	}

	res.Wall = time.Since(start)
	c.observeSpeedup(res.TaskTime, res.Wall)
	span.SetAttributes(
		attribute.Int("failures", len(res.Failures)),
		attribute.Bool("quality_fallback", res.QualityFallback),
	)
	return res, ctx.Err()
}

// runTask acquires a semaphore slot and runs fn under the task timeout.
// fn runs on its own goroutine so an analyzer that ignores its context
// still cannot hold the caller past the deadline.
func runTask[T any](ctx context.Context, c *Coordinator, name string, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	var zero T
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.sem.Acquire(tctx, 1); err != nil {
		return zero, 0, c.fail(name, 0, fmt.Errorf("waiting for slot: %w", timeoutErr(err)))
	}
	defer c.sem.Release(1)
	c.metrics.inFlight(1)
	defer c.metrics.inFlight(-1)

	tctx, span := tracer.Start(tctx, "parallel."+name)
	defer span.End()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := guard(tctx, fn)
		done <- outcome{v, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-tctx.Done():
		out = outcome{err: tctx.Err()}
	}
	d := time.Since(start)

	if out.err != nil {
		return zero, d, c.fail(name, d, timeoutErr(out.err))
	}
	c.completed.Add(1)
	c.metrics.recordTask(name, "ok", d.Seconds())
	c.logger.Debug("task completed", zap.String("task", name), zap.Duration("duration", d))
	return out.v, d, nil
}

func (c *Coordinator) fail(name string, d time.Duration, err error) error {
	c.failed.Add(1)
	status := "failed"
	if errors.Is(err, ErrTaskTimeout) {
		status = "timeout"
		c.logger.Warn("task timeout", zap.String("task", name), zap.Duration("duration", d))
	} else {
		c.logger.Error("task failed", zap.String("task", name), zap.Error(err))
	}
	c.metrics.recordTask(name, status, d.Seconds())
	return err
}

func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTaskTimeout, err)
	}
	return err
}

func (c *Coordinator) observeSpeedup(taskTime, wall time.Duration) {
	if wall <= 0 || taskTime <= 0 {
		return
	}
	c.speedMu.Lock()
	c.runs++
	c.speedupSum += float64(taskTime) / float64(wall)
	avg := c.speedupSum / float64(c.runs)
	c.speedMu.Unlock()
	c.metrics.setSpeedup(avg)
}

// Stats returns cumulative counters.
func (c *Coordinator) Stats() Stats {
	c.speedMu.Lock()
	runs, sum := c.runs, c.speedupSum
	c.speedMu.Unlock()

	s := Stats{
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Fallbacks: c.fallbacks.Load(),
		Runs:      runs,
	}
	if runs > 0 {
		s.Speedup = sum / float64(runs)
	}
	return s
}
