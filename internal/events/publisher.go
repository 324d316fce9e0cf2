package events

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher sends events to NATS. Publishing is fire-and-forget: a failed
// publish is logged and counted and never interrupts a run or decision.
type Publisher struct {
	nc            *nats.Conn
	subjects      Subjects
	publishChunks bool
	logger        *zap.Logger
	now           func() time.Time

	published atomic.Int64
	failed    atomic.Int64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithChunks publishes every streamed chunk. Chunks are not published by
// default.
func WithChunks(enabled bool) Option {
	return func(p *Publisher) { p.publishChunks = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l.Named("events")
		}
	}
}

// NewPublisher creates a publisher on nc under prefix.
func NewPublisher(nc *nats.Conn, prefix string, opts ...Option) (*Publisher, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	subjects, err := NewSubjects(prefix)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		nc:       nc,
		subjects: subjects,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Subjects returns the subject builder used by the publisher.
func (p *Publisher) Subjects() Subjects { return p.subjects }

// Stats returns the number of published and failed messages.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Callbacks returns consensus callbacks that publish run progress.
func (p *Publisher) Callbacks() consensus.Callbacks {
	cb := consensus.Callbacks{
		OnStateChange: func(runID string, from, to consensus.RunState) {
			p.publishRun(runID, Event{Type: TypeState, From: from, To: to})
		},
		OnStageStart: func(runID string, stage consensus.Stage, model string) {
			p.publishRun(runID, Event{Type: TypeStageStarted, Stage: stage, Model: model})
		},
		OnStageComplete: func(runID string, stage consensus.Stage, result consensus.StageResult) {
			p.publishRun(runID, Event{Type: TypeStageCompleted, Stage: stage, Model: result.Model, Result: &result})
		},
		OnError: func(runID string, stage consensus.Stage, err error) {
			p.publishRun(runID, Event{Type: TypeError, Stage: stage, Error: err.Error()})
		},
		OnCancelled: func(runID string, reason cancel.Reason) {
			p.publishRun(runID, Event{Type: TypeCancelled, Reason: reason.String()})
		},
		OnCompleted: func(result *consensus.RunResult) {
			p.publishRun(result.ID, Event{Type: TypeCompleted, Run: result})
		},
	}
	if p.publishChunks {
		cb.OnStageChunk = func(runID string, stage consensus.Stage, index int, chunk string) {
			p.publishRun(runID, Event{Type: TypeChunk, Stage: stage, Index: index, Chunk: chunk})
		}
	}
	return cb
}

// Decision publishes an operation decision.
func (p *Publisher) Decision(a *operation.Analysis) {
	if a == nil {
		return
	}
	p.publish(p.subjects.Decision(a.ID), Event{Type: TypeDecision, Analysis: a})
}

// Outcome publishes the recorded outcome of an analysis.
func (p *Publisher) Outcome(id string, outcome operation.Outcome) {
	p.publish(p.subjects.Outcome(id), Event{Type: TypeOutcome, Outcome: &outcome})
}

// Flush waits until the server has processed every published message.
func (p *Publisher) Flush(timeout time.Duration) error {
	if err := p.nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush events: %w", err)
	}
	return nil
}

func (p *Publisher) publishRun(runID string, ev Event) {
	ev.RunID = runID
	p.publish(p.subjects.Run(runID, ev.Type), ev)
}

func (p *Publisher) publish(subject string, ev Event) {
	ev.Timestamp = p.now()
	data, err := json.Marshal(ev)
	if err == nil {
		err = p.nc.Publish(subject, data)
	}
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("event publish failed",
			zap.String("subject", subject), zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	p.published.Add(1)
}
