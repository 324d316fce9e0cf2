package consensus

import (
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// Stage is one model role of the pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageGenerator Stage = "generator"
	StageRefiner   Stage = "refiner"
	StageValidator Stage = "validator"
	StageCurator   Stage = "curator"
)

// Stages returns every stage in the order a run executes them.
func Stages() []Stage {
	return []Stage{StageGenerator, StageRefiner, StageValidator, StageCurator}
}

// State returns the run state while s is executing.
func (s Stage) State() RunState {
	switch s {
	case StageGenerator:
		return StateGenerating
	case StageRefiner:
		return StateRefining
	case StageValidator:
		return StateValidating
	case StageCurator:
		return StateCurating
	}
	return StateFailed
}

// RunState is the lifecycle state of a run.
type RunState string

// Run states.
const (
	StateInitializing RunState = "initializing"
	StateGenerating   RunState = "generating"
	StateRefining     RunState = "refining"
	StateValidating   RunState = "validating"
	StateCurating     RunState = "curating"
	StateCompleted    RunState = "completed"
	StateFailed       RunState = "failed"
	StateCancelled    RunState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var nextState = map[RunState]RunState{
	StateInitializing: StateGenerating,
	StateGenerating:   StateRefining,
	StateRefining:     StateValidating,
	StateValidating:   StateCurating,
	StateCurating:     StateCompleted,
}

// CanTransition reports whether a run may move from s to next. Stages advance
// strictly in order; any live state may fail or be cancelled.
func (s RunState) CanTransition(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	return nextState[s] == next
}

// Request is one user turn submitted to the pipeline.
type Request struct {
	Query   string `json:"query"`
	Context string `json:"context,omitempty"`
	// Profile names the profile to run; empty selects the default.
	Profile string `json:"profile,omitempty"`
	Stream  bool   `json:"stream"`

	// Mode is the auto-accept mode used for curator operations. Empty
	// selects the decider's default.
	Mode operation.Mode `json:"mode,omitempty"`

	// Operation describes the repository the curator's operations target.
	// When nil a context is derived from Query.
	Operation *operation.Context `json:"operation_context,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// Callbacks receive progress for this run only.
	Callbacks Callbacks `json:"-"`
}

// StageResult is the immutable outcome of one stage.
type StageResult struct {
	Stage            Stage         `json:"stage"`
	Model            string        `json:"model"`
	Text             string        `json:"text"`
	Quality          float64       `json:"quality"`
	Duration         time.Duration `json:"duration"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Tokens           int           `json:"tokens"`
	Cost             float64       `json:"cost"`
	// Estimated is true when token counts were approximated.
	Estimated   bool      `json:"estimated,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Decision is the auto-execute verdict for one curator operation.
type Decision struct {
	Operation   operation.FileOperation `json:"operation"`
	Confidence  float64                 `json:"parse_confidence"`
	AutoExecute bool                    `json:"auto_execute"`
	Analysis    *operation.Analysis     `json:"analysis,omitempty"`
}

// RunResult is produced once per request.
type RunResult struct {
	ID            string             `json:"id"`
	Profile       string             `json:"profile"`
	Query         string             `json:"query"`
	State         RunState           `json:"state"`
	Success       bool               `json:"success"`
	Stages        []StageResult      `json:"stages"`
	FinalText     string             `json:"final_text,omitempty"`
	TotalCost     float64            `json:"total_cost"`
	TotalTokens   int                `json:"total_tokens"`
	TotalDuration time.Duration      `json:"total_duration"`
	Operations    []operation.Parsed `json:"operations,omitempty"`
	Decisions     []Decision         `json:"decisions,omitempty"`
	// Error is the failure or cancellation message of an unsuccessful run.
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// StageNames returns the stage of every result, in order.
func (r *RunResult) StageNames() []string {
	names := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		names[i] = string(s.Stage)
	}
	return names
}

func (r *RunResult) add(res StageResult) {
	r.Stages = append(r.Stages, res)
	r.TotalCost += res.Cost
	r.TotalTokens += res.Tokens
}
