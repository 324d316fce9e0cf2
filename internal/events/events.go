// Package events publishes consensus pipeline progress and operation
// decisions to NATS.
//
// Run events are published to subjects:
//   - {prefix}.runs.{run_id}.state
//   - {prefix}.runs.{run_id}.stage_started
//   - {prefix}.runs.{run_id}.chunk
//   - {prefix}.runs.{run_id}.stage_completed
//   - {prefix}.runs.{run_id}.error
//   - {prefix}.runs.{run_id}.cancelled
//   - {prefix}.runs.{run_id}.completed
//
// Decision events are published to {prefix}.decisions.{analysis_id} and
// outcome events to {prefix}.outcomes.{analysis_id}.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "consensus"

// Type names an event.
type Type string

const (
	TypeState          Type = "state"
	TypeStageStarted   Type = "stage_started"
	TypeChunk          Type = "chunk"
	TypeStageCompleted Type = "stage_completed"
	TypeError          Type = "error"
	TypeCancelled      Type = "cancelled"
	TypeCompleted      Type = "completed"
	TypeDecision       Type = "decision"
	TypeOutcome        Type = "outcome"
)

// Terminal reports whether no further run events follow an event of type t.
func (t Type) Terminal() bool {
	return t == TypeError || t == TypeCancelled || t == TypeCompleted
}

var (
	// ErrNoConnection is returned when a publisher is built without a NATS
	// connection.
	ErrNoConnection = errors.New("nats connection is required")

	// ErrInvalidSubject is returned for a prefix or id that cannot form a
	// subject token.
	ErrInvalidSubject = errors.New("invalid subject token")
)

// Event is the JSON payload of every published message. Fields that do not
// apply to a type are omitted.
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	From  consensus.RunState `json:"from,omitempty"`
	To    consensus.RunState `json:"to,omitempty"`
	Stage consensus.Stage    `json:"stage,omitempty"`
	Model string             `json:"model,omitempty"`

	Index int    `json:"index,omitempty"`
	Chunk string `json:"chunk,omitempty"`

	Result *consensus.StageResult `json:"result,omitempty"`
	Run    *consensus.RunResult   `json:"run,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Reason string                 `json:"reason,omitempty"`

	Analysis *operation.Analysis `json:"analysis,omitempty"`
	Outcome  *operation.Outcome  `json:"outcome,omitempty"`
}

// Decode parses a published payload.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// validToken reports whether s can be used as a single subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// Subjects builds subject names under a prefix.
type Subjects struct {
	prefix string
}

// NewSubjects validates prefix, which may contain dots but no wildcards.
func NewSubjects(prefix string) (Subjects, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	for _, tok := range strings.Split(prefix, ".") {
		if !validToken(tok) {
			return Subjects{}, fmt.Errorf("%w: prefix %q", ErrInvalidSubject, prefix)
		}
	}
	return Subjects{prefix: prefix}, nil
}

// Run returns the subject of one run event.
func (s Subjects) Run(runID string, t Type) string {
	return fmt.Sprintf("%s.runs.%s.%s", s.prefix, runID, t)
}

// RunWildcard matches every event of one run.
func (s Subjects) RunWildcard(runID string) string {
	return fmt.Sprintf("%s.runs.%s.*", s.prefix, runID)
}

// Decision returns the subject of a decision event.
func (s Subjects) Decision(id string) string {
	return fmt.Sprintf("%s.decisions.%s", s.prefix, id)
}

// Outcome returns the subject of an outcome event.
func (s Subjects) Outcome(id string) string {
	return fmt.Sprintf("%s.outcomes.%s", s.prefix, id)
}
