package consensus

import "github.com/fyrsmithlabs/consensusd/internal/cancel"

// Callbacks receive live progress of a run. Every field is optional.
// Callbacks run on the goroutine executing the run and must not block.
type Callbacks struct {
	OnStateChange   func(runID string, from, to RunState)
	OnStageStart    func(runID string, stage Stage, model string)
	OnStageChunk    func(runID string, stage Stage, index int, chunk string)
	OnStageComplete func(runID string, stage Stage, result StageResult)
	OnError         func(runID string, stage Stage, err error)
	OnCancelled     func(runID string, reason cancel.Reason)
	OnCompleted     func(result *RunResult)
}

// Chain returns Callbacks that invoke each of cbs in order.
func Chain(cbs ...Callbacks) Callbacks {
	return Callbacks{
		OnStateChange: func(id string, from, to RunState) {
			for _, cb := range cbs {
				if cb.OnStateChange != nil {
					cb.OnStateChange(id, from, to)
				}
			}
		},
		OnStageStart: func(id string, stage Stage, model string) {
			for _, cb := range cbs {
				if cb.OnStageStart != nil {
					cb.OnStageStart(id, stage, model)
				}
			}
		},
		OnStageChunk: func(id string, stage Stage, index int, chunk string) {
			for _, cb := range cbs {
				if cb.OnStageChunk != nil {
					cb.OnStageChunk(id, stage, index, chunk)
				}
			}
		},
		OnStageComplete: func(id string, stage Stage, result StageResult) {
			for _, cb := range cbs {
				if cb.OnStageComplete != nil {
					cb.OnStageComplete(id, stage, result)
				}
			}
		},
		OnError: func(id string, stage Stage, err error) {
			for _, cb := range cbs {
				if cb.OnError != nil {
					cb.OnError(id, stage, err)
				}
			}
		},
		OnCancelled: func(id string, reason cancel.Reason) {
			for _, cb := range cbs {
				if cb.OnCancelled != nil {
					cb.OnCancelled(id, reason)
				}
			}
		},
		OnCompleted: func(result *RunResult) {
			for _, cb := range cbs {
				if cb.OnCompleted != nil {
					cb.OnCompleted(result)
				}
			}
		},
	}
}
