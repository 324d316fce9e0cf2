// Package intelligence decides whether a proposed file operation may be
// applied without human confirmation.
//
// Five signal producers score an operation for confidence and risk. The
// Coordinator unifies their scores, folds in the outcomes of similar past
// operations from history, applies hard safety overrides for critical
// system paths and finally evaluates the auto-accept mode. Producer
// failures never abort a decision: a missing producer lowers confidence,
// raises risk and marks the analysis as degraded.
package intelligence
