package consensus

import (
	"errors"
	"fmt"
)

// Request errors.
var (
	ErrEmptyQuery     = errors.New("query is required")
	ErrUnknownProfile = errors.New("unknown profile")
)

// Configuration errors.
var (
	ErrNoClient       = errors.New("provider client is required")
	ErrNoProfiles     = errors.New("profile registry is required")
	ErrInvalidProfile = errors.New("invalid profile")
	ErrProfilesFile   = errors.New("invalid profiles file")
	ErrWatcherFailed  = errors.New("failed to initialize profile watcher")
)

// Run errors.
var (
	// ErrStageFailure is matched by every *StageError.
	ErrStageFailure      = errors.New("stage failed")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StageError reports which stage failed and why.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap returns the provider error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStageFailure) match any StageError.
func (e *StageError) Is(target error) bool {
	return target == ErrStageFailure
}
