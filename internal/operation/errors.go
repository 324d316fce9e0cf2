package operation

import "errors"

// Validation errors.
var (
	ErrUnknownKind = errors.New("unknown operation kind")
	ErrEmptyPath   = errors.New("operation path is required")
	ErrUnknownMode = errors.New("unknown auto-accept mode")
)
