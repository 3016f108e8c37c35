package observability

import "go.uber.org/zap"

// Thin aliases over zap's field constructors so call sites depend on this
// package rather than on zap directly.
//
//nolint:gochecknoglobals // Function aliases, not mutable state
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Bool    = zap.Bool
	Float64 = zap.Float64
	Error   = zap.Error
	Any     = zap.Any
)
