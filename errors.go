package bpmlink

import "errors"

// Failure reasons. A Session reports them either as the Err of a Failed state
// or as a transient Notice, and returns them from commands. Use errors.Is to
// test for them: most are wrapped with detail from the radio stack.
var (
	ErrPermissionDenied  = errors.New("bpmlink: permission denied")
	ErrRadioUnavailable  = errors.New("bpmlink: radio unavailable")
	ErrConnectionFailed  = errors.New("bpmlink: connection failed")
	ErrAttributeNotFound = errors.New("bpmlink: tempo characteristic not found")
	ErrInvalidValue      = errors.New("bpmlink: value out of range")
	ErrWriteFailed       = errors.New("bpmlink: write failed")
	ErrTimeout           = errors.New("bpmlink: timed out")
	ErrInvalidSelection  = errors.New("bpmlink: unknown peripheral")

	ErrConnectionLost = errors.New("bpmlink: connection lost")
	ErrNotConnected   = errors.New("bpmlink: not connected")
	ErrBusy           = errors.New("bpmlink: session busy")
	ErrClosed         = errors.New("bpmlink: session closed")
)
