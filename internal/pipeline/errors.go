package pipeline

import "errors"

var (
	// ErrNoResult means no stage produced a result: the chain lacks a
	// terminal stage such as the HTTP transport.
	ErrNoResult = errors.New("pipeline: operation result was not set by any stage")
)
