package events

import "time"

// OperationStart is emitted before the stages of an execution run.
type OperationStart struct {
	Key         string
	Type        string
	CachePolicy string
}

// OperationFinish is emitted once the caller-facing result is known.
// Stage is the index of the stage that produced the result, -1 on failure.
type OperationFinish struct {
	Key      string
	Type     string
	Stage    int
	Err      error
	Duration time.Duration
}

// OperationUpdated is emitted when a stage running after the caller already
// received its result replaces that result, e.g. a cache-and-network refetch.
type OperationUpdated struct {
	Key   string
	Type  string
	Stage int
}

// BackgroundFailure reports an error or panic from work that ran after the
// caller received its result: a tail stage or an after-query continuation.
type BackgroundFailure struct {
	Key string
	Err error
}
