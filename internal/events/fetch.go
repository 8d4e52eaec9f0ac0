package events

import "time"

// FetchStart is emitted before the HTTP transport sends a request.
type FetchStart struct {
	URL    string
	Method string
}

// FetchFinish is emitted after the HTTP transport got a response or failed.
type FetchFinish struct {
	URL      string
	Method   string
	Status   int
	Err      error
	Duration time.Duration
}
