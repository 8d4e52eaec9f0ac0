// Package reqid carries the id of one pipeline execution through a context so
// that log lines, events and spans of the same execution can be correlated.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the execution ID.
type key struct{}

// NewContext returns a copy of parent carrying a fresh execution ID.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the execution ID from ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
