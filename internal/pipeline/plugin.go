package pipeline

import (
	"context"

	"github.com/pipe01/villus/internal/operation"
)

// Plugin is one stage of the chain. Apply may set the result through
// pc.UseResult, register continuations through pc.AfterQuery, adjust
// pc.Fetch, or do nothing and let the chain continue.
type Plugin interface {
	Apply(ctx context.Context, pc *Context) error

	// Name identifies the stage in errors and logs.
	Name() string
}

// AfterQueryFunc runs after the stage chain completed, with the final result.
type AfterQueryFunc func(ctx context.Context, result operation.Result) error

type pluginFunc struct {
	name string
	fn   func(ctx context.Context, pc *Context) error
}

func (p *pluginFunc) Apply(ctx context.Context, pc *Context) error { return p.fn(ctx, pc) }

func (p *pluginFunc) Name() string { return p.name }

// PluginFunc creates a stage from a function.
func PluginFunc(name string, fn func(ctx context.Context, pc *Context) error) Plugin {
	return &pluginFunc{name: name, fn: fn}
}
