package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	eventbus "github.com/pipe01/villus/internal/eventbus"
	events "github.com/pipe01/villus/internal/events"
	"github.com/pipe01/villus/internal/operation"
	reqid "github.com/pipe01/villus/internal/reqid"
)

// Executor runs operations through an ordered list of stages.
// It is safe for concurrent use.
type Executor struct {
	plugins []Plugin
	opts    *Options
	tails   conc.WaitGroup
}

// NewExecutor returns an executor running plugins in the given order.
func NewExecutor(plugins []Plugin, opts ...Option) *Executor {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.CachePolicy == "" {
		o.CachePolicy = operation.DefaultCachePolicy
	}
	return &Executor{
		plugins: append([]Plugin(nil), plugins...),
		opts:    o,
	}
}

// Plugins returns the configured stages in order.
func (e *Executor) Plugins() []Plugin {
	return append([]Plugin(nil), e.plugins...)
}

// Execute runs op and returns the first result any stage produced.
// Remaining stages and continuations keep running in the background.
func (e *Executor) Execute(ctx context.Context, op operation.Operation, typ operation.Type) (operation.Result, error) {
	ctx, _ = reqid.NewContext(ctx)
	pc := newContext(operation.Resolve(op, typ, e.opts.CachePolicy), e.defaultFetchOptions())
	key := string(pc.Operation.Key)

	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{
		Key:         key,
		Type:        string(typ),
		CachePolicy: string(pc.Operation.CachePolicy),
	})

	winner := -1
	for i, p := range e.plugins {
		if err := p.Apply(ctx, pc); err != nil {
			err = fmt.Errorf("pipeline: stage %d (%s): %w", i, p.Name(), err)
			e.finish(ctx, pc, -1, err, start)
			return operation.Result{}, err
		}
		if pc.hasResult {
			winner = i
			break
		}
	}

	if winner < 0 {
		err := fmt.Errorf("%w: %d stages ran for %s %s", ErrNoResult, len(e.plugins), typ, key)
		e.finish(ctx, pc, -1, err, start)
		return operation.Result{}, err
	}

	result := pc.result
	e.finish(ctx, pc, winner, nil, start)

	if pc.terminated && len(pc.afterQuery) == 0 {
		return result, nil
	}
	tailCtx := context.WithoutCancel(ctx)
	e.tails.Go(func() { e.runTail(tailCtx, pc, winner) })
	return result, nil
}

// Wait blocks until every background tail started so far has finished.
func (e *Executor) Wait() {
	e.tails.Wait()
}

func (e *Executor) defaultFetchOptions() FetchOptions {
	fo := FetchOptions{
		URL:    e.opts.URL,
		Method: http.MethodPost,
		Header: e.opts.Header.Clone(),
	}
	if fo.Header == nil {
		fo.Header = http.Header{}
	}
	if fo.Header.Get("Content-Type") == "" {
		fo.Header.Set("Content-Type", "application/json")
	}
	return fo
}

func (e *Executor) finish(ctx context.Context, pc *Context, stage int, err error, start time.Time) {
	d := time.Since(start)
	typ := string(pc.Operation.Type)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		e.opts.Logger.ErrorWithContext(ctx, "operation failed",
			zap.String("key", string(pc.Operation.Key)),
			zap.String("type", typ),
			zap.Error(err))
	} else {
		e.opts.Logger.DebugWithContext(ctx, "operation resolved",
			zap.String("key", string(pc.Operation.Key)),
			zap.String("type", typ),
			zap.Int("stage", stage),
			zap.Bool("terminated", pc.terminated),
			zap.Duration("duration", d))
	}
	e.opts.Metrics.Executions.WithLabelValues(typ, outcome).Inc()
	e.opts.Metrics.ExecutionDuration.WithLabelValues(typ).Observe(d.Seconds())
	eventbus.Publish(ctx, events.OperationFinish{
		Key:      string(pc.Operation.Key),
		Type:     typ,
		Stage:    stage,
		Err:      err,
		Duration: d,
	})
}

func (e *Executor) runTail(ctx context.Context, pc *Context, winner int) {
	var err error
	var catcher panics.Catcher
	catcher.Try(func() { err = e.tail(ctx, pc, winner) })
	if r := catcher.Recovered(); r != nil {
		err = fmt.Errorf("pipeline: background panic: %w", r.AsError())
	}
	if err == nil {
		return
	}

	key := pc.Operation.Key
	e.opts.Logger.ErrorWithContext(ctx, "background work failed",
		zap.String("key", string(key)),
		zap.String("type", string(pc.Operation.Type)),
		zap.Error(err))
	e.opts.Metrics.BackgroundFailures.WithLabelValues(string(pc.Operation.Type)).Inc()
	eventbus.Publish(ctx, events.BackgroundFailure{Key: string(key), Err: err})
	if e.opts.OnBackgroundError != nil {
		e.opts.OnBackgroundError(ctx, key, err)
	}
}

func (e *Executor) tail(ctx context.Context, pc *Context, winner int) error {
	for i := winner + 1; i < len(e.plugins) && !pc.terminated; i++ {
		p := e.plugins[i]
		before := pc.version
		if err := p.Apply(ctx, pc); err != nil {
			return fmt.Errorf("pipeline: stage %d (%s): %w", i, p.Name(), err)
		}
		if pc.version != before {
			eventbus.Publish(ctx, events.OperationUpdated{
				Key:   string(pc.Operation.Key),
				Type:  string(pc.Operation.Type),
				Stage: i,
			})
		}
	}

	// continuations may register further continuations
	for i := 0; i < len(pc.afterQuery); i++ {
		if err := pc.afterQuery[i](ctx, pc.result); err != nil {
			return fmt.Errorf("pipeline: after-query continuation %d: %w", i, err)
		}
	}
	return nil
}
