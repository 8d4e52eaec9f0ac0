// Package cache provides the result cache stage and the stores backing it.
//
// The stage consults and updates a Store according to the cache policy of
// each query:
//
//	network-only       never read; store the final result
//	cache-only         read; hit or miss, terminate the chain (a miss yields
//	                   an empty result and never reaches the network)
//	cache-first        read; a hit terminates, a miss continues and stores
//	cache-and-network  read; a hit is returned without terminating so the
//	                   chain refetches, and the fresh result is stored
//
// Mutations and subscriptions pass through untouched.
package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pipe01/villus/internal/logger"
	"github.com/pipe01/villus/internal/metrics"
	"github.com/pipe01/villus/internal/operation"
	"github.com/pipe01/villus/internal/pipeline"
)

// ErrUnknownPolicy is returned by the stage for a query whose cache policy it
// does not recognize.
var ErrUnknownPolicy = errors.New("cache: unknown cache policy")

// Store holds results by operation key. Implementations must be safe for
// concurrent use. Results passed to Set and returned by Get may share their
// Data with the caller and other readers, so they must be treated as
// read-only.
type Store interface {
	Get(ctx context.Context, key operation.Key) (operation.Result, bool, error)
	Set(ctx context.Context, key operation.Key, r operation.Result) error
	Close() error
}

// Plugin is the result cache stage.
type Plugin struct {
	store   Store
	logger  logger.Logger
	metrics *metrics.Registry
}

var _ pipeline.Plugin = (*Plugin)(nil)

type Option func(*Plugin)

func WithLogger(l logger.Logger) Option      { return func(p *Plugin) { p.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(p *Plugin) { p.metrics = m } }

// New returns the cache stage reading and writing store.
func New(store Store, opts ...Option) *Plugin {
	p := &Plugin{
		store:   store,
		logger:  logger.NewNoopLogger(),
		metrics: metrics.DefaultRegistry,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return "cache" }

// Store returns the backing store.
func (p *Plugin) Store() Store { return p.store }

func (p *Plugin) Apply(ctx context.Context, pc *pipeline.Context) error {
	op := pc.Operation
	if op.Type != operation.Query {
		return nil
	}

	switch op.CachePolicy {
	case operation.NetworkOnly:
	case operation.CacheOnly:
		cached, _ := p.lookup(ctx, op)
		// a miss resolves to an empty result
		pc.UseResult(cached, true)
		return nil
	case operation.CacheFirst:
		if cached, ok := p.lookup(ctx, op); ok {
			pc.UseResult(cached, true)
			return nil
		}
	case operation.CacheAndNetwork:
		if cached, ok := p.lookup(ctx, op); ok {
			pc.UseResult(cached, false)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownPolicy, op.CachePolicy)
	}

	key := op.Key
	pc.AfterQuery(func(ctx context.Context, r operation.Result) error {
		return p.write(ctx, key, r)
	})
	return nil
}

// lookup treats a failing store as a miss.
func (p *Plugin) lookup(ctx context.Context, op operation.Resolved) (operation.Result, bool) {
	policy := string(op.CachePolicy)
	r, ok, err := p.store.Get(ctx, op.Key)
	switch {
	case err != nil:
		p.logger.WarnWithContext(ctx, "cache lookup failed",
			zap.String("key", string(op.Key)), zap.Error(err))
		p.metrics.CacheLookups.WithLabelValues(policy, "error").Inc()
		return operation.Result{}, false
	case ok:
		p.metrics.CacheLookups.WithLabelValues(policy, "hit").Inc()
		return r, true
	default:
		p.metrics.CacheLookups.WithLabelValues(policy, "miss").Inc()
		return operation.Result{}, false
	}
}

func (p *Plugin) write(ctx context.Context, key operation.Key, r operation.Result) error {
	if err := p.store.Set(ctx, key, r); err != nil {
		p.metrics.CacheWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("cache: store %s: %w", key, err)
	}
	p.metrics.CacheWrites.WithLabelValues("ok").Inc()
	return nil
}
