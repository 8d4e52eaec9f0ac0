// Package client is the entry point for executing GraphQL operations. It
// assembles the stage pipeline (by default a result cache in front of the
// HTTP transport) and opens subscription streams through a forwarder.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/pipe01/villus/internal/cache"
	"github.com/pipe01/villus/internal/fetch"
	"github.com/pipe01/villus/internal/logger"
	"github.com/pipe01/villus/internal/metrics"
	"github.com/pipe01/villus/internal/operation"
	"github.com/pipe01/villus/internal/pipeline"
	"github.com/pipe01/villus/internal/subscription"
)

var (
	ErrMissingURL = errors.New("client: url is required")
	// ErrNoForwarder is returned for subscriptions when no forwarder is set.
	ErrNoForwarder = subscription.ErrNoForwarder
)

// Options configures a Client. Only URL is required.
type Options struct {
	// URL is the GraphQL endpoint.
	URL string
	// CachePolicy is the default for operations that do not set one.
	CachePolicy operation.CachePolicy
	// Use replaces the default stages (cache, then fetch).
	Use []pipeline.Plugin
	// SubscriptionForwarder opens the streams of subscription operations.
	SubscriptionForwarder subscription.Forwarder

	// Store backs the default cache stage. When nil an in-memory store is
	// created and closed with the client. Ignored when Use is set.
	Store cache.Store
	// Fetch configures the default transport stage. Ignored when Use is set.
	Fetch []fetch.Option

	Headers http.Header
	Logger  logger.Logger
	Metrics *metrics.Registry

	// OnBackgroundError receives failures of work that ran after a caller
	// already got its result.
	OnBackgroundError func(ctx context.Context, key operation.Key, err error)
}

type Client struct {
	exec    *pipeline.Executor
	policy  operation.CachePolicy
	forward subscription.Forwarder
	logger  logger.Logger
	metrics *metrics.Registry

	owned     cache.Store
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}
	policy := opts.CachePolicy
	if policy == "" {
		policy = operation.DefaultCachePolicy
	}
	if _, err := operation.ParseCachePolicy(string(policy)); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry
	}

	c := &Client{
		policy:  policy,
		forward: opts.SubscriptionForwarder,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}

	plugins := opts.Use
	if len(plugins) == 0 {
		store := opts.Store
		if store == nil {
			ms, err := cache.NewMemoryStore()
			if err != nil {
				return nil, fmt.Errorf("client: create cache store: %w", err)
			}
			store, c.owned = ms, ms
		}
		plugins = DefaultPlugins(store, opts.Logger, opts.Metrics, opts.Fetch...)
	}

	execOpts := []pipeline.Option{
		pipeline.WithURL(opts.URL),
		pipeline.WithCachePolicy(policy),
		pipeline.WithLogger(opts.Logger),
		pipeline.WithMetrics(opts.Metrics),
	}
	if opts.Headers != nil {
		execOpts = append(execOpts, pipeline.WithHeader(opts.Headers))
	}
	if opts.OnBackgroundError != nil {
		execOpts = append(execOpts, pipeline.WithBackgroundErrorHandler(opts.OnBackgroundError))
	}
	c.exec = pipeline.NewExecutor(plugins, execOpts...)
	return c, nil
}

// DefaultPlugins returns the stages a client uses unless told otherwise: the
// result cache over store followed by the HTTP transport.
func DefaultPlugins(store cache.Store, l logger.Logger, m *metrics.Registry, fetchOpts ...fetch.Option) []pipeline.Plugin {
	return []pipeline.Plugin{
		cache.New(store, cache.WithLogger(l), cache.WithMetrics(m)),
		fetch.New(append([]fetch.Option{fetch.WithMetrics(m)}, fetchOpts...)...),
	}
}

// Plugins returns the stages in the order they run.
func (c *Client) Plugins() []pipeline.Plugin { return c.exec.Plugins() }

func (c *Client) ExecuteQuery(ctx context.Context, op operation.Operation) (operation.Result, error) {
	return c.exec.Execute(ctx, op, operation.Query)
}

func (c *Client) ExecuteMutation(ctx context.Context, op operation.Operation) (operation.Result, error) {
	return c.exec.Execute(ctx, op, operation.Mutation)
}

// ExecuteSubscription returns the stream of a subscription operation. Each
// Subscribe on it opens a new stream.
func (c *Client) ExecuteSubscription(op operation.Operation) (subscription.Observable, error) {
	if c.forward == nil {
		return nil, ErrNoForwarder
	}
	return c.forward(c.resolve(op)), nil
}

// Subscribe starts a subscription whose items are folded by reduce. A nil
// reduce decodes each item into T.
func Subscribe[T any](c *Client, op operation.Operation, reduce subscription.Reducer[T]) (*subscription.Subscription[T], error) {
	s, err := NewSubscription(c, op, reduce)
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// NewSubscription is Subscribe without Start, for callers that register
// listeners before the first item can arrive.
func NewSubscription[T any](c *Client, op operation.Operation, reduce subscription.Reducer[T]) (*subscription.Subscription[T], error) {
	if c.forward == nil {
		return nil, ErrNoForwarder
	}
	return subscription.New(c.forward, c.resolve(op), reduce,
		subscription.WithLogger(c.logger),
		subscription.WithMetrics(c.metrics))
}

func (c *Client) resolve(op operation.Operation) operation.Resolved {
	return operation.Resolve(op, operation.Subscription, c.policy)
}

// Wait blocks until the background work of earlier executions has finished.
func (c *Client) Wait() {
	c.exec.Wait()
}

// Close waits for background work and closes the store the client created.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.exec.Wait()
		if c.owned != nil {
			c.closeErr = c.owned.Close()
		}
	})
	return c.closeErr
}
