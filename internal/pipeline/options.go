package pipeline

import (
	"context"
	"net/http"

	"github.com/pipe01/villus/internal/logger"
	"github.com/pipe01/villus/internal/metrics"
	"github.com/pipe01/villus/internal/operation"
)

// Options configures an Executor.
//
// Defaults:
// - CachePolicy: cache-first
// - Method:      POST with a JSON content type
// - Logger:      noop
// - Metrics:     metrics.DefaultRegistry
type Options struct {
	URL         string
	Header      http.Header
	CachePolicy operation.CachePolicy

	Logger  logger.Logger
	Metrics *metrics.Registry

	// OnBackgroundError receives failures of the background tail.
	OnBackgroundError func(ctx context.Context, key operation.Key, err error)
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CachePolicy: operation.DefaultCachePolicy,
		Logger:      logger.NewNoopLogger(),
		Metrics:     metrics.DefaultRegistry,
	}
}

func WithURL(url string) Option                      { return func(o *Options) { o.URL = url } }
func WithCachePolicy(p operation.CachePolicy) Option { return func(o *Options) { o.CachePolicy = p } }
func WithLogger(l logger.Logger) Option              { return func(o *Options) { o.Logger = l } }
func WithMetrics(m *metrics.Registry) Option         { return func(o *Options) { o.Metrics = m } }
func WithHeader(h http.Header) Option                { return func(o *Options) { o.Header = h.Clone() } }
func WithBackgroundErrorHandler(fn func(context.Context, operation.Key, error)) Option {
	return func(o *Options) { o.OnBackgroundError = fn }
}
