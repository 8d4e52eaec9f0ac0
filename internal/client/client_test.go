package client

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pipe01/villus/internal/cache"
	eventbus "github.com/pipe01/villus/internal/eventbus"
	events "github.com/pipe01/villus/internal/events"
	"github.com/pipe01/villus/internal/fetch"
	"github.com/pipe01/villus/internal/graphqltest"
	"github.com/pipe01/villus/internal/metrics"
	"github.com/pipe01/villus/internal/operation"
	"github.com/pipe01/villus/internal/pipeline"
	"github.com/pipe01/villus/internal/subscription"
)

// counter answers {"n": <number of requests so far>}.
func counter() graphqltest.Responder {
	var n atomic.Int32
	return func(graphqltest.Request) graphqltest.Reply {
		return graphqltest.Reply{Data: map[string]any{"n": int(n.Add(1))}}
	}
}

func newTestClient(t *testing.T, srv *graphqltest.Server, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:     srv.URL,
		Metrics: metrics.NewRegistry(prometheus.NewRegistry()),
		Fetch:   []fetch.Option{fetch.WithHTTPClient(srv.Client()), fetch.WithRetryMax(0)},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func query(t *testing.T, c *Client, op operation.Operation) operation.Result {
	t.Helper()
	r, err := c.ExecuteQuery(context.Background(), op)
	require.NoError(t, err)
	c.Wait()
	return r
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrMissingURL)

	_, err = New(Options{URL: "http://localhost", CachePolicy: "sometimes"})
	require.ErrorContains(t, err, "unknown cache policy")
}

func TestNew_DefaultPlugins(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	var names []string
	for _, p := range c.Plugins() {
		names = append(names, p.Name())
	}
	require.Equal(t, []string{"cache", "fetch"}, names)
}

func TestQuery_CacheFirstHitsNetworkOnce(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	op := operation.Operation{Query: "query Q($a: Int, $b: Int) { n }", Variables: map[string]any{"a": 1, "b": 2}}
	require.Equal(t, map[string]any{"n": 1.0}, query(t, c, op).Data)

	// same variables, different construction order
	vars := map[string]any{}
	vars["b"] = 2
	vars["a"] = 1
	require.Equal(t, map[string]any{"n": 1.0}, query(t, c, operation.Operation{Query: op.Query, Variables: vars}).Data)
	require.Len(t, srv.Requests(), 1)

	// other variables are another cache entry
	require.Equal(t, map[string]any{"n": 2.0}, query(t, c, operation.Operation{Query: op.Query, Variables: map[string]any{"a": 3}}).Data)
}

func TestQuery_NetworkOnlyRefreshesCache(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	op := operation.Operation{Query: "{ n }"}
	require.Equal(t, map[string]any{"n": 1.0}, query(t, c, op).Data)

	op.CachePolicy = operation.NetworkOnly
	require.Equal(t, map[string]any{"n": 2.0}, query(t, c, op).Data)

	op.CachePolicy = operation.CacheOnly
	require.Equal(t, map[string]any{"n": 2.0}, query(t, c, op).Data)
	require.Len(t, srv.Requests(), 2)
}

func TestQuery_CacheOnlyMiss(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, func(o *Options) { o.CachePolicy = operation.CacheOnly })

	r := query(t, c, operation.Operation{Query: "{ n }"})
	require.Equal(t, operation.Result{}, r)
	require.Empty(t, srv.Requests())
}

func TestQuery_CacheAndNetwork(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var updated atomic.Int32
	eventbus.On(bus, func(_ context.Context, e events.OperationUpdated) { updated.Add(1) })

	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, func(o *Options) { o.CachePolicy = operation.CacheAndNetwork })

	op := operation.Operation{Query: "{ n }"}
	require.Equal(t, map[string]any{"n": 1.0}, query(t, c, op).Data)
	require.Equal(t, int32(0), updated.Load())

	// the stale entry is returned, the refetch lands in the cache
	require.Equal(t, map[string]any{"n": 1.0}, query(t, c, op).Data)
	require.Equal(t, int32(1), updated.Load())
	require.Len(t, srv.Requests(), 2)

	op.CachePolicy = operation.CacheOnly
	require.Equal(t, map[string]any{"n": 2.0}, query(t, c, op).Data)
}

func TestMutation_NeverCached(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	op := operation.Operation{Query: "mutation { n }"}
	for i := 1; i <= 2; i++ {
		r, err := c.ExecuteMutation(context.Background(), op)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"n": float64(i)}, r.Data)
	}
	c.Wait()
	require.Len(t, srv.Requests(), 2)
}

func TestQuery_FailuresAreResults(t *testing.T) {
	srv := graphqltest.NewServer(func(graphqltest.Request) graphqltest.Reply {
		return graphqltest.Reply{Status: http.StatusInternalServerError, Raw: []byte("oops")}
	})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	r := query(t, c, operation.Operation{Query: "{ n }"})
	require.Nil(t, r.Data)
	require.True(t, r.Error.IsNetworkError())
	require.Equal(t, http.StatusInternalServerError, r.Error.StatusCode)
}

func TestQuery_Headers(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, func(o *Options) {
		o.Headers = http.Header{"X-Api-Key": {"secret"}}
	})

	query(t, c, operation.Operation{Query: "{ n }"})
	require.Equal(t, "secret", srv.Requests()[0].Header.Get("X-Api-Key"))
}

func TestUse_NoTerminalStage(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	noop := pipeline.PluginFunc("noop", func(context.Context, *pipeline.Context) error { return nil })
	c := newTestClient(t, srv, func(o *Options) { o.Use = []pipeline.Plugin{noop} })

	_, err := c.ExecuteQuery(context.Background(), operation.Operation{Query: "{ n }"})
	require.ErrorIs(t, err, pipeline.ErrNoResult)
}

func TestUse_BackgroundFailureReported(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()

	boom := errors.New("write-through failed")
	audit := pipeline.PluginFunc("audit", func(_ context.Context, pc *pipeline.Context) error {
		pc.AfterQuery(func(context.Context, operation.Result) error { return boom })
		return nil
	})
	var reported atomic.Value
	c := newTestClient(t, srv, func(o *Options) {
		o.Use = []pipeline.Plugin{audit, fetch.New(fetch.WithHTTPClient(srv.Client()), fetch.WithMetrics(o.Metrics))}
		o.OnBackgroundError = func(_ context.Context, _ operation.Key, err error) { reported.Store(err) }
	})

	r := query(t, c, operation.Operation{Query: "{ n }"})
	require.Nil(t, r.Error)
	err, _ := reported.Load().(error)
	require.ErrorIs(t, err, boom)
}

func TestClose_LeavesProvidedStoreOpen(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	store, err := cache.NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	c, err := New(Options{
		URL:     srv.URL,
		Store:   store,
		Metrics: metrics.NewRegistry(prometheus.NewRegistry()),
		Fetch:   []fetch.Option{fetch.WithHTTPClient(srv.Client())},
	})
	require.NoError(t, err)
	query(t, c, operation.Operation{Query: "{ n }"})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok, err := store.Get(context.Background(), operation.DeriveKey("{ n }", nil))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubscriptions_NoForwarder(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	_, err := c.ExecuteSubscription(operation.Operation{Query: "subscription { n }"})
	require.ErrorIs(t, err, ErrNoForwarder)
	_, err = Subscribe[any](c, operation.Operation{Query: "subscription { n }"}, subscription.DefaultReducer)
	require.ErrorIs(t, err, ErrNoForwarder)
}

func TestSubscribe_PauseDropsItems(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	src := subscription.NewSubject()
	var forwarded []operation.Resolved
	c := newTestClient(t, srv, func(o *Options) {
		o.SubscriptionForwarder = func(op operation.Resolved) subscription.Observable {
			forwarded = append(forwarded, op)
			return src
		}
	})

	sum := func(prev *int, r operation.Result) int {
		if prev == nil {
			return 0
		}
		var v struct{ N int }
		if err := r.Decode(&v); err != nil {
			return *prev
		}
		return *prev + v.N
	}
	s, err := Subscribe(c, operation.Operation{Query: "subscription { n }"}, sum)
	require.NoError(t, err)
	defer s.Close()

	src.Next(operation.Result{Data: map[string]any{"N": 1}})
	s.Pause()
	src.Next(operation.Result{Data: map[string]any{"N": 10}})
	src.Next(operation.Result{Data: map[string]any{"N": 100}})
	s.Resume()
	src.Next(operation.Result{Data: map[string]any{"N": 1000}})

	require.Equal(t, 1001, s.Data())
	require.Len(t, forwarded, 2)
	require.Equal(t, operation.Subscription, forwarded[0].Type)
	require.Equal(t, map[string]any{}, forwarded[0].Variables)
}

func TestExecuteSubscription(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	src := subscription.NewSubject()
	c := newTestClient(t, srv, func(o *Options) {
		o.SubscriptionForwarder = func(operation.Resolved) subscription.Observable { return src }
	})

	obs, err := c.ExecuteSubscription(operation.Operation{Query: "subscription { n }"})
	require.NoError(t, err)

	var got []any
	u := obs.Subscribe(subscription.Observer{Next: func(r operation.Result) { got = append(got, r.Data) }})
	src.Next(operation.Result{Data: 1})
	u.Unsubscribe()
	src.Next(operation.Result{Data: 2})
	require.Equal(t, []any{1}, got)
}

func TestNewSubscription_ListenerSeesFirstItem(t *testing.T) {
	srv := graphqltest.NewServer(counter())
	defer srv.Close()
	c := newTestClient(t, srv, func(o *Options) {
		o.SubscriptionForwarder = func(operation.Resolved) subscription.Observable {
			return subscription.ObservableFunc(func(o subscription.Observer) subscription.Unsubscriber {
				o.Next(operation.Result{Data: "first"})
				o.Complete()
				return subscription.UnsubscribeFunc(func() {})
			})
		}
	})

	s, err := NewSubscription[any](c, operation.Operation{Query: "subscription { n }"}, subscription.DefaultReducer)
	require.NoError(t, err)
	defer s.Close()

	var got []subscription.State[any]
	s.OnChange(func(st subscription.State[any]) { got = append(got, st) })
	s.Start()

	require.Equal(t, []subscription.State[any]{
		{Data: "first"},
		{Data: "first", Completed: true},
	}, got)
}
