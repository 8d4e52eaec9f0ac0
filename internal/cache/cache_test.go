package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pipe01/villus/internal/metrics"
	"github.com/pipe01/villus/internal/operation"
	"github.com/pipe01/villus/internal/pipeline"
)

// fakeTransport answers every operation with a fixed result and counts calls.
type fakeTransport struct {
	result operation.Result
	calls  atomic.Int32
}

func (f *fakeTransport) Name() string { return "fake-transport" }

func (f *fakeTransport) Apply(ctx context.Context, pc *pipeline.Context) error {
	f.calls.Add(1)
	pc.UseResult(f.result, true)
	return nil
}

type harness struct {
	store     *MemoryStore
	transport *fakeTransport
	exec      *pipeline.Executor
	metrics   *metrics.Registry
}

func newHarness(t *testing.T, fresh operation.Result) *harness {
	t.Helper()
	store, err := NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	tr := &fakeTransport{result: fresh}
	exec := pipeline.NewExecutor(
		[]pipeline.Plugin{New(store, WithMetrics(reg)), tr},
		pipeline.WithMetrics(reg),
	)
	return &harness{store: store, transport: tr, exec: exec, metrics: reg}
}

func (h *harness) run(t *testing.T, op operation.Operation, typ operation.Type) operation.Result {
	t.Helper()
	r, err := h.exec.Execute(context.Background(), op, typ)
	require.NoError(t, err)
	h.exec.Wait()
	return r
}

func (h *harness) seed(t *testing.T, op operation.Operation, r operation.Result) operation.Key {
	t.Helper()
	key := operation.DeriveKey(op.Query, op.Variables)
	require.NoError(t, h.store.Set(context.Background(), key, r))
	return key
}

func (h *harness) cached(t *testing.T, key operation.Key) (operation.Result, bool) {
	t.Helper()
	r, ok, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	return r, ok
}

var (
	userQuery = operation.Operation{Query: "query ($id: ID!) { user(id: $id) { name } }", Variables: map[string]any{"id": "1"}}
	stale     = operation.Result{Data: map[string]any{"user": map[string]any{"name": "old"}}}
	fresh     = operation.Result{Data: map[string]any{"user": map[string]any{"name": "new"}}}
)

func withPolicy(op operation.Operation, p operation.CachePolicy) operation.Operation {
	op.CachePolicy = p
	return op
}

func TestCacheFirst_Hit(t *testing.T) {
	h := newHarness(t, fresh)
	h.seed(t, userQuery, stale)

	got := h.run(t, withPolicy(userQuery, operation.CacheFirst), operation.Query)
	require.Equal(t, stale, got)
	require.Zero(t, h.transport.calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CacheLookups.WithLabelValues("cache-first", "hit")))
}

func TestCacheFirst_Miss(t *testing.T) {
	h := newHarness(t, fresh)

	got := h.run(t, withPolicy(userQuery, operation.CacheFirst), operation.Query)
	require.Equal(t, fresh, got)
	require.EqualValues(t, 1, h.transport.calls.Load())

	cached, ok := h.cached(t, operation.DeriveKey(userQuery.Query, userQuery.Variables))
	require.True(t, ok)
	require.Equal(t, fresh, cached)

	// the second run is served from the cache
	got = h.run(t, withPolicy(userQuery, operation.CacheFirst), operation.Query)
	require.Equal(t, fresh, got)
	require.EqualValues(t, 1, h.transport.calls.Load())
}

func TestNetworkOnly_Bypass(t *testing.T) {
	h := newHarness(t, fresh)
	key := h.seed(t, userQuery, stale)

	got := h.run(t, withPolicy(userQuery, operation.NetworkOnly), operation.Query)
	require.Equal(t, fresh, got)
	require.EqualValues(t, 1, h.transport.calls.Load())

	cached, ok := h.cached(t, key)
	require.True(t, ok)
	require.Equal(t, fresh, cached)
}

func TestCacheOnly_Hit(t *testing.T) {
	h := newHarness(t, fresh)
	h.seed(t, userQuery, stale)

	got := h.run(t, withPolicy(userQuery, operation.CacheOnly), operation.Query)
	require.Equal(t, stale, got)
	require.Zero(t, h.transport.calls.Load())
}

func TestCacheOnly_MissNeverReachesNetwork(t *testing.T) {
	h := newHarness(t, fresh)

	got := h.run(t, withPolicy(userQuery, operation.CacheOnly), operation.Query)
	require.Equal(t, operation.Result{}, got)
	require.Zero(t, h.transport.calls.Load())
	require.Zero(t, h.store.Len())
}

func TestCacheAndNetwork_HitRefetches(t *testing.T) {
	h := newHarness(t, fresh)
	key := h.seed(t, userQuery, stale)

	got := h.run(t, withPolicy(userQuery, operation.CacheAndNetwork), operation.Query)
	require.Equal(t, stale, got)
	require.EqualValues(t, 1, h.transport.calls.Load())

	cached, ok := h.cached(t, key)
	require.True(t, ok)
	require.Equal(t, fresh, cached)
}

func TestCacheAndNetwork_Miss(t *testing.T) {
	h := newHarness(t, fresh)

	got := h.run(t, withPolicy(userQuery, operation.CacheAndNetwork), operation.Query)
	require.Equal(t, fresh, got)
	require.EqualValues(t, 1, h.transport.calls.Load())
}

func TestMutationPassesThrough(t *testing.T) {
	h := newHarness(t, fresh)
	mutation := operation.Operation{Query: "mutation { like }", CachePolicy: operation.CacheOnly}
	key := h.seed(t, mutation, stale)

	got := h.run(t, mutation, operation.Mutation)
	require.Equal(t, fresh, got)
	require.EqualValues(t, 1, h.transport.calls.Load())

	cached, _ := h.cached(t, key)
	require.Equal(t, stale, cached, "mutation results are never stored")
}

func TestUnknownPolicyFails(t *testing.T) {
	h := newHarness(t, fresh)
	_, err := h.exec.Execute(context.Background(), withPolicy(userQuery, "cache-sometimes"), operation.Query)
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

// brokenStore fails every call.
type brokenStore struct{ err error }

func (b brokenStore) Get(context.Context, operation.Key) (operation.Result, bool, error) {
	return operation.Result{}, false, b.err
}
func (b brokenStore) Set(context.Context, operation.Key, operation.Result) error { return b.err }
func (b brokenStore) Close() error                                               { return nil }

func TestStoreFailures(t *testing.T) {
	storeErr := errors.New("redis down")
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	tr := &fakeTransport{result: fresh}
	var background error
	exec := pipeline.NewExecutor(
		[]pipeline.Plugin{New(brokenStore{storeErr}, WithMetrics(reg)), tr},
		pipeline.WithMetrics(reg),
		pipeline.WithBackgroundErrorHandler(func(_ context.Context, _ operation.Key, err error) { background = err }),
	)

	got, err := exec.Execute(context.Background(), withPolicy(userQuery, operation.CacheFirst), operation.Query)
	require.NoError(t, err, "lookup failure is a miss")
	require.Equal(t, fresh, got)
	exec.Wait()

	require.ErrorIs(t, background, storeErr)
	require.Equal(t, 1.0, testutil.ToFloat64(reg.CacheLookups.WithLabelValues("cache-first", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(reg.CacheWrites.WithLabelValues("error")))
}
