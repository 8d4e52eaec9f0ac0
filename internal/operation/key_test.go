package operation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKey_IgnoresVariableOrder(t *testing.T) {
	q := "query ($id: ID!, $first: Int) { user(id: $id) { posts(first: $first) { id } } }"

	v1 := map[string]any{}
	v1["id"] = "u1"
	v1["first"] = 10
	v1["filter"] = map[string]any{"a": 1, "b": []any{"x", "y"}}

	v2 := map[string]any{}
	v2["filter"] = map[string]any{"b": []any{"x", "y"}, "a": 1}
	v2["first"] = 10
	v2["id"] = "u1"

	require.Equal(t, DeriveKey(q, v1), DeriveKey(q, v2))
}

func TestDeriveKey_NilEqualsEmpty(t *testing.T) {
	require.Equal(t, DeriveKey("{ a }", nil), DeriveKey("{ a }", map[string]any{}))
}

func TestDeriveKey_Distinguishes(t *testing.T) {
	base := DeriveKey("{ a }", map[string]any{"x": 1})
	require.NotEqual(t, base, DeriveKey("{ b }", map[string]any{"x": 1}))
	require.NotEqual(t, base, DeriveKey("{ a }", map[string]any{"x": 2}))
	require.NotEqual(t, base, DeriveKey("{ a }", nil))
}

func TestDeriveKey_UnencodableVariables(t *testing.T) {
	vars := map[string]any{"ch": make(chan int)}
	require.NotPanics(t, func() {
		require.NotEmpty(t, DeriveKey("{ a }", vars))
	})
}

func TestResolve(t *testing.T) {
	r := Resolve(Operation{Query: "{ a }"}, Query, "")
	require.Equal(t, DefaultCachePolicy, r.CachePolicy)
	require.NotNil(t, r.Variables)
	require.Equal(t, DeriveKey("{ a }", nil), r.Key)
	require.Equal(t, Query, r.Type)

	r = Resolve(Operation{Query: "{ a }"}, Query, NetworkOnly)
	require.Equal(t, NetworkOnly, r.CachePolicy)

	r = Resolve(Operation{Query: "{ a }", CachePolicy: CacheOnly}, Query, NetworkOnly)
	require.Equal(t, CacheOnly, r.CachePolicy)
}

func TestParseCachePolicy(t *testing.T) {
	for _, s := range []string{"cache-first", "cache-and-network", "network-only", "cache-only"} {
		p, err := ParseCachePolicy(s)
		require.NoError(t, err)
		require.Equal(t, CachePolicy(s), p)
	}
	_, err := ParseCachePolicy("whatever")
	require.Error(t, err)
}
