package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.CacheLookups.WithLabelValues("cache-first", "hit").Inc()
	m.CacheLookups.WithLabelValues("cache-first", "hit").Inc()
	require.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("cache-first", "hit")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	require.Equal(t, "villus_cache_lookups_total", families[0].GetName())
}

func TestDefaultRegistry(t *testing.T) {
	require.NotNil(t, DefaultRegistry)
	require.NotNil(t, DefaultRegistry.Executions)
}
