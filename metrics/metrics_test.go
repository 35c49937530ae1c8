package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("things_total", "things", "kind")
	b := r.Counter("things_total", "things", "kind")
	require.Same(t, a, b)

	a.WithLabelValues("x").Inc()
	a.WithLabelValues("x").Add(2)
	require.Equal(t, 3.0, testutil.ToFloat64(a.WithLabelValues("x")))
}

func TestGauge(t *testing.T) {
	r := NewRegistry()
	g := r.Gauge("pool_size", "size", "pool")
	g.WithLabelValues("pending").Set(4)
	g.WithLabelValues("pending").Dec()
	require.Equal(t, 3.0, testutil.ToFloat64(g.WithLabelValues("pending")))
}

func TestTimerObserves(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("op_seconds", "op", "op")
	timer := NewTimer(h.WithLabelValues("mine"))
	time.Sleep(time.Millisecond)
	require.Greater(t, timer.Stop(), time.Duration(0))
	require.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestHandlerExposesNamespace(t *testing.T) {
	r := NewRegistry()
	r.Counter("blocks_mined_total", "blocks", "mode").WithLabelValues("auto").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `edr_blocks_mined_total{mode="auto"} 1`)
}

func TestStandardMetricsRegistered(t *testing.T) {
	RPCRequests.WithLabelValues("eth_chainId", "ok").Inc()
	families, err := DefaultRegistry.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["edr_rpc_requests_total"])
}
