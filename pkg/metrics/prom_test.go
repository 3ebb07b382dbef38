package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.GetGauge().GetValue()
	}
	return out.GetCounter().GetValue()
}

func TestObserveRequest(t *testing.T) {
	before := value(t, Requests.WithLabelValues("get_user", "query", "200"))
	ObserveRequest("get_user", "query", http.StatusOK, 20*time.Millisecond)
	assert.Equal(t, before+1, value(t, Requests.WithLabelValues("get_user", "query", "200")))

	before = value(t, Requests.WithLabelValues(Unmatched, Unmatched, "404"))
	ObserveRequest("", "", http.StatusNotFound, time.Millisecond)
	assert.Equal(t, before+1, value(t, Requests.WithLabelValues(Unmatched, Unmatched, "404")))
}

func TestObserveReload(t *testing.T) {
	ok := value(t, RouteReloads.WithLabelValues("ok"))
	partial := value(t, RouteReloads.WithLabelValues("partial"))

	ObserveReload(3, 0)
	ObserveReload(2, 1)

	assert.Equal(t, ok+1, value(t, RouteReloads.WithLabelValues("ok")))
	assert.Equal(t, partial+1, value(t, RouteReloads.WithLabelValues("partial")))
	assert.Equal(t, float64(2), value(t, ActiveRoutes))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestStartPrometheusServer(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	StartPrometheusServer(ctx, &wg, &PromServerOpts{Addr: addr})

	ObserveFailure("query", "domain")

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), "sqlgate_failures_total")

	cancel()
	wg.Wait()
}
