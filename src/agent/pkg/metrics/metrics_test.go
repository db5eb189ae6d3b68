// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package metrics

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot map[throughput.HostKey]throughput.HostCounter

func (s snapshot) Collect() map[throughput.HostKey]throughput.HostCounter { return s }

func TestObserveAttach(t *testing.T) {
	ObserveAttach("test-attach0", "")
	ObserveAttach("test-attach0", "")
	ObserveAttach("test-attach0", "affinity")

	assert.Equal(t, 2.0, testutil.ToFloat64(AttachTotal.WithLabelValues("test-attach0", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AttachTotal.WithLabelValues("test-attach0", "affinity")))
}

func TestSetXDPMode(t *testing.T) {
	modes := []string{"hw", "driver", "skb"}
	SetXDPMode("test-mode0", "driver", modes)

	assert.Equal(t, 0.0, testutil.ToFloat64(XDPMode.WithLabelValues("test-mode0", "hw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(XDPMode.WithLabelValues("test-mode0", "driver")))

	SetXDPMode("test-mode0", "skb", modes)
	assert.Equal(t, 0.0, testutil.ToFloat64(XDPMode.WithLabelValues("test-mode0", "driver")))
	assert.Equal(t, 1.0, testutil.ToFloat64(XDPMode.WithLabelValues("test-mode0", "skb")))
}

func TestObservePollError(t *testing.T) {
	before := testutil.ToFloat64(PollErrorsTotal)
	ObservePollError()
	assert.Equal(t, before+1, testutil.ToFloat64(PollErrorsTotal))
}

func TestObserveTotals(t *testing.T) {
	ObserveTotals(throughput.Totals{
		Hosts:               3,
		BitsPerSecond:       throughput.Rate{Down: 1000, Up: 200},
		ShapedBitsPerSecond: throughput.Rate{Down: 600},
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(TrackedHosts))
	assert.Equal(t, 1000.0, testutil.ToFloat64(ThroughputBits.WithLabelValues("down", "all")))
	assert.Equal(t, 600.0, testutil.ToFloat64(ThroughputBits.WithLabelValues("down", "shaped")))
}

func TestHostCollector(t *testing.T) {
	key := throughput.HostKeyFromAddr(netip.MustParseAddr("10.9.8.7"))
	c := NewHostCollector(snapshot{
		key: {DownloadBytes: 1500, UploadBytes: 40, DownloadPackets: 1, UploadPackets: 1, TCHandle: throughput.NewTCHandle(1, 3)},
	})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP lqos_host_bytes_total Bytes seen per host
# TYPE lqos_host_bytes_total counter
lqos_host_bytes_total{direction="down",host="10.9.8.7",tc_handle="1:3"} 1500
lqos_host_bytes_total{direction="up",host="10.9.8.7",tc_handle="1:3"} 40
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lqos_host_bytes_total"))
	assert.Equal(t, 4, testutil.CollectAndCount(c))
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	ObserveEvent()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lqos_heimdall_events_total")
}
