// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shaper-dataplane/src/agent/pkg/api/models"
	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	"github.com/shaper-dataplane/src/agent/pkg/testutil"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBindings []dataplane.InterfaceBinding

func (s staticBindings) Bindings() []dataplane.InterfaceBinding { return s }

type snapshot map[throughput.HostKey]throughput.HostCounter

func (s snapshot) Collect() map[throughput.HostKey]throughput.HostCounter { return s }

// sequence hands out one snapshot per Collect, repeating the last.
type sequence struct {
	snaps []snapshot
	next  int
}

func (s *sequence) Collect() map[throughput.HostKey]throughput.HostCounter {
	snap := s.snaps[s.next]
	if s.next < len(s.snaps)-1 {
		s.next++
	}
	return snap
}

// MinimalTestEnv wires the real router to a tracker over a fixed snapshot
// and a mapping manager over an in-memory trie.
type MinimalTestEnv struct {
	Router *gin.Engine
	Trie   *testutil.FakeHashMap[ipmap.Key, ipmap.Info]
}

func NewMinimalTestEnv(t *testing.T) *MinimalTestEnv {
	t.Helper()

	host := throughput.HostKeyFromAddr(netip.MustParseAddr("100.64.0.10"))
	var now uint64 = 1_000_000_000
	seq := &sequence{snaps: []snapshot{
		{host: {DownloadBytes: 1000, UploadBytes: 100, LastSeen: 1}},
		{host: {DownloadBytes: 126000, UploadBytes: 12600, LastSeen: now + 1}},
	}}

	tracker := throughput.NewTracker(seq)
	tracker.SetClock(func() uint64 { return now })
	tracker.Update()
	now += uint64(time.Second)
	tracker.Update()

	trie := testutil.NewFakeHashMap[ipmap.Key, ipmap.Info]()
	bindings := staticBindings{{Interface: "eth0", Index: 2, DirectionName: "internet"}}

	server, err := NewAPIServer(DefaultConfig(), bindings, tracker, ipmap.NewManager(trie))
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)

	return &MinimalTestEnv{Router: server.GetRouter(), Trie: trie}
}

func TestIntegration_API_Health(t *testing.T) {
	env := NewMinimalTestEnv(t)

	w := performRequest(env.Router, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestIntegration_API_Throughput(t *testing.T) {
	env := NewMinimalTestEnv(t)

	w := performRequest(env.Router, "GET", "/api/v1/throughput", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var totals throughput.Totals
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &totals))
	assert.Equal(t, uint64(125000*8), totals.BitsPerSecond.Down)
	assert.Equal(t, uint64(12500*8), totals.BitsPerSecond.Up)
	assert.Equal(t, 1, totals.Hosts)
}

func TestIntegration_API_MappingLifecycle(t *testing.T) {
	env := NewMinimalTestEnv(t)

	w := performRequest(env.Router, "POST", "/api/v1/mappings", models.MappingRequest{
		Prefix: "100.64.0.0/24", CPU: 1, TCHandle: "1:3",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, env.Trie.Len())

	w = performRequest(env.Router, "GET", "/api/v1/mappings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list models.MappingListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, models.MappingResponse{Prefix: "100.64.0.0/24", CPU: 1, TCHandle: "1:3"}, list.Mappings[0])

	w = performRequest(env.Router, "DELETE", "/api/v1/mappings?prefix=100.64.0.0/24", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, env.Trie.Len())

	w = performRequest(env.Router, "DELETE", "/api/v1/mappings?prefix=100.64.0.0/24", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIntegration_API_Status(t *testing.T) {
	env := NewMinimalTestEnv(t)

	w := performRequest(env.Router, "GET", "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "running", status.DataPlane.Status)
	require.Len(t, status.Interfaces, 1)
	assert.Equal(t, "eth0", status.Interfaces[0].Interface)
}

func TestIntegration_API_Config(t *testing.T) {
	env := NewMinimalTestEnv(t)

	w := performRequest(env.Router, "GET", "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg models.ConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, DefaultPort, cfg.APIPort)
	assert.Equal(t, []string{"eth0"}, cfg.Interfaces)
}

func TestIntegration_API_Metrics(t *testing.T) {
	env := NewMinimalTestEnv(t)

	w := performRequest(env.Router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestIntegration_API_NoMappingManager(t *testing.T) {
	tracker := throughput.NewTracker(snapshot{})
	server, err := NewAPIServer(nil, staticBindings{}, tracker, nil)
	require.NoError(t, err)

	w := performRequest(server.GetRouter(), "GET", "/api/v1/mappings", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewAPIServer_RequiresSources(t *testing.T) {
	_, err := NewAPIServer(nil, nil, nil, nil)
	assert.Error(t, err)
}

// Helper function to perform HTTP requests
func performRequest(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var bodyReader io.Reader
	if body != nil {
		jsonData, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, _ := http.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIntegration_API_CORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCORS = true
	server, err := NewAPIServer(cfg, staticBindings{}, throughput.NewTracker(snapshot{}), nil)
	require.NoError(t, err)

	w := performRequest(server.GetRouter(), "OPTIONS", "/api/v1/throughput", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = performRequest(server.GetRouter(), "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestIntegration_API_MetricsPathDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsPath = ""
	server, err := NewAPIServer(cfg, staticBindings{}, throughput.NewTracker(snapshot{}), nil)
	require.NoError(t, err)

	w := performRequest(server.GetRouter(), "GET", "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfig_Addr(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:9123", cfg.Addr())

	cfg.Host = "::1"
	assert.Equal(t, "[::1]:9123", cfg.Addr())
}
