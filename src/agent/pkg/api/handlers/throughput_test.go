// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shaper-dataplane/src/agent/pkg/api/models"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupThroughputTestRouter(tp *MockThroughput) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	handler := NewThroughputHandler(tp)

	api := router.Group("/api/v1")
	{
		api.GET("/throughput", handler.GetTotals)
		api.GET("/hosts", handler.GetHosts)
		api.GET("/hosts/top", handler.GetTopHosts)
		api.GET("/hosts/unknown", handler.GetUnknownHosts)
	}

	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeHosts(t *testing.T, w *httptest.ResponseRecorder) models.HostListResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	var response models.HostListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestGetTotals(t *testing.T) {
	router := setupThroughputTestRouter(newMockThroughput())

	w := get(router, "/api/v1/throughput")
	require.Equal(t, http.StatusOK, w.Code)

	var totals throughput.Totals
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &totals))
	assert.Equal(t, throughput.Rate{Down: 3000, Up: 300}, totals.BitsPerSecond)
	assert.Equal(t, throughput.Rate{Down: 2000, Up: 200}, totals.ShapedBitsPerSecond)
	assert.Equal(t, 3, totals.Hosts)
}

func TestGetHosts(t *testing.T) {
	router := setupThroughputTestRouter(newMockThroughput())

	response := decodeHosts(t, get(router, "/api/v1/hosts"))
	assert.Equal(t, 3, response.Count)
	require.Len(t, response.Hosts, 3)
	assert.Equal(t, "10.0.0.1", response.Hosts[0].Address)
	assert.Equal(t, "1:2", response.Hosts[0].Class)
}

func TestGetHosts_EmptyIsArray(t *testing.T) {
	router := setupThroughputTestRouter(&MockThroughput{})

	w := get(router, "/api/v1/hosts")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"hosts":[],"count":0}`, w.Body.String())
}

func TestGetTopHosts(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantN    int
		wantCode int
	}{
		{name: "default", query: "", wantN: defaultTopHosts, wantCode: http.StatusOK},
		{name: "explicit", query: "?n=2", wantN: 2, wantCode: http.StatusOK},
		{name: "zero", query: "?n=0", wantCode: http.StatusBadRequest},
		{name: "not a number", query: "?n=many", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := newMockThroughput()
			router := setupThroughputTestRouter(tp)

			w := get(router, "/api/v1/hosts/top"+tt.query)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantN, tp.lastTopN)
			}
		})
	}
}

func TestGetUnknownHosts(t *testing.T) {
	tp := newMockThroughput()
	router := setupThroughputTestRouter(tp)

	response := decodeHosts(t, get(router, "/api/v1/hosts/unknown?window=1m"))
	assert.Equal(t, time.Minute, tp.lastWindow)
	assert.Equal(t, 2, response.Count)
	for _, h := range response.Hosts {
		assert.Equal(t, "0:0", h.Class)
	}
}

func TestGetUnknownHosts_DefaultWindow(t *testing.T) {
	tp := newMockThroughput()
	router := setupThroughputTestRouter(tp)

	decodeHosts(t, get(router, "/api/v1/hosts/unknown"))
	assert.Equal(t, defaultUnknownWindow, tp.lastWindow)
}

func TestGetUnknownHosts_BadWindow(t *testing.T) {
	router := setupThroughputTestRouter(newMockThroughput())

	w := get(router, "/api/v1/hosts/unknown?window=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "validation_error", response.Error)
}
