// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shaper-dataplane/src/agent/pkg/api/models"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
)

const (
	defaultTopHosts      = 10
	defaultUnknownWindow = 30 * time.Second
)

// ThroughputHandler handles throughput and per-host requests
type ThroughputHandler struct {
	source ThroughputSource
}

// NewThroughputHandler creates a new throughput handler
func NewThroughputHandler(source ThroughputSource) *ThroughputHandler {
	return &ThroughputHandler{source: source}
}

// GetTotals handles GET /api/v1/throughput
func (h *ThroughputHandler) GetTotals(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.Totals())
}

// GetHosts handles GET /api/v1/hosts
func (h *ThroughputHandler) GetHosts(c *gin.Context) {
	c.JSON(http.StatusOK, hostList(h.source.Hosts()))
}

// GetTopHosts handles GET /api/v1/hosts/top?n=10
func (h *ThroughputHandler) GetTopHosts(c *gin.Context) {
	n := defaultTopHosts
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(
				http.StatusBadRequest,
				models.ErrKindValidation,
				"n must be a positive integer",
				raw,
			))
			return
		}
		n = parsed
	}

	c.JSON(http.StatusOK, hostList(h.source.TopDownloaders(n)))
}

// GetUnknownHosts handles GET /api/v1/hosts/unknown?window=30s
func (h *ThroughputHandler) GetUnknownHosts(c *gin.Context) {
	window := defaultUnknownWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(
				http.StatusBadRequest,
				models.ErrKindValidation,
				"window must be a positive duration",
				raw,
			))
			return
		}
		window = parsed
	}

	c.JSON(http.StatusOK, hostList(h.source.UnknownHosts(window)))
}

func hostList(hosts []throughput.HostRate) models.HostListResponse {
	if hosts == nil {
		hosts = []throughput.HostRate{}
	}
	return models.HostListResponse{Hosts: hosts, Count: len(hosts)}
}
