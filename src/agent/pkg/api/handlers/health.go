// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shaper-dataplane/src/agent/pkg/api/models"
	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
)

// Version is reported by the status endpoint. Set with -ldflags at build time.
var Version = "dev"

var startTime = time.Now()

// BindingLister exposes the interfaces currently attached
type BindingLister interface {
	Bindings() []dataplane.InterfaceBinding
}

// ThroughputSource exposes the rates computed by the tracker
type ThroughputSource interface {
	Totals() throughput.Totals
	Hosts() []throughput.HostRate
	TopDownloaders(n int) []throughput.HostRate
	UnknownHosts(window time.Duration) []throughput.HostRate
}

var _ ThroughputSource = (*throughput.Tracker)(nil)

// HealthHandler handles health check requests
type HealthHandler struct {
	attachments BindingLister
	throughput  ThroughputSource
	mappings    ipmap.Manager
}

// NewHealthHandler creates a new health handler. mappings may be nil.
func NewHealthHandler(attachments BindingLister, tp ThroughputSource, mappings ipmap.Manager) *HealthHandler {
	return &HealthHandler{
		attachments: attachments,
		throughput:  tp,
		mappings:    mappings,
	}
}

// GetHealth handles GET /api/v1/health
// Simple health check endpoint
func (h *HealthHandler) GetHealth(c *gin.Context) {
	response := models.HealthResponse{
		Status:  "ok",
		Message: "API server is healthy",
	}

	c.JSON(http.StatusOK, response)
}

// GetStatus handles GET /api/v1/status
// Detailed status endpoint with attachment information
func (h *HealthHandler) GetStatus(c *gin.Context) {
	bindings := h.attachments.Bindings()
	totals := h.throughput.Totals()

	overallStatus := "ok"

	mappingCount := 0
	if h.mappings != nil {
		mappings, err := h.mappings.List()
		if err != nil {
			overallStatus = "degraded"
		}
		mappingCount = len(mappings)
	}

	dataPlaneStatus := models.DataPlaneStatus{
		Status:  "running",
		Message: "Data plane is attached and forwarding",
	}
	switch {
	case len(bindings) == 0:
		overallStatus = "degraded"
		dataPlaneStatus.Status = "detached"
		dataPlaneStatus.Message = "No interfaces attached"
	case totals.Hosts == 0:
		dataPlaneStatus.Status = "idle"
		dataPlaneStatus.Message = "Data plane is idle (no hosts seen)"
	}

	response := models.StatusResponse{
		Status:     overallStatus,
		Version:    Version,
		Interfaces: bindings,
		DataPlane:  dataPlaneStatus,
		API: models.APIStatus{
			Status:  "running",
			Message: "API server is operational",
		},
		Throughput:   &totals,
		MappingCount: mappingCount,
		Uptime:       int64(time.Since(startTime).Seconds()),
	}

	c.JSON(http.StatusOK, response)
}
