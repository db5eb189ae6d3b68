package models

import (
	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"` // "ok", "degraded", "down"
	Message string `json:"message"`
}

// StatusResponse represents detailed system status
type StatusResponse struct {
	Status       string                       `json:"status"` // "ok", "degraded", "down"
	Version      string                       `json:"version"`
	Interfaces   []dataplane.InterfaceBinding `json:"interfaces"`
	DataPlane    DataPlaneStatus              `json:"data_plane"`
	API          APIStatus                    `json:"api"`
	Throughput   *throughput.Totals           `json:"throughput,omitempty"`
	MappingCount int                          `json:"mapping_count"`
	Uptime       int64                        `json:"uptime_seconds"`
}

// DataPlaneStatus represents data plane status
type DataPlaneStatus struct {
	Status  string `json:"status"` // "running", "idle", "detached"
	Message string `json:"message"`
}

// APIStatus represents API server status
type APIStatus struct {
	Status  string `json:"status"` // "running", "stopped", "error"
	Message string `json:"message"`
}
