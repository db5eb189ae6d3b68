package models

import "github.com/shaper-dataplane/src/agent/pkg/throughput"

// HostListResponse represents a list of per-host rates
type HostListResponse struct {
	Hosts []throughput.HostRate `json:"hosts"`
	Count int                   `json:"count"`
}
