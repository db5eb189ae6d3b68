// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package throughput

import (
	"github.com/shaper-dataplane/src/agent/pkg/percpu"
	log "github.com/sirupsen/logrus"
)

// TrafficMapPath is where the kernel program pins its per-host counters.
const TrafficMapPath = "/sys/fs/bpf/map_traffic"

// OpenFunc opens a fresh handle on the traffic map.
type OpenFunc func(path string) (*percpu.Map[HostKey, HostCounter], error)

// Harvester reads per-host counters out of the traffic map. Every call opens
// and closes its own handle, so concurrent calls never share a map cursor.
type Harvester struct {
	path string
	open OpenFunc
}

// NewHarvester creates a harvester for the map pinned at path. An empty path
// means TrafficMapPath.
func NewHarvester(path string) *Harvester {
	if path == "" {
		path = TrafficMapPath
	}
	return &Harvester{path: path, open: percpu.Open[HostKey, HostCounter]}
}

// NewHarvesterWithOpener creates a harvester that obtains map handles from
// open instead of bpffs. Used by tests and tools.
func NewHarvesterWithOpener(path string, open OpenFunc) *Harvester {
	return &Harvester{path: path, open: open}
}

// Path returns the pinned map path.
func (h *Harvester) Path() string {
	return h.path
}

// Collect returns one summed counter per host. If the map cannot be opened
// (the program is not loaded yet) the result is empty.
func (h *Harvester) Collect() map[HostKey]HostCounter {
	out := make(map[HostKey]HostCounter)
	err := h.ForEach(func(key *HostKey, perCPU []HostCounter) {
		out[*key] = Sum(perCPU)
	})
	if err != nil {
		log.Debugf("Collecting host counters from %s: %v", h.path, err)
	}
	return out
}

// ForEach streams the raw per-CPU counters of every host. The key and slice
// are only valid during the call.
func (h *Harvester) ForEach(visit func(key *HostKey, perCPU []HostCounter)) error {
	m, err := h.open(h.path)
	if err != nil {
		return err
	}
	defer m.Close()

	return m.ForEach(visit)
}
