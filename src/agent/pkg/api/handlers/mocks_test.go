// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"net/netip"
	"time"

	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	"github.com/stretchr/testify/mock"
)

// MockAttachments returns a fixed set of bindings
type MockAttachments struct {
	bindings []dataplane.InterfaceBinding
}

func (m *MockAttachments) Bindings() []dataplane.InterfaceBinding {
	return m.bindings
}

func newMockAttachments() *MockAttachments {
	return &MockAttachments{
		bindings: []dataplane.InterfaceBinding{
			{
				Interface:     "eth0",
				Index:         2,
				Direction:     dataplane.Internet(),
				DirectionName: "internet",
				IngressFilter: &dataplane.Handle{Kind: dataplane.HandleXDP, Program: dataplane.ProgXDP},
			},
			{
				Interface:     "eth1",
				Index:         3,
				Direction:     dataplane.IspNetwork(),
				DirectionName: "isp",
				IngressFilter: &dataplane.Handle{Kind: dataplane.HandleXDP, Program: dataplane.ProgXDP},
			},
		},
	}
}

// MockThroughput serves canned tracker results
type MockThroughput struct {
	totals     throughput.Totals
	hosts      []throughput.HostRate
	lastTopN   int
	lastWindow time.Duration
}

func (m *MockThroughput) Totals() throughput.Totals { return m.totals }

func (m *MockThroughput) Hosts() []throughput.HostRate { return m.hosts }

func (m *MockThroughput) TopDownloaders(n int) []throughput.HostRate {
	m.lastTopN = n
	if len(m.hosts) > n {
		return m.hosts[:n]
	}
	return m.hosts
}

func (m *MockThroughput) UnknownHosts(window time.Duration) []throughput.HostRate {
	m.lastWindow = window
	var out []throughput.HostRate
	for _, h := range m.hosts {
		if !h.Shaped() {
			out = append(out, h)
		}
	}
	return out
}

func hostRate(addr string, handle throughput.TCHandle, down uint64) throughput.HostRate {
	key := throughput.HostKeyFromAddr(netip.MustParseAddr(addr))
	return throughput.HostRate{
		Key:           key,
		Address:       key.String(),
		TCHandle:      handle,
		Class:         handle.String(),
		BitsPerSecond: throughput.Rate{Down: down},
	}
}

func newMockThroughput() *MockThroughput {
	return &MockThroughput{
		totals: throughput.Totals{
			BitsPerSecond:       throughput.Rate{Down: 3000, Up: 300},
			ShapedBitsPerSecond: throughput.Rate{Down: 2000, Up: 200},
			Hosts:               3,
		},
		hosts: []throughput.HostRate{
			hostRate("10.0.0.1", throughput.NewTCHandle(1, 2), 2000),
			hostRate("10.0.0.2", 0, 900),
			hostRate("fd00::1", 0, 100),
		},
	}
}

// MockMappingManager is a mock implementation of ipmap.Manager
type MockMappingManager struct {
	mock.Mock
}

func (m *MockMappingManager) Add(mp *ipmap.Mapping) error {
	return m.Called(mp).Error(0)
}

func (m *MockMappingManager) Delete(prefix string) error {
	return m.Called(prefix).Error(0)
}

func (m *MockMappingManager) List() ([]ipmap.Mapping, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ipmap.Mapping), args.Error(1)
}

func (m *MockMappingManager) Clear() error {
	return m.Called().Error(0)
}
