// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package throughput

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/shaper-dataplane/src/agent/pkg/percpu"
	"github.com/shaper-dataplane/src/agent/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeOpener(fake *testutil.FakePerCPUMap[HostKey, HostCounter], cpus int) OpenFunc {
	return func(path string) (*percpu.Map[HostKey, HostCounter], error) {
		return percpu.New[HostKey, HostCounter](fake, cpus), nil
	}
}

func TestCollect_SumsAcrossCPUs(t *testing.T) {
	fake := testutil.NewFakePerCPUMap[HostKey, HostCounter]()
	key := HostKeyFromAddr(netip.MustParseAddr("100.64.0.10"))
	fake.Set(key,
		HostCounter{DownloadBytes: 10, UploadBytes: 1, DownloadPackets: 1, LastSeen: 500},
		HostCounter{DownloadBytes: 20, UploadBytes: 2, DownloadPackets: 2, TCHandle: NewTCHandle(1, 5), LastSeen: 900},
		HostCounter{DownloadBytes: 5, UploadBytes: 3, DownloadPackets: 3, TCHandle: NewTCHandle(2, 7), LastSeen: 700},
	)

	h := NewHarvesterWithOpener("map_traffic", fakeOpener(fake, 3))
	got := h.Collect()

	require.Len(t, got, 1)
	c := got[key]
	assert.Equal(t, uint64(35), c.DownloadBytes)
	assert.Equal(t, uint64(6), c.UploadBytes)
	assert.Equal(t, uint64(6), c.DownloadPackets)
	assert.Equal(t, NewTCHandle(1, 5), c.TCHandle, "first non-zero handle wins")
	assert.Equal(t, uint64(900), c.LastSeen)
	assert.True(t, fake.Closed(), "handle must be released after the scan")
}

func TestCollect_EmptyMap(t *testing.T) {
	fake := testutil.NewFakePerCPUMap[HostKey, HostCounter]()
	h := NewHarvesterWithOpener("map_traffic", fakeOpener(fake, 2))

	got := h.Collect()

	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCollect_OpenFailureYieldsEmpty(t *testing.T) {
	h := NewHarvesterWithOpener("/sys/fs/bpf/missing", func(path string) (*percpu.Map[HostKey, HostCounter], error) {
		return nil, percpu.ErrMapOpen
	})

	got := h.Collect()
	assert.Empty(t, got)

	err := h.ForEach(func(*HostKey, []HostCounter) {})
	assert.True(t, errors.Is(err, percpu.ErrMapOpen))
}

func TestForEach_PassesRawSlices(t *testing.T) {
	fake := testutil.NewFakePerCPUMap[HostKey, HostCounter]()
	a := HostKeyFromAddr(netip.MustParseAddr("10.0.0.1"))
	b := HostKeyFromAddr(netip.MustParseAddr("2001:db8::1"))
	fake.Set(a, HostCounter{DownloadBytes: 1}, HostCounter{DownloadBytes: 2})
	fake.Set(b, HostCounter{UploadBytes: 3}, HostCounter{UploadBytes: 4})

	h := NewHarvesterWithOpener("map_traffic", fakeOpener(fake, 2))

	visited := map[HostKey][]HostCounter{}
	err := h.ForEach(func(key *HostKey, perCPU []HostCounter) {
		assert.Len(t, perCPU, 2)
		visited[*key] = append([]HostCounter(nil), perCPU...)
	})

	require.NoError(t, err)
	assert.Equal(t, uint64(2), visited[a][1].DownloadBytes)
	assert.Equal(t, uint64(3), visited[b][0].UploadBytes)
}

func TestNewHarvester_DefaultPath(t *testing.T) {
	assert.Equal(t, TrafficMapPath, NewHarvester("").Path())
	assert.Equal(t, "/tmp/x", NewHarvester("/tmp/x").Path())
}
