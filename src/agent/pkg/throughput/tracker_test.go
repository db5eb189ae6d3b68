// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package throughput

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCollector struct {
	snapshots []map[HostKey]HostCounter
	calls     int
}

func (s *staticCollector) Collect() map[HostKey]HostCounter {
	snap := s.snapshots[s.calls]
	if s.calls < len(s.snapshots)-1 {
		s.calls++
	}
	return snap
}

type fakeClock struct{ now uint64 }

func (c *fakeClock) Now() uint64 { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now += uint64(d) }

var (
	hostA = HostKeyFromAddr(netip.MustParseAddr("10.0.0.1"))
	hostB = HostKeyFromAddr(netip.MustParseAddr("10.0.0.2"))
	hostC = HostKeyFromAddr(netip.MustParseAddr("10.0.0.3"))
)

func newTestTracker(snaps ...map[HostKey]HostCounter) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: uint64(time.Hour)}
	tr := NewTracker(&staticCollector{snapshots: snaps})
	tr.SetClock(clock.Now)
	return tr, clock
}

func TestTracker_FirstUpdatePrimesBaseline(t *testing.T) {
	tr, _ := newTestTracker(map[HostKey]HostCounter{
		hostA: {DownloadBytes: 1000},
	})

	tr.Update()

	totals := tr.Totals()
	assert.Equal(t, 1, totals.Hosts)
	assert.Zero(t, totals.BitsPerSecond.Down)
	hosts := tr.Hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, uint64(1000), hosts[0].Bytes.Down)
}

func TestTracker_ComputesRates(t *testing.T) {
	tr, clock := newTestTracker(
		map[HostKey]HostCounter{
			hostA: {DownloadBytes: 1000, UploadBytes: 500, DownloadPackets: 10, UploadPackets: 5, TCHandle: NewTCHandle(1, 2)},
			hostB: {DownloadBytes: 0},
		},
		map[HostKey]HostCounter{
			hostA: {DownloadBytes: 3000, UploadBytes: 1500, DownloadPackets: 30, UploadPackets: 15, TCHandle: NewTCHandle(1, 2)},
			hostB: {DownloadBytes: 4000},
		},
	)

	tr.Update()
	clock.Advance(2 * time.Second)
	tr.Update()

	totals := tr.Totals()
	// host A: 2000 bytes over 2s = 8000 bit/s; host B: 4000 bytes over 2s = 16000 bit/s
	assert.Equal(t, uint64(24000), totals.BitsPerSecond.Down)
	assert.Equal(t, uint64(4000), totals.BitsPerSecond.Up)
	assert.Equal(t, uint64(10), totals.PacketsPerSecond.Down)
	assert.Equal(t, uint64(8000), totals.ShapedBitsPerSecond.Down)
	assert.Equal(t, uint64(4000), totals.ShapedBitsPerSecond.Up)
	assert.Equal(t, 2, totals.Hosts)
}

func TestTracker_CounterResetIsZeroDelta(t *testing.T) {
	tr, clock := newTestTracker(
		map[HostKey]HostCounter{hostA: {DownloadBytes: 5000}},
		map[HostKey]HostCounter{hostA: {DownloadBytes: 100}},
	)

	tr.Update()
	clock.Advance(time.Second)
	tr.Update()

	hosts := tr.Hosts()
	require.Len(t, hosts, 1)
	assert.Zero(t, hosts[0].BitsPerSecond.Down)
}

func TestTracker_DropsVanishedHosts(t *testing.T) {
	tr, clock := newTestTracker(
		map[HostKey]HostCounter{hostA: {}, hostB: {}},
		map[HostKey]HostCounter{hostB: {}},
	)

	tr.Update()
	clock.Advance(time.Second)
	tr.Update()

	hosts := tr.Hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, "10.0.0.2", hosts[0].Address)
}

func TestTracker_TopDownloaders(t *testing.T) {
	tr, clock := newTestTracker(
		map[HostKey]HostCounter{hostA: {}, hostB: {}, hostC: {}},
		map[HostKey]HostCounter{
			hostA: {DownloadBytes: 100},
			hostB: {DownloadBytes: 300},
			hostC: {DownloadBytes: 200},
		},
	)

	tr.Update()
	clock.Advance(time.Second)
	tr.Update()

	top := tr.TopDownloaders(2)
	require.Len(t, top, 2)
	assert.Equal(t, "10.0.0.2", top[0].Address)
	assert.Equal(t, "10.0.0.3", top[1].Address)

	assert.Len(t, tr.TopDownloaders(10), 3)
}

func TestTracker_UnknownHosts(t *testing.T) {
	base := uint64(time.Hour)
	tr, _ := newTestTracker(map[HostKey]HostCounter{
		hostA: {TCHandle: NewTCHandle(1, 1), LastSeen: base},
		hostB: {LastSeen: base - uint64(time.Second)},
		hostC: {LastSeen: base - uint64(10*time.Minute)},
	})

	tr.Update()

	unknown := tr.UnknownHosts(time.Minute)
	require.Len(t, unknown, 1)
	assert.Equal(t, "10.0.0.2", unknown[0].Address)
	assert.Equal(t, "0:0", unknown[0].Class)
}
