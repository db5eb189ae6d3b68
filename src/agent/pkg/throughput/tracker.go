// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package throughput

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Collector is anything that can produce a summed per-host snapshot.
type Collector interface {
	Collect() map[HostKey]HostCounter
}

var _ Collector = (*Harvester)(nil)

// Rate is a download/upload pair.
type Rate struct {
	Down uint64 `json:"down"`
	Up   uint64 `json:"up"`
}

// HostRate is the latest computed throughput of one host.
type HostRate struct {
	Key              HostKey  `json:"-"`
	Address          string   `json:"address"`
	TCHandle         TCHandle `json:"-"`
	Class            string   `json:"tc_handle"`
	BitsPerSecond    Rate     `json:"bits_per_second"`
	PacketsPerSecond Rate     `json:"packets_per_second"`
	Bytes            Rate     `json:"bytes"`
	Packets          Rate     `json:"packets"`
	LastSeen         uint64   `json:"last_seen"`
}

// Shaped reports whether the host has been assigned a TC class.
func (h HostRate) Shaped() bool {
	return h.TCHandle != 0
}

// Totals aggregates every host seen in the last update.
type Totals struct {
	BitsPerSecond          Rate      `json:"bits_per_second"`
	PacketsPerSecond       Rate      `json:"packets_per_second"`
	ShapedBitsPerSecond    Rate      `json:"shaped_bits_per_second"`
	ShapedPacketsPerSecond Rate      `json:"shaped_packets_per_second"`
	Hosts                  int       `json:"hosts"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Tracker turns successive counter snapshots into rates.
type Tracker struct {
	mu        sync.RWMutex
	collector Collector
	clock     func() uint64
	wall      func() time.Time

	lastTick uint64
	previous map[HostKey]HostCounter
	hosts    map[HostKey]*HostRate
	totals   Totals
}

// NewTracker creates a tracker fed by collector.
func NewTracker(collector Collector) *Tracker {
	return &Tracker{
		collector: collector,
		clock:     monotonicNow,
		wall:      time.Now,
		previous:  make(map[HostKey]HostCounter),
		hosts:     make(map[HostKey]*HostRate),
	}
}

// SetClock replaces the monotonic nanosecond clock. Must be called before the
// first Update.
func (t *Tracker) SetClock(clock func() uint64) {
	t.clock = clock
}

// monotonicNow reads the same clock bpf_ktime_get_ns uses, so LastSeen values
// from the kernel are directly comparable.
func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// Update harvests a snapshot and recomputes every rate. The first call only
// primes the baseline; rates are reported from the second call on. A counter
// that went backwards (map entry recreated) counts as zero delta.
func (t *Tracker) Update() {
	snapshot := t.collector.Collect()
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	var elapsed float64
	if t.lastTick != 0 && now > t.lastTick {
		elapsed = float64(now-t.lastTick) / float64(time.Second)
	}

	totals := Totals{Hosts: len(snapshot), UpdatedAt: t.wall()}
	hosts := make(map[HostKey]*HostRate, len(snapshot))

	for key, cur := range snapshot {
		hr := &HostRate{
			Key:      key,
			Address:  key.String(),
			TCHandle: cur.TCHandle,
			Class:    cur.TCHandle.String(),
			Bytes:    Rate{Down: cur.DownloadBytes, Up: cur.UploadBytes},
			Packets:  Rate{Down: cur.DownloadPackets, Up: cur.UploadPackets},
			LastSeen: cur.LastSeen,
		}

		if prev, ok := t.previous[key]; ok && elapsed > 0 {
			hr.BitsPerSecond = Rate{
				Down: perSecond(delta(cur.DownloadBytes, prev.DownloadBytes)*8, elapsed),
				Up:   perSecond(delta(cur.UploadBytes, prev.UploadBytes)*8, elapsed),
			}
			hr.PacketsPerSecond = Rate{
				Down: perSecond(delta(cur.DownloadPackets, prev.DownloadPackets), elapsed),
				Up:   perSecond(delta(cur.UploadPackets, prev.UploadPackets), elapsed),
			}
		}

		addRate(&totals.BitsPerSecond, hr.BitsPerSecond)
		addRate(&totals.PacketsPerSecond, hr.PacketsPerSecond)
		if hr.Shaped() {
			addRate(&totals.ShapedBitsPerSecond, hr.BitsPerSecond)
			addRate(&totals.ShapedPacketsPerSecond, hr.PacketsPerSecond)
		}
		hosts[key] = hr
	}

	t.previous = snapshot
	t.hosts = hosts
	t.totals = totals
	t.lastTick = now
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func perSecond(n uint64, seconds float64) uint64 {
	return uint64(float64(n) / seconds)
}

func addRate(dst *Rate, r Rate) {
	dst.Down += r.Down
	dst.Up += r.Up
}

// Totals returns the aggregate of the last update.
func (t *Tracker) Totals() Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totals
}

// Hosts returns every host of the last update, ordered by address.
func (t *Tracker) Hosts() []HostRate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]HostRate, 0, len(t.hosts))
	for _, hr := range t.hosts {
		out = append(out, *hr)
	}
	slices.SortFunc(out, func(a, b HostRate) int {
		return a.Key.Addr().Compare(b.Key.Addr())
	})
	return out
}

// TopDownloaders returns up to n hosts with the highest download rate.
func (t *Tracker) TopDownloaders(n int) []HostRate {
	hosts := t.Hosts()
	slices.SortStableFunc(hosts, func(a, b HostRate) int {
		return cmp.Compare(b.BitsPerSecond.Down, a.BitsPerSecond.Down)
	})
	if n >= 0 && len(hosts) > n {
		hosts = hosts[:n]
	}
	return hosts
}

// UnknownHosts returns hosts without a TC class that were seen by the kernel
// within window, i.e. traffic that is currently passing unshaped.
func (t *Tracker) UnknownHosts(window time.Duration) []HostRate {
	now := t.clock()
	var cutoff uint64
	if w := uint64(window.Nanoseconds()); now > w {
		cutoff = now - w
	}

	var out []HostRate
	for _, hr := range t.Hosts() {
		if hr.Shaped() || hr.LastSeen < cutoff {
			continue
		}
		out = append(out, hr)
	}
	return out
}
