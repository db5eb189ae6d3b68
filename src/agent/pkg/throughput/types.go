// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package throughput

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"unsafe"
)

// ErrLayout is returned by CheckLayout when a kernel-shared struct no longer
// matches the layout the BPF programs were compiled against.
var ErrLayout = errors.New("kernel struct layout mismatch")

// HostKey is the 16-byte address key of the traffic map. IPv4 addresses are
// stored as twelve 0xFF bytes followed by the four address bytes; IPv6
// addresses are stored verbatim.
type HostKey [16]byte

// HostKeyFromAddr encodes addr the way the kernel program does.
func HostKeyFromAddr(addr netip.Addr) HostKey {
	var k HostKey
	if addr.Is4() || addr.Is4In6() {
		for i := 0; i < 12; i++ {
			k[i] = 0xFF
		}
		v4 := addr.Unmap().As4()
		copy(k[12:], v4[:])
		return k
	}
	return HostKey(addr.As16())
}

// IsIPv4 reports whether the key carries the IPv4 prefix.
func (k HostKey) IsIPv4() bool {
	for i := 0; i < 12; i++ {
		if k[i] != 0xFF {
			return false
		}
	}
	return true
}

// Addr decodes the key back into an address.
func (k HostKey) Addr() netip.Addr {
	if k.IsIPv4() {
		return netip.AddrFrom4([4]byte{k[12], k[13], k[14], k[15]})
	}
	return netip.AddrFrom16(k)
}

func (k HostKey) String() string {
	return k.Addr().String()
}

// TCHandle is a traffic-control class handle, major in the upper 16 bits and
// minor in the lower 16. Zero means the host has not been classified.
type TCHandle uint32

// NewTCHandle builds a handle from its major and minor parts.
func NewTCHandle(major, minor uint16) TCHandle {
	return TCHandle(uint32(major)<<16 | uint32(minor))
}

// Major returns the upper 16 bits.
func (h TCHandle) Major() uint16 { return uint16(h >> 16) }

// Minor returns the lower 16 bits.
func (h TCHandle) Minor() uint16 { return uint16(h) }

// String formats the handle the way tc prints it, "major:minor" in hex.
func (h TCHandle) String() string {
	return fmt.Sprintf("%x:%x", h.Major(), h.Minor())
}

// ParseTCHandle parses a "major:minor" hex handle such as "1:12".
func ParseTCHandle(s string) (TCHandle, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid tc handle %q: expected major:minor", s)
	}
	majorVal, err := strconv.ParseUint(major, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid tc handle major %q: %w", major, err)
	}
	minorVal, err := strconv.ParseUint(minor, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid tc handle minor %q: %w", minor, err)
	}
	return NewTCHandle(uint16(majorVal), uint16(minorVal)), nil
}

// HostCounter mirrors the per-CPU value of the traffic map.
type HostCounter struct {
	DownloadBytes   uint64
	UploadBytes     uint64
	DownloadPackets uint64
	UploadPackets   uint64
	TCHandle        TCHandle
	_               [4]byte
	// LastSeen is kernel monotonic time in nanoseconds.
	LastSeen uint64
}

// hostCounterSize is the size of the kernel's struct host_counter.
const hostCounterSize = 48

// CheckLayout verifies HostKey and HostCounter still match the kernel layout.
// It is called once at startup; a mismatch would silently corrupt every
// counter read.
func CheckLayout() error {
	var c HostCounter
	if got := unsafe.Sizeof(c); got != hostCounterSize {
		return fmt.Errorf("%w: HostCounter is %d bytes, want %d", ErrLayout, got, hostCounterSize)
	}
	if got := binary.Size(c); got != hostCounterSize {
		return fmt.Errorf("%w: HostCounter encodes to %d bytes, want %d", ErrLayout, got, hostCounterSize)
	}
	offsets := []struct {
		field string
		got   uintptr
		want  uintptr
	}{
		{"DownloadBytes", unsafe.Offsetof(c.DownloadBytes), 0},
		{"UploadBytes", unsafe.Offsetof(c.UploadBytes), 8},
		{"DownloadPackets", unsafe.Offsetof(c.DownloadPackets), 16},
		{"UploadPackets", unsafe.Offsetof(c.UploadPackets), 24},
		{"TCHandle", unsafe.Offsetof(c.TCHandle), 32},
		{"LastSeen", unsafe.Offsetof(c.LastSeen), 40},
	}
	for _, o := range offsets {
		if o.got != o.want {
			return fmt.Errorf("%w: HostCounter.%s at offset %d, want %d", ErrLayout, o.field, o.got, o.want)
		}
	}
	if got := unsafe.Sizeof(HostKey{}); got != 16 {
		return fmt.Errorf("%w: HostKey is %d bytes, want 16", ErrLayout, got)
	}
	return nil
}

// Add accumulates another CPU's counter into c. Byte and packet counts are
// summed, the first non-zero TC handle wins and LastSeen keeps the latest
// timestamp.
func (c *HostCounter) Add(o *HostCounter) {
	c.DownloadBytes += o.DownloadBytes
	c.UploadBytes += o.UploadBytes
	c.DownloadPackets += o.DownloadPackets
	c.UploadPackets += o.UploadPackets
	if c.TCHandle == 0 {
		c.TCHandle = o.TCHandle
	}
	if o.LastSeen > c.LastSeen {
		c.LastSeen = o.LastSeen
	}
}

// Sum folds a per-CPU slice into one counter.
func Sum(perCPU []HostCounter) HostCounter {
	var total HostCounter
	for i := range perCPU {
		total.Add(&perCPU[i])
	}
	return total
}
