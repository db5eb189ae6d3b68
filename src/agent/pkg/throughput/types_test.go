// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package throughput

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLayout(t *testing.T) {
	require.NoError(t, CheckLayout())
}

func TestHostKey_IPv4Encoding(t *testing.T) {
	k := HostKeyFromAddr(netip.MustParseAddr("192.168.1.20"))

	want := HostKey{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		192, 168, 1, 20,
	}
	assert.Equal(t, want, k)
	assert.True(t, k.IsIPv4())
	assert.Equal(t, "192.168.1.20", k.String())
}

func TestHostKey_IPv4MappedCollapses(t *testing.T) {
	mapped := HostKeyFromAddr(netip.MustParseAddr("::ffff:10.1.2.3"))
	plain := HostKeyFromAddr(netip.MustParseAddr("10.1.2.3"))
	assert.Equal(t, plain, mapped)
}

func TestHostKey_IPv6Verbatim(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::42")
	k := HostKeyFromAddr(addr)

	assert.Equal(t, HostKey(addr.As16()), k)
	assert.False(t, k.IsIPv4())
	assert.Equal(t, addr, k.Addr())
}

func TestTCHandle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  TCHandle
		str   string
		err   bool
	}{
		{name: "simple", input: "1:12", want: NewTCHandle(1, 0x12), str: "1:12"},
		{name: "hex digits", input: "a:ff", want: NewTCHandle(0xa, 0xff), str: "a:ff"},
		{name: "whitespace", input: " 3:4 ", want: NewTCHandle(3, 4), str: "3:4"},
		{name: "missing colon", input: "12", err: true},
		{name: "bad major", input: "zz:1", err: true},
		{name: "minor overflow", input: "1:10000", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTCHandle(tt.input)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())
		})
	}
}

func TestSum_FieldWise(t *testing.T) {
	total := Sum([]HostCounter{
		{DownloadBytes: 10},
		{DownloadBytes: 20},
		{DownloadBytes: 5},
	})
	assert.Equal(t, uint64(35), total.DownloadBytes)
	assert.Zero(t, total.TCHandle)
}

func TestSum_Empty(t *testing.T) {
	assert.Equal(t, HostCounter{}, Sum(nil))
}
