// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package ipmap

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	log "github.com/sirupsen/logrus"
)

// MapName is the pinned LPM trie read by the kernel program.
const MapName = "map_ip_to_cpu_and_tc"

// ErrNotFound is returned when deleting a prefix that is not mapped.
var ErrNotFound = errors.New("mapping not found")

// Mapping steers traffic for a prefix to a CPU and TC class
type Mapping struct {
	Prefix   string `json:"prefix"`    // CIDR notation, bare addresses become /32 or /128
	CPU      uint32 `json:"cpu"`       // CPU the XDP program redirects to
	TCHandle string `json:"tc_handle"` // "major:minor"
}

// Key mirrors struct ip_hash_key. IPv4 prefixes are stored inside the
// 0xFF-prefixed 16-byte form, so their length is offset by 96.
type Key struct {
	PrefixLen uint32
	Address   throughput.HostKey
}

// Info mirrors struct ip_hash_info.
type Info struct {
	CPU      uint32
	TCHandle uint32
}

// kernelMap is the subset of *ebpf.Map used by the manager.
type kernelMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Delete(key interface{}) error
	NextKey(key, nextKeyOut interface{}) error
	Lookup(key, valueOut interface{}) error
}

var _ kernelMap = (*ebpf.Map)(nil)

// MappingManager manages IP to CPU/TC mappings
type MappingManager struct {
	ipMap   kernelMap
	storage Storage
}

// OpenPinned opens the mapping trie pinned under dir.
func OpenPinned(dir string) (*ebpf.Map, error) {
	m, err := ebpf.LoadPinnedMap(filepath.Join(dir, MapName), nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", MapName, err)
	}
	return m, nil
}

// NewManager creates a new mapping manager without persistence
func NewManager(m kernelMap) *MappingManager {
	return &MappingManager{ipMap: m}
}

// NewManagerWithStorage creates a new mapping manager with persistence
func NewManagerWithStorage(m kernelMap, storage Storage) *MappingManager {
	return &MappingManager{ipMap: m, storage: storage}
}

// LoadPersisted replays stored mappings into the kernel map
func (mm *MappingManager) LoadPersisted() error {
	if mm.storage == nil {
		return fmt.Errorf("no storage configured")
	}

	mappings, err := mm.storage.LoadMappings()
	if err != nil {
		return fmt.Errorf("failed to load mappings from storage: %w", err)
	}

	successCount := 0
	for i := range mappings {
		if err := mm.addToMap(&mappings[i]); err != nil {
			log.Warnf("Failed to restore mapping %s: %v", mappings[i].Prefix, err)
			continue
		}
		successCount++
	}

	log.Infof("Restored %d/%d IP mappings from storage", successCount, len(mappings))
	return nil
}

// Add maps a prefix, replacing any existing entry for it
func (mm *MappingManager) Add(m *Mapping) error {
	if err := mm.addToMap(m); err != nil {
		return err
	}

	if mm.storage != nil {
		if err := mm.storage.SaveMapping(m); err != nil {
			// The kernel map stays authoritative.
			log.Warnf("Failed to persist mapping %s: %v", m.Prefix, err)
		}
	}
	return nil
}

func (mm *MappingManager) addToMap(m *Mapping) error {
	key, canonical, err := ParsePrefix(m.Prefix)
	if err != nil {
		return err
	}
	handle, err := throughput.ParseTCHandle(m.TCHandle)
	if err != nil {
		return err
	}
	m.Prefix = canonical
	m.TCHandle = handle.String()

	value := Info{CPU: m.CPU, TCHandle: uint32(handle)}
	if err := mm.ipMap.Update(&key, &value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("failed to add mapping to map: %w", err)
	}

	log.Infof("IP mapping added: %s -> cpu=%d class=%s", m.Prefix, m.CPU, m.TCHandle)
	return nil
}

// Delete removes the mapping for prefix
func (mm *MappingManager) Delete(prefix string) error {
	key, canonical, err := ParsePrefix(prefix)
	if err != nil {
		return err
	}

	if err := mm.ipMap.Delete(&key); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, canonical)
		}
		return fmt.Errorf("failed to delete mapping from map: %w", err)
	}
	log.Infof("IP mapping deleted: %s", canonical)

	if mm.storage != nil {
		if err := mm.storage.DeleteMapping(canonical); err != nil {
			log.Warnf("Failed to delete mapping %s from storage: %v", canonical, err)
		}
	}
	return nil
}

// List returns every mapping currently in the kernel map
func (mm *MappingManager) List() ([]Mapping, error) {
	var mappings []Mapping
	err := mm.walk(func(key Key) error {
		var info Info
		if err := mm.ipMap.Lookup(&key, &info); err != nil {
			// Deleted while walking.
			return nil
		}
		mappings = append(mappings, Mapping{
			Prefix:   FormatKey(key),
			CPU:      info.CPU,
			TCHandle: throughput.TCHandle(info.TCHandle).String(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate mappings: %w", err)
	}
	return mappings, nil
}

// Clear removes every mapping
func (mm *MappingManager) Clear() error {
	var keys []Key
	if err := mm.walk(func(key Key) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to iterate mappings: %w", err)
	}

	for i := range keys {
		if err := mm.ipMap.Delete(&keys[i]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("failed to delete mapping %s: %w", FormatKey(keys[i]), err)
		}
	}
	log.Infof("Cleared %d IP mappings", len(keys))

	if mm.storage != nil {
		if err := mm.storage.ClearAll(); err != nil {
			log.Warnf("Failed to clear mapping storage: %v", err)
		}
	}
	return nil
}

func (mm *MappingManager) walk(visit func(Key) error) error {
	var key Key
	var prev *Key
	for {
		var err error
		if prev == nil {
			err = mm.ipMap.NextKey(nil, &key)
		} else {
			err = mm.ipMap.NextKey(prev, &key)
		}
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := visit(key); err != nil {
			return err
		}
		k := key
		prev = &k
	}
}

// Helper functions

// ParsePrefix converts an address or CIDR into the trie key and the
// canonical prefix string.
func ParsePrefix(s string) (Key, string, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return Key{}, "", fmt.Errorf("invalid address %q: %w", s, err)
		}
		s = netip.PrefixFrom(addr, addr.Unmap().BitLen()).String()
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return Key{}, "", fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	prefix = prefix.Masked()

	addr := prefix.Addr()
	bits := uint32(prefix.Bits())
	if addr.Is4() {
		bits += 96
	}
	return Key{PrefixLen: bits, Address: throughput.HostKeyFromAddr(addr)}, prefix.String(), nil
}

// FormatKey renders a trie key as a prefix.
func FormatKey(k Key) string {
	addr := k.Address.Addr()
	bits := int(k.PrefixLen)
	if k.Address.IsIPv4() {
		bits -= 96
		if bits < 0 {
			bits = 0
		}
	}
	return netip.PrefixFrom(addr, bits).String()
}
