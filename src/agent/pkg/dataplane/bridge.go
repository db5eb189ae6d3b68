// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"github.com/cilium/ebpf"
	log "github.com/sirupsen/logrus"
)

const (
	bridgeInterfaceMap = "bifrost_interface_map"
	bridgeVLANMap      = "bifrost_vlan_map"
)

// InterfaceMapping redirects everything arriving on Name straight out of
// RedirectTo. With ScanVLANs set, VLAN mappings for Name are consulted first.
type InterfaceMapping struct {
	Name       string `mapstructure:"name" json:"name"`
	RedirectTo string `mapstructure:"redirect_to" json:"redirect_to"`
	ScanVLANs  bool   `mapstructure:"scan_vlans" json:"scan_vlans"`
}

// VLANMapping rewrites Tag to RedirectTo for frames arriving on Parent.
type VLANMapping struct {
	Parent     string `mapstructure:"parent" json:"parent"`
	Tag        uint16 `mapstructure:"tag" json:"tag"`
	RedirectTo uint16 `mapstructure:"redirect_to" json:"redirect_to"`
}

// BridgeConfig describes the XDP bridge. When Enabled is false the ingress
// classifier is never attached.
type BridgeConfig struct {
	Enabled    bool
	Interfaces []InterfaceMapping
	VLANs      []VLANMapping
}

// BridgeMaps rebuilds the bridge lookup tables.
type BridgeMaps interface {
	Clear() error
	MapInterfaces(mappings []InterfaceMapping) error
	MapVLANs(mappings []VLANMapping) error
}

type bridgeInterfaceValue struct {
	RedirectTo uint32
	ScanVLANs  uint32
}

type bridgeVLANValue struct {
	RedirectTo uint32
}

// BridgeVLANKey builds the VLAN map key for a tag seen on ifindex.
func BridgeVLANKey(ifindex int, tag uint16) uint32 {
	return uint32(ifindex)<<16 | uint32(tag)
}

// BridgeMap is the subset of *ebpf.Map the bridge tables need.
type BridgeMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Delete(key interface{}) error
	NextKey(key, nextKeyOut interface{}) error
	Close() error
}

var _ BridgeMap = (*ebpf.Map)(nil)

// PinnedBridgeMaps writes the bridge tables pinned by the kernel program.
type PinnedBridgeMaps struct {
	open    func(name string) (BridgeMap, error)
	ifindex func(name string) (int, error)
}

// NewPinnedBridgeMaps uses the maps pinned in dir.
func NewPinnedBridgeMaps(dir string) *PinnedBridgeMaps {
	if dir == "" {
		dir = DefaultPinPath
	}
	return &PinnedBridgeMaps{
		open: func(name string) (BridgeMap, error) {
			return ebpf.LoadPinnedMap(filepath.Join(dir, name), nil)
		},
		ifindex: func(name string) (int, error) {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return 0, err
			}
			return iface.Index, nil
		},
	}
}

// NewBridgeMaps builds bridge tables over arbitrary maps.
func NewBridgeMaps(open func(name string) (BridgeMap, error), ifindex func(name string) (int, error)) *PinnedBridgeMaps {
	return &PinnedBridgeMaps{open: open, ifindex: ifindex}
}

// Clear empties both bridge tables.
func (b *PinnedBridgeMaps) Clear() error {
	if err := clearMap[uint32](b.open, bridgeInterfaceMap); err != nil {
		return err
	}
	return clearMap[uint32](b.open, bridgeVLANMap)
}

func clearMap[K comparable](open func(string) (BridgeMap, error), name string) error {
	m, err := open(name)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer m.Close()

	// Collect first: deleting while walking restarts the kernel cursor.
	var keys []K
	var key K
	var prev *K
	for {
		var err error
		if prev == nil {
			err = m.NextKey(nil, &key)
		} else {
			err = m.NextKey(prev, &key)
		}
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("walking %s: %w", name, err)
		}
		keys = append(keys, key)
		k := key
		prev = &k
	}

	for i := range keys {
		if err := m.Delete(&keys[i]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
	}
	log.Debugf("Cleared %d entries from %s", len(keys), name)
	return nil
}

// MapInterfaces writes one redirect entry per mapping.
func (b *PinnedBridgeMaps) MapInterfaces(mappings []InterfaceMapping) error {
	m, err := b.open(bridgeInterfaceMap)
	if err != nil {
		return fmt.Errorf("opening %s: %w", bridgeInterfaceMap, err)
	}
	defer m.Close()

	for _, mapping := range mappings {
		from, err := b.ifindex(mapping.Name)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", mapping.Name, err)
		}
		to, err := b.ifindex(mapping.RedirectTo)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", mapping.RedirectTo, err)
		}
		key := uint32(from)
		val := bridgeInterfaceValue{RedirectTo: uint32(to)}
		if mapping.ScanVLANs {
			val.ScanVLANs = 1
		}
		if err := m.Update(&key, &val, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("mapping %s -> %s: %w", mapping.Name, mapping.RedirectTo, err)
		}
		log.Infof("Bridge: %s (%d) -> %s (%d)", mapping.Name, from, mapping.RedirectTo, to)
	}
	return nil
}

// MapVLANs writes one tag rewrite entry per mapping.
func (b *PinnedBridgeMaps) MapVLANs(mappings []VLANMapping) error {
	m, err := b.open(bridgeVLANMap)
	if err != nil {
		return fmt.Errorf("opening %s: %w", bridgeVLANMap, err)
	}
	defer m.Close()

	for _, mapping := range mappings {
		parent, err := b.ifindex(mapping.Parent)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", mapping.Parent, err)
		}
		key := BridgeVLANKey(parent, mapping.Tag)
		val := bridgeVLANValue{RedirectTo: uint32(mapping.RedirectTo)}
		if err := m.Update(&key, &val, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("mapping VLAN %d on %s: %w", mapping.Tag, mapping.Parent, err)
		}
		log.Infof("Bridge: %s VLAN %d -> %d", mapping.Parent, mapping.Tag, mapping.RedirectTo)
	}
	return nil
}
