// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package percpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
)

// ErrMapOpen is returned when a pinned map cannot be opened.
var ErrMapOpen = errors.New("unable to open BPF map")

// possibleCPUs is resolved once per process and never changes afterwards.
var possibleCPUs = sync.OnceValues(ebpf.PossibleCPU)

// NumCPUs returns the number of possible CPUs, which is the length of every
// per-CPU value slice the kernel hands back.
func NumCPUs() (int, error) {
	n, err := possibleCPUs()
	if err != nil {
		return 0, fmt.Errorf("discovering possible CPUs: %w", err)
	}
	return n, nil
}

// KernelMap is the subset of *ebpf.Map used for cursor scans.
type KernelMap interface {
	NextKey(key, nextKeyOut interface{}) error
	Lookup(key, valueOut interface{}) error
	Close() error
}

var _ KernelMap = (*ebpf.Map)(nil)

// Map is an exclusively owned handle to a per-CPU BPF map.
//
// K and V must match the kernel key and value layout byte for byte. The
// handle owns one file descriptor, released by Close.
//
// The kernel's "next key" cursor is shared by everything using the handle, so
// only one ForEach may run on a Map at a time. Callers serialize access; the
// Map does not.
type Map[K any, V any] struct {
	path   string
	km     KernelMap
	values []V

	// valuesOut boxes values once so each Lookup reuses the same backing
	// array without converting the slice to an interface per key.
	valuesOut interface{}
}

// Open connects to a pinned per-CPU map by its bpffs path.
func Open[K any, V any](path string) (*Map[K, V], error) {
	n, err := NumCPUs()
	if err != nil {
		return nil, err
	}

	m, err := ebpf.LoadPinnedMap(path, &ebpf.LoadPinOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMapOpen, path, err)
	}

	pm := New[K, V](m, n)
	pm.path = path
	return pm, nil
}

// New wraps an already opened map. numCPUs fixes the per-key value slice
// length for the lifetime of the handle.
func New[K any, V any](km KernelMap, numCPUs int) *Map[K, V] {
	values := make([]V, numCPUs)
	return &Map[K, V]{
		km:        km,
		values:    values,
		valuesOut: values,
	}
}

// Path returns the bpffs path the map was opened from, if any.
func (m *Map[K, V]) Path() string {
	return m.path
}

// ForEach walks every key in the map and calls visit with the key and one
// value per CPU, ordered by CPU index.
//
// Both arguments point into buffers owned by the Map that are overwritten for
// the next key: visit must copy anything it wants to keep. A key deleted by
// the kernel between NextKey and Lookup is skipped.
func (m *Map[K, V]) ForEach(visit func(key *K, values []V)) error {
	var key, prev K
	var prevPtr *K

	for {
		var err error
		if prevPtr == nil {
			err = m.km.NextKey(nil, &key)
		} else {
			err = m.km.NextKey(prevPtr, &key)
		}
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walking map %s: %w", m.path, err)
		}

		if err := m.km.Lookup(&key, m.valuesOut); err == nil {
			visit(&key, m.values)
		}

		prev = key
		prevPtr = &prev
	}
}

// Close releases the map file descriptor.
func (m *Map[K, V]) Close() error {
	if m.km == nil {
		return nil
	}
	err := m.km.Close()
	m.km = nil
	return err
}
