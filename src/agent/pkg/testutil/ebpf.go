// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package testutil

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
)

// FakePerCPUMap is an in-memory stand-in for a per-CPU hash map. Keys are
// returned by NextKey in insertion order, like a freshly populated kernel
// hash bucket walk would be for a small map.
type FakePerCPUMap[K comparable, V any] struct {
	mu      sync.Mutex
	keys    []K
	values  map[K][]V
	closed  bool
	lookups int

	// VanishOnLookup lists keys that disappear between NextKey and Lookup,
	// mimicking the kernel deleting an entry mid-scan.
	VanishOnLookup map[K]bool

	// NextKeyErr, if set, is returned by NextKey instead of walking.
	NextKeyErr error
}

// NewFakePerCPUMap creates an empty fake per-CPU map.
func NewFakePerCPUMap[K comparable, V any]() *FakePerCPUMap[K, V] {
	return &FakePerCPUMap[K, V]{
		values:         make(map[K][]V),
		VanishOnLookup: make(map[K]bool),
	}
}

// Set stores one value per CPU for key.
func (f *FakePerCPUMap[K, V]) Set(key K, perCPU ...V) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = append([]V(nil), perCPU...)
}

// NextKey implements the cursor contract of (*ebpf.Map).NextKey.
func (f *FakePerCPUMap[K, V]) NextKey(key, nextKeyOut interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NextKeyErr != nil {
		return f.NextKeyErr
	}

	out, ok := nextKeyOut.(*K)
	if !ok {
		return fmt.Errorf("unexpected key out type %T", nextKeyOut)
	}

	next := 0
	if key != nil {
		prev, ok := key.(*K)
		if !ok {
			return fmt.Errorf("unexpected key type %T", key)
		}
		next = len(f.keys)
		for i, k := range f.keys {
			if k == *prev {
				next = i + 1
				break
			}
		}
	}

	if next >= len(f.keys) {
		return ebpf.ErrKeyNotExist
	}
	*out = f.keys[next]
	return nil
}

// Lookup copies the per-CPU values for key into valueOut, which must be a
// []V of the handle's CPU count.
func (f *FakePerCPUMap[K, V]) Lookup(key, valueOut interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lookups++
	k, ok := key.(*K)
	if !ok {
		return fmt.Errorf("unexpected key type %T", key)
	}
	if f.VanishOnLookup[*k] {
		return ebpf.ErrKeyNotExist
	}
	stored, ok := f.values[*k]
	if !ok {
		return ebpf.ErrKeyNotExist
	}
	out, ok := valueOut.([]V)
	if !ok {
		return fmt.Errorf("unexpected value out type %T", valueOut)
	}
	var zero V
	for i := range out {
		if i < len(stored) {
			out[i] = stored[i]
		} else {
			out[i] = zero
		}
	}
	return nil
}

// Close marks the fake as closed.
func (f *FakePerCPUMap[K, V]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakePerCPUMap[K, V]) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Lookups returns how many Lookup calls were made.
func (f *FakePerCPUMap[K, V]) Lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// FakeHashMap is an in-memory stand-in for a regular (non per-CPU) map,
// supporting the update, delete and cursor calls used by the map writers.
type FakeHashMap[K comparable, V any] struct {
	mu     sync.Mutex
	keys   []K
	values map[K]V

	// UpdateErr, if set, is returned by Update and Put.
	UpdateErr error
	// FailAfter makes Update fail once this many updates have succeeded.
	// Zero disables it.
	FailAfter int
	updates   int
}

// NewFakeHashMap creates an empty fake hash map.
func NewFakeHashMap[K comparable, V any]() *FakeHashMap[K, V] {
	return &FakeHashMap[K, V]{values: make(map[K]V)}
}

// Update stores value under key.
func (f *FakeHashMap[K, V]) Update(key, value interface{}, _ ebpf.MapUpdateFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	if f.FailAfter > 0 && f.updates >= f.FailAfter {
		return fmt.Errorf("fake map full after %d updates", f.updates)
	}

	k, err := deref[K](key)
	if err != nil {
		return err
	}
	v, err := deref[V](value)
	if err != nil {
		return err
	}
	if _, ok := f.values[k]; !ok {
		f.keys = append(f.keys, k)
	}
	f.values[k] = v
	f.updates++
	return nil
}

// Put is Update with ebpf.UpdateAny.
func (f *FakeHashMap[K, V]) Put(key, value interface{}) error {
	return f.Update(key, value, ebpf.UpdateAny)
}

// Delete removes key, returning ebpf.ErrKeyNotExist when absent.
func (f *FakeHashMap[K, V]) Delete(key interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k, err := deref[K](key)
	if err != nil {
		return err
	}
	if _, ok := f.values[k]; !ok {
		return ebpf.ErrKeyNotExist
	}
	delete(f.values, k)
	for i := range f.keys {
		if f.keys[i] == k {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
	return nil
}

// NextKey implements the cursor contract of (*ebpf.Map).NextKey.
func (f *FakeHashMap[K, V]) NextKey(key, nextKeyOut interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	out, ok := nextKeyOut.(*K)
	if !ok {
		return fmt.Errorf("unexpected key out type %T", nextKeyOut)
	}
	next := 0
	if key != nil {
		prev, err := deref[K](key)
		if err != nil {
			return err
		}
		next = len(f.keys)
		for i, k := range f.keys {
			if k == prev {
				next = i + 1
				break
			}
		}
	}
	if next >= len(f.keys) {
		return ebpf.ErrKeyNotExist
	}
	*out = f.keys[next]
	return nil
}

// Lookup copies the value for key into valueOut (*V).
func (f *FakeHashMap[K, V]) Lookup(key, valueOut interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k, err := deref[K](key)
	if err != nil {
		return err
	}
	v, ok := f.values[k]
	if !ok {
		return ebpf.ErrKeyNotExist
	}
	out, ok := valueOut.(*V)
	if !ok {
		return fmt.Errorf("unexpected value out type %T", valueOut)
	}
	*out = v
	return nil
}

// Get returns the stored value for key.
func (f *FakeHashMap[K, V]) Get(key K) (V, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

// Len returns the number of stored keys.
func (f *FakeHashMap[K, V]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

// Close is a no-op.
func (f *FakeHashMap[K, V]) Close() error {
	return nil
}

func deref[T any](v interface{}) (T, error) {
	switch x := v.(type) {
	case *T:
		return *x, nil
	case T:
		return x, nil
	default:
		var zero T
		return zero, fmt.Errorf("unexpected type %T", v)
	}
}
