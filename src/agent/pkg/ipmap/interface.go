// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package ipmap

// Manager interface defines the operations for IP mapping management.
// This interface is useful for testing and dependency injection.
type Manager interface {
	Add(m *Mapping) error
	Delete(prefix string) error
	List() ([]Mapping, error)
	Clear() error
}

// Ensure MappingManager implements Manager interface
var _ Manager = (*MappingManager)(nil)
