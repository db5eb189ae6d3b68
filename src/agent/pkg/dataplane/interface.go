// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

// AttachmentManager defines the operations for interface attachment.
// This interface is useful for testing and dependency injection.
type AttachmentManager interface {
	Attach(ifname string, dir Direction, handler EventHandler) (*InterfaceBinding, error)
	Detach(ifname string) error
	Bindings() []InterfaceBinding
}

// Ensure Manager implements AttachmentManager
var _ AttachmentManager = (*Manager)(nil)
