// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"errors"
	"fmt"

	"github.com/shaper-dataplane/src/agent/pkg/config"
	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	log "github.com/sirupsen/logrus"
)

// attachAll attaches every planned interface in order and stops at the first
// failure. Interfaces attached before the failure stay attached.
func attachAll(am dataplane.AttachmentManager, plan []config.Attachment, handler dataplane.EventHandler) error {
	if len(plan) == 0 {
		return errors.New("no interfaces configured")
	}

	for _, a := range plan {
		binding, err := am.Attach(a.Interface, a.Direction, handler)
		if err != nil {
			if errors.Is(err, dataplane.ErrPermissionDenied) {
				log.Error("Attaching requires root (or CAP_BPF and CAP_NET_ADMIN)")
			}
			return fmt.Errorf("attaching %s: %w", a.Interface, err)
		}
		log.Infof("✓ %s attached as %s on CPUs %v", binding.Interface, binding.DirectionName, binding.Assignment.CPUs())
	}
	return nil
}
