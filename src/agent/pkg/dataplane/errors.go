// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the process lacks root privileges.
	ErrPermissionDenied = errors.New("root privileges required")
	// ErrUnknownInterface means the interface name did not resolve.
	ErrUnknownInterface = errors.New("unknown interface")
	// ErrKernelProgramRejected means the program object could not be opened
	// or loaded. It always points at a kernel/object version mismatch and is
	// not worth retrying.
	ErrKernelProgramRejected = errors.New("kernel program rejected")
	// ErrAttachExhausted means every XDP attach mode failed.
	ErrAttachExhausted = errors.New("unable to attach ingress filter in any mode")
	// ErrAffinity means CPU steering could not be configured.
	ErrAffinity = errors.New("cpu affinity configuration failed")
	// ErrClassifierAttach means the tc classifier could not be attached.
	ErrClassifierAttach = errors.New("unable to attach tc classifier")
	// ErrEventChannelUnavailable means the sampled event ring buffer is
	// missing or could not be opened.
	ErrEventChannelUnavailable = errors.New("event channel unavailable")
	// ErrBridge means the XDP bridge could not be set up. The interface is
	// left with its egress classifier attached.
	ErrBridge = errors.New("bridge setup failed")
)

// Stage names the attach step that failed.
type Stage string

const (
	StagePrivilege  Stage = "privilege"
	StageResolve    Stage = "resolve"
	StageLoad       Stage = "load"
	StageXDP        Stage = "xdp"
	StageAffinity   Stage = "affinity"
	StageClassifier Stage = "classifier"
	StageEvents     Stage = "events"
	StageBridge     Stage = "bridge"
)

// AttachError is returned by Manager.Attach and Manager.Detach.
type AttachError struct {
	Interface string
	Stage     Stage
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Interface, e.Stage, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

func attachErr(iface string, stage Stage, sentinel, cause error) *AttachError {
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &AttachError{Interface: iface, Stage: stage, Err: err}
}
