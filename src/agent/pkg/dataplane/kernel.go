// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// Names of the programs and maps inside the compiled object.
const (
	ProgXDP        = "xdp_prog"
	ProgEgress     = "tc_iphash_to_cpu"
	ProgIngress    = "bifrost"
	EventMapName   = "heimdall_events"
	DefaultPinPath = "/sys/fs/bpf"
)

// XDPMode is one rung of the ingress filter attach ladder.
type XDPMode struct {
	Name  string
	Flags uint32
}

// xdpLadder is tried in order until one mode sticks. Every attempt also
// carries XDP_FLAGS_UPDATE_IF_NOEXIST so an attached program is never
// silently replaced.
var xdpLadder = []XDPMode{
	{Name: "hardware offload", Flags: unix.XDP_FLAGS_HW_MODE},
	{Name: "driver", Flags: unix.XDP_FLAGS_DRV_MODE},
	{Name: "generic (SKB)", Flags: unix.XDP_FLAGS_SKB_MODE},
	{Name: "unflagged", Flags: 0},
}

// LadderModes returns the attach mode names in the order they are tried.
func LadderModes() []string {
	out := make([]string, len(xdpLadder))
	for i, m := range xdpLadder {
		out[i] = m.Name
	}
	return out
}

// ClassifierDirection selects the clsact hook.
type ClassifierDirection int

const (
	Egress ClassifierDirection = iota
	Ingress
)

func (d ClassifierDirection) String() string {
	if d == Ingress {
		return "ingress"
	}
	return "egress"
}

// Program is a loaded copy of the shaper object with its config region
// already baked in.
type Program struct {
	Region ConfigRegion

	coll    *ebpf.Collection
	xdp     *ebpf.Program
	egress  *ebpf.Program
	ingress *ebpf.Program
}

// Close releases the program and map descriptors held by userspace. Attached
// programs and pinned maps stay in the kernel.
func (p *Program) Close() {
	if p != nil && p.coll != nil {
		p.coll.Close()
	}
}

// fd returns the descriptor of the named program.
func (p *Program) fd(name string) (int, error) {
	var prog *ebpf.Program
	switch name {
	case ProgXDP:
		prog = p.xdp
	case ProgEgress:
		prog = p.egress
	case ProgIngress:
		prog = p.ingress
	}
	if prog == nil {
		return -1, fmt.Errorf("program %s not loaded", name)
	}
	return prog.FD(), nil
}

// Kernel is every privileged operation the attachment manager performs. The
// Linux implementation talks to netlink, bpffs and the tc/ip binaries; tests
// substitute a recorder.
type Kernel interface {
	Privileged() bool
	InterfaceIndex(name string) (int, error)
	EnableStrictMode() error
	LoadProgram(objectPath string, region ConfigRegion) (*Program, error)
	AttachXDP(ifindex int, prog *Program, flags uint32) error
	DetachXDP(ifindex int) error
	AttachClassifier(ifindex int, prog *Program, dir ClassifierDirection) error
	DetachClassifier(ifindex int, dir ClassifierDirection) error
	RemoveClsact(ifname string) error
	AddClsact(ifname string) error
	SetPromisc(ifname string) error
	OpenEventChannel(prog *Program, name string) (EventSource, error)
}

// ErrProgramMissing is wrapped by LoadProgram when the object lacks one of the
// required programs.
var ErrProgramMissing = errors.New("program missing from object")
