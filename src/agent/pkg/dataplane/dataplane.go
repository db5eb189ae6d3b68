// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Names of the program globals holding the config region.
const (
	varDirection    = "direction"
	varInternetVLAN = "internet_vlan"
	varIspVLAN      = "isp_vlan"
)

// LinuxKernel performs attachment against the running kernel.
type LinuxKernel struct {
	pinPath string
	shell   Runner
}

var _ Kernel = (*LinuxKernel)(nil)

// NewLinuxKernel creates a kernel adapter pinning maps under pinPath and
// running tc/ip through shell.
func NewLinuxKernel(pinPath string, shell Runner) *LinuxKernel {
	if pinPath == "" {
		pinPath = DefaultPinPath
	}
	if shell == nil {
		shell = ExecRunner{}
	}
	return &LinuxKernel{pinPath: pinPath, shell: shell}
}

// Privileged reports whether the process runs as root.
func (k *LinuxKernel) Privileged() bool {
	return os.Geteuid() == 0
}

// InterfaceIndex resolves an interface name.
func (k *LinuxKernel) InterfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %s not found: %w", name, err)
	}
	return iface.Index, nil
}

// EnableStrictMode lifts the memlock limit for map allocation. Programs are
// always loaded with full verification; a verifier rejection is reported with
// its log instead of being retried in a relaxed form.
func (k *LinuxKernel) EnableStrictMode() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock limit: %w", err)
	}
	return nil
}

// LoadProgram opens the object at objectPath, writes region into its
// globals and loads it, pinning shared maps.
func (k *LinuxKernel) LoadProgram(objectPath string, region ConfigRegion) (*Program, error) {
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", objectPath, err)
	}

	for _, name := range []string{ProgXDP, ProgEgress, ProgIngress} {
		if spec.Programs[name] == nil {
			return nil, fmt.Errorf("%w: %s", ErrProgramMissing, name)
		}
	}

	if err := setVariable(spec, varDirection, int32(region.Direction)); err != nil {
		return nil, err
	}
	if err := setVariable(spec, varInternetVLAN, region.InternetVLAN); err != nil {
		return nil, err
	}
	if err := setVariable(spec, varIspVLAN, region.IspVLAN); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: k.pinPath},
	})
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			log.Errorf("Verifier rejected %s: %+v", objectPath, ve)
		}
		return nil, fmt.Errorf("loading %s: %w", objectPath, err)
	}

	log.Debugf("eBPF objects loaded from %s", objectPath)
	return &Program{
		Region:  region,
		coll:    coll,
		xdp:     coll.Programs[ProgXDP],
		egress:  coll.Programs[ProgEgress],
		ingress: coll.Programs[ProgIngress],
	}, nil
}

func setVariable(spec *ebpf.CollectionSpec, name string, value interface{}) error {
	v, ok := spec.Variables[name]
	if !ok {
		return fmt.Errorf("variable %s missing from object", name)
	}
	if err := v.Set(value); err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	return nil
}

// AttachXDP attaches the ingress filter with the given mode flags. The
// attachment is owned by the interface, not by this process.
func (k *LinuxKernel) AttachXDP(ifindex int, prog *Program, flags uint32) error {
	fd, err := prog.fd(ProgXDP)
	if err != nil {
		return err
	}
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("getting netlink interface: %w", err)
	}
	return netlink.LinkSetXdpFdWithFlags(nlLink, fd, int(flags|unix.XDP_FLAGS_UPDATE_IF_NOEXIST))
}

// DetachXDP removes any XDP program in every mode.
func (k *LinuxKernel) DetachXDP(ifindex int) error {
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("getting netlink interface: %w", err)
	}
	var errs []error
	for _, flags := range []int{unix.XDP_FLAGS_SKB_MODE, unix.XDP_FLAGS_DRV_MODE, unix.XDP_FLAGS_HW_MODE} {
		if err := netlink.LinkSetXdpFdWithFlags(nlLink, -1, flags); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func classifierParent(dir ClassifierDirection) uint32 {
	if dir == Ingress {
		return netlink.HANDLE_MIN_INGRESS
	}
	return netlink.HANDLE_MIN_EGRESS
}

func classifierProgram(dir ClassifierDirection) string {
	if dir == Ingress {
		return ProgIngress
	}
	return ProgEgress
}

// AttachClassifier installs a direct-action BPF filter on the clsact hook.
func (k *LinuxKernel) AttachClassifier(ifindex int, prog *Program, dir ClassifierDirection) error {
	name := classifierProgram(dir)
	fd, err := prog.fd(name)
	if err != nil {
		return err
	}

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: ifindex,
			Parent:    classifierParent(dir),
			Handle:    1,
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           fd,
		Name:         name,
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		return fmt.Errorf("attaching %s filter: %w", dir, err)
	}
	log.Infof("TC program %s attached to ifindex %d %s", name, ifindex, dir)
	return nil
}

// DetachClassifier removes our filter from the hook, leaving others alone.
func (k *LinuxKernel) DetachClassifier(ifindex int, dir ClassifierDirection) error {
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("getting netlink interface: %w", err)
	}
	filters, err := netlink.FilterList(nlLink, classifierParent(dir))
	if err != nil {
		return fmt.Errorf("listing %s filters: %w", dir, err)
	}
	name := classifierProgram(dir)
	var errs []error
	for _, f := range filters {
		bpfFilter, ok := f.(*netlink.BpfFilter)
		if !ok || bpfFilter.Name != name {
			continue
		}
		if err := netlink.FilterDel(bpfFilter); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Debugf("Removed old %s BPF filter from ifindex %d", dir, ifindex)
	}
	return errors.Join(errs...)
}

// RemoveClsact deletes the clsact qdisc, dropping every filter on it.
func (k *LinuxKernel) RemoveClsact(ifname string) error {
	return k.shell.Run("tc", "qdisc", "del", "dev", ifname, "clsact")
}

// AddClsact creates the clsact qdisc.
func (k *LinuxKernel) AddClsact(ifname string) error {
	return k.shell.Run("tc", "qdisc", "add", "dev", ifname, "clsact")
}

// SetPromisc turns on promiscuous mode.
func (k *LinuxKernel) SetPromisc(ifname string) error {
	return k.shell.Run("ip", "link", "set", ifname, "promisc", "on")
}

// OpenEventChannel opens a reader on the named ring buffer map.
func (k *LinuxKernel) OpenEventChannel(prog *Program, name string) (EventSource, error) {
	if prog == nil || prog.coll == nil {
		return nil, errors.New("program not loaded")
	}
	m, ok := prog.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("map %s not found", name)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("creating ring buffer reader: %w", err)
	}
	return rd, nil
}
