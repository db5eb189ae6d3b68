// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package testutil provides utilities for testing the shaping data plane.
// It includes in-memory stand-ins for kernel maps, network namespace
// management, and traffic generation tools for end-to-end testing.
package testutil

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// ShapingNetwork is a bump-in-the-wire test topology. The two shaping
// interfaces live in the current namespace; their veth peers live in an
// upstream and a subscriber namespace on the same subnet, so traffic between
// them only flows when the data plane bridges the shaping interfaces.
type ShapingNetwork struct {
	// Network namespaces
	UpstreamNS   netns.NsHandle
	SubscriberNS netns.NsHandle

	// Shaping interfaces in the current namespace
	InternetIface string
	NetworkIface  string

	// Peers inside the namespaces
	UpstreamVeth   string
	SubscriberVeth string

	// IP addresses
	UpstreamIP   string
	SubscriberIP string

	// Original namespace (for cleanup)
	OriginalNS netns.NsHandle
}

// NetworkConfig contains configuration for test network creation.
type NetworkConfig struct {
	InternetIface  string
	NetworkIface   string
	UpstreamVeth   string
	SubscriberVeth string
	UpstreamIP     string
	SubscriberIP   string
}

// DefaultNetworkConfig returns default configuration for test network.
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		InternetIface:  "lqos-inet",
		NetworkIface:   "lqos-isp",
		UpstreamVeth:   "veth-up",
		SubscriberVeth: "veth-sub",
		UpstreamIP:     "10.200.0.1/24",
		SubscriberIP:   "10.200.0.2/24",
	}
}

// NewShapingNetwork creates the test topology:
//
//	[Upstream NS]                                          [Subscriber NS]
//	    |                                                         |
//	 veth-up <---> lqos-inet   (current NS)   lqos-isp <---> veth-sub
//	10.200.0.1                                               10.200.0.2
func NewShapingNetwork() (*ShapingNetwork, error) {
	return NewShapingNetworkWithConfig(DefaultNetworkConfig())
}

// NewShapingNetworkWithConfig creates a test network with custom configuration.
func NewShapingNetworkWithConfig(cfg *NetworkConfig) (*ShapingNetwork, error) {
	// Namespace switches are per thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	originalNS, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get original namespace: %w", err)
	}

	sn := &ShapingNetwork{
		InternetIface:  cfg.InternetIface,
		NetworkIface:   cfg.NetworkIface,
		UpstreamVeth:   cfg.UpstreamVeth,
		SubscriberVeth: cfg.SubscriberVeth,
		UpstreamIP:     cfg.UpstreamIP,
		SubscriberIP:   cfg.SubscriberIP,
		OriginalNS:     originalNS,
	}

	upstreamNS, err := newNamespace(originalNS)
	if err != nil {
		sn.Cleanup()
		return nil, fmt.Errorf("failed to create upstream namespace: %w", err)
	}
	sn.UpstreamNS = upstreamNS

	subscriberNS, err := newNamespace(originalNS)
	if err != nil {
		sn.Cleanup()
		return nil, fmt.Errorf("failed to create subscriber namespace: %w", err)
	}
	sn.SubscriberNS = subscriberNS

	if err := sn.wire(cfg.InternetIface, cfg.UpstreamVeth, upstreamNS, cfg.UpstreamIP); err != nil {
		sn.Cleanup()
		return nil, err
	}
	if err := sn.wire(cfg.NetworkIface, cfg.SubscriberVeth, subscriberNS, cfg.SubscriberIP); err != nil {
		sn.Cleanup()
		return nil, err
	}

	if err := netns.Set(originalNS); err != nil {
		sn.Cleanup()
		return nil, fmt.Errorf("failed to return to original namespace: %w", err)
	}

	return sn, nil
}

// newNamespace creates a namespace and switches the thread back to origin.
func newNamespace(origin netns.NsHandle) (netns.NsHandle, error) {
	ns, err := netns.New()
	if err != nil {
		return 0, err
	}
	if err := netns.Set(origin); err != nil {
		ns.Close()
		return 0, fmt.Errorf("failed to return to original namespace: %w", err)
	}
	return ns, nil
}

// wire creates a veth pair, keeps local in the current namespace and moves
// peer into ns with ipAddr.
func (sn *ShapingNetwork) wire(local, peer string, ns netns.NsHandle, ipAddr string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: local},
		PeerName:  peer,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair %s/%s: %w", local, peer, err)
	}

	localLink, err := netlink.LinkByName(local)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", local, err)
	}
	if err := netlink.LinkSetUp(localLink); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", local, err)
	}

	peerLink, err := netlink.LinkByName(peer)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", peer, err)
	}
	if err := netlink.LinkSetNsFd(peerLink, int(ns)); err != nil {
		return fmt.Errorf("failed to move %s to namespace: %w", peer, err)
	}

	if err := sn.configureNamespace(ns, peer, ipAddr); err != nil {
		return fmt.Errorf("failed to configure namespace of %s: %w", peer, err)
	}
	return netns.Set(sn.OriginalNS)
}

// configureNamespace sets up network interface in a namespace.
func (sn *ShapingNetwork) configureNamespace(ns netns.NsHandle, vethName, ipAddr string) error {
	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("failed to enter namespace: %w", err)
	}

	link, err := netlink.LinkByName(vethName)
	if err != nil {
		return fmt.Errorf("failed to get veth %s: %w", vethName, err)
	}

	addr, err := netlink.ParseAddr(ipAddr)
	if err != nil {
		return fmt.Errorf("failed to parse IP %s: %w", ipAddr, err)
	}

	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add IP address: %w", err)
	}

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("failed to get loopback: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("failed to bring up loopback: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up veth: %w", err)
	}

	return nil
}

// RunInUpstreamNS executes a function in the upstream network namespace.
func (sn *ShapingNetwork) RunInUpstreamNS(fn func() error) error {
	return RunInNamespace(sn.UpstreamNS, fn)
}

// RunInSubscriberNS executes a function in the subscriber network namespace.
func (sn *ShapingNetwork) RunInSubscriberNS(fn func() error) error {
	return RunInNamespace(sn.SubscriberNS, fn)
}

// GetUpstreamIP returns the upstream IP address without CIDR suffix.
func (sn *ShapingNetwork) GetUpstreamIP() string {
	ip, _, _ := net.ParseCIDR(sn.UpstreamIP)
	return ip.String()
}

// GetSubscriberIP returns the subscriber IP address without CIDR suffix.
func (sn *ShapingNetwork) GetSubscriberIP() string {
	ip, _, _ := net.ParseCIDR(sn.SubscriberIP)
	return ip.String()
}

// Cleanup removes all created network resources.
// It should be called with defer after creating the test network.
func (sn *ShapingNetwork) Cleanup() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if sn.OriginalNS != 0 {
		_ = netns.Set(sn.OriginalNS)
	}

	// Deleting one end removes the pair
	for _, name := range []string{sn.InternetIface, sn.NetworkIface} {
		if link, err := netlink.LinkByName(name); err == nil {
			_ = netlink.LinkDel(link)
		}
	}

	if sn.UpstreamNS != 0 {
		_ = sn.UpstreamNS.Close()
	}
	if sn.SubscriberNS != 0 {
		_ = sn.SubscriberNS.Close()
	}
	if sn.OriginalNS != 0 {
		_ = sn.OriginalNS.Close()
	}
}

// IsRoot checks if the current process has root privileges.
// E2E tests require root to create network namespaces and load eBPF programs.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// HasCapability checks if the process has a specific capability.
func HasCapability(cap int) bool {
	var header unix.CapUserHeader
	var data [2]unix.CapUserData

	header.Version = unix.LINUX_CAPABILITY_VERSION_3
	header.Pid = 0 // Current process

	if err := unix.Capget(&header, &data[0]); err != nil {
		return false
	}

	capMask := uint32(1 << uint(cap%32))
	return (data[cap/32].Effective & capMask) != 0
}

// BPFObjectEnv names the environment variable pointing at the compiled
// kernel object used by end-to-end tests.
const BPFObjectEnv = "LQOS_BPF_OBJECT"

// CheckE2ERequirements checks if the environment supports E2E testing.
// Returns an error message if requirements are not met, empty string otherwise.
func CheckE2ERequirements() string {
	// Attach refuses to run without euid 0, capabilities are not enough
	if !IsRoot() {
		return "E2E tests require root privileges"
	}
	if !HasCapability(unix.CAP_BPF) && !HasCapability(unix.CAP_SYS_ADMIN) {
		return "E2E tests require CAP_BPF or CAP_SYS_ADMIN capability for eBPF operations"
	}

	obj := os.Getenv(BPFObjectEnv)
	if obj == "" {
		return BPFObjectEnv + " is not set"
	}
	if _, err := os.Stat(obj); err != nil {
		return fmt.Sprintf("BPF object %s: %v", obj, err)
	}

	var statfs unix.Statfs_t
	if err := unix.Statfs("/sys/fs/bpf", &statfs); err != nil || statfs.Type != unix.BPF_FS_MAGIC {
		return "bpffs is not mounted at /sys/fs/bpf"
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Sprintf("Network namespaces not supported: %v", err)
	}
	defer origin.Close()

	testNS, err := newNamespace(origin)
	if err != nil {
		return fmt.Sprintf("Network namespaces not supported: %v", err)
	}
	_ = testNS.Close()

	return ""
}
