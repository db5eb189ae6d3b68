// Package dataplane attaches the shaper's eBPF programs to network
// interfaces and drains the events they emit.
//
// One compiled object carries three programs:
//   - xdp_prog: ingress filter doing CPU redirection, attached via XDP
//   - tc_iphash_to_cpu: egress classifier picking the HTB class
//   - bifrost: optional ingress classifier implementing the XDP bridge
//
// # Attach sequence
//
// Manager.Attach runs, in order: privilege check, interface lookup, program
// load with the direction written into the program's globals, cleanup of any
// stale attachment, the XDP mode ladder (hardware offload, driver, generic,
// unflagged), CPU steering via the cpumap package, clsact setup and egress
// classifier attach, event ring buffer open and poller start, and finally
// the bridge when enabled.
//
// # Example Usage
//
//	kernel := dataplane.NewLinuxKernel("", nil)
//	affinity := cpumap.NewConfigurator("")
//	mgr := dataplane.NewManager(kernel, affinity, "/usr/lib/lqos/lqos_kern.o")
//
//	binding, err := mgr.Attach("eth0", dataplane.Internet(), func(sample []byte) {
//	    // handle a sampled packet
//	})
//	if err != nil {
//	    if errors.Is(err, dataplane.ErrPermissionDenied) {
//	        log.Fatal("run as root")
//	    }
//	    log.Fatal(err)
//	}
//
// Attachments outlive the process: XDP programs and tc filters stay on the
// interface until Detach is called.
//
// # Maps
//
// Shared maps are pinned under /sys/fs/bpf:
//   - map_traffic: PERCPU_HASH of per-host counters
//   - cpu_map, cpus_available, map_txq_config: CPU steering
//   - map_ip_to_cpu_and_tc: LPM trie of address to CPU and class
//   - bifrost_interface_map, bifrost_vlan_map: bridge tables
//   - heimdall_events: RINGBUF of sampled packets
package dataplane
