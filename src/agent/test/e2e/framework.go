// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package e2e provides the end-to-end testing framework for the shaping data
// plane. It builds a bump-in-the-wire veth topology, attaches the real
// programs, and checks forwarding and counters from the outside.
package e2e

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaper-dataplane/src/agent/pkg/cpumap"
	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	"github.com/shaper-dataplane/src/agent/pkg/testutil"
	"github.com/shaper-dataplane/src/agent/pkg/throughput"
	"github.com/stretchr/testify/require"
)

// E2ETestEnv represents a complete end-to-end test environment.
type E2ETestEnv struct {
	T         *testing.T
	Network   *testutil.ShapingNetwork
	PinPath   string
	Manager   *dataplane.Manager
	Harvester *throughput.Harvester
	Events    atomic.Int64

	cleanupFuncs []func()
}

// NewE2ETestEnv creates the topology and a manager wired to the real kernel.
// Nothing is attached yet.
//
// The environment includes:
//   - Upstream and subscriber namespaces behind two shaping veths
//   - A private bpffs directory for pinned maps
//   - An attachment manager bridging the two shaping interfaces in XDP
func NewE2ETestEnv(t *testing.T) (*E2ETestEnv, error) {
	env := &E2ETestEnv{
		T:            t,
		cleanupFuncs: make([]func(), 0),
	}

	if msg := testutil.CheckE2ERequirements(); msg != "" {
		return nil, fmt.Errorf("E2E requirements not met: %s", msg)
	}

	network, err := testutil.NewShapingNetwork()
	if err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("failed to create test network: %w", err)
	}
	env.Network = network
	env.addCleanup(network.Cleanup)

	pinPath, err := os.MkdirTemp("/sys/fs/bpf", "lqos-e2e-")
	if err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("failed to create pin directory: %w", err)
	}
	env.PinPath = pinPath
	env.addCleanup(func() { os.RemoveAll(pinPath) })

	bridge := dataplane.BridgeConfig{
		Enabled: true,
		Interfaces: []dataplane.InterfaceMapping{
			{Name: network.InternetIface, RedirectTo: network.NetworkIface},
			{Name: network.NetworkIface, RedirectTo: network.InternetIface},
		},
	}

	kernel := dataplane.NewLinuxKernel(pinPath, dataplane.ExecRunner{})
	env.Manager = dataplane.NewManager(kernel, cpumap.NewConfigurator(pinPath), os.Getenv(testutil.BPFObjectEnv),
		dataplane.WithBridge(bridge, dataplane.NewPinnedBridgeMaps(pinPath)),
	)
	env.addCleanup(func() {
		for _, b := range env.Manager.Bindings() {
			env.Manager.Detach(b.Interface)
		}
	})

	env.Harvester = throughput.NewHarvester(filepath.Join(pinPath, "map_traffic"))

	return env, nil
}

// addCleanup adds a cleanup function to be called on test teardown.
func (env *E2ETestEnv) addCleanup(fn func()) {
	env.cleanupFuncs = append(env.cleanupFuncs, fn)
}

// Cleanup releases all resources created by the test environment.
// It should be called with defer after creating the environment.
func (env *E2ETestEnv) Cleanup() {
	for i := len(env.cleanupFuncs) - 1; i >= 0; i-- {
		env.cleanupFuncs[i]()
	}
}

func (env *E2ETestEnv) countEvent([]byte) {
	env.Events.Add(1)
}

// AttachBoth attaches the internet and ISP facing interfaces.
func (env *E2ETestEnv) AttachBoth() {
	_, err := env.Manager.Attach(env.Network.InternetIface, dataplane.Internet(), env.countEvent)
	require.NoError(env.T, err, "attach %s", env.Network.InternetIface)
	_, err = env.Manager.Attach(env.Network.NetworkIface, dataplane.IspNetwork(), env.countEvent)
	require.NoError(env.T, err, "attach %s", env.Network.NetworkIface)
}

// StartUpstreamServer starts a TCP echo server in the upstream namespace.
func (env *E2ETestEnv) StartUpstreamServer(port int) *testutil.EchoServer {
	server, err := testutil.StartEchoServer(env.Network.UpstreamNS, port)
	require.NoError(env.T, err)
	env.addCleanup(server.Stop)
	return server
}

// SendFromSubscriber echoes data from the subscriber to the upstream server.
func (env *E2ETestEnv) SendFromSubscriber(port int, data []byte) error {
	return testutil.SendTCP(env.Network.SubscriberNS, env.Network.GetUpstreamIP(), port, data)
}

// Mappings opens the pinned IP mapping trie. Requires an attached program.
func (env *E2ETestEnv) Mappings() *ipmap.MappingManager {
	m, err := ipmap.OpenPinned(env.PinPath)
	require.NoError(env.T, err)
	env.addCleanup(func() { m.Close() })
	return ipmap.NewManager(m)
}

// WaitForHost polls the traffic map until addr shows up with traffic.
func (env *E2ETestEnv) WaitForHost(addr string, timeout time.Duration) (throughput.HostCounter, bool) {
	key := throughput.HostKeyFromAddr(netip.MustParseAddr(addr))
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if c, ok := env.Harvester.Collect()[key]; ok && c.DownloadBytes+c.UploadBytes > 0 {
			return c, true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return throughput.HostCounter{}, false
}
