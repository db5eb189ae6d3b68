// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package e2e

import (
	"bytes"
	"testing"
	"time"

	"github.com/shaper-dataplane/src/agent/pkg/dataplane"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	"github.com/shaper-dataplane/src/agent/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(t *testing.T) *E2ETestEnv {
	if msg := testutil.CheckE2ERequirements(); msg != "" {
		t.Skip(msg)
	}

	env, err := NewE2ETestEnv(t)
	require.NoError(t, err, "Failed to create test environment")
	t.Cleanup(env.Cleanup)
	return env
}

// TestE2E_AttachDetachAttach checks that every handle is installed and that
// a second attach after detach succeeds on the same interface.
func TestE2E_AttachDetachAttach(t *testing.T) {
	env := newEnv(t)
	iface := env.Network.InternetIface

	binding, err := env.Manager.Attach(iface, dataplane.Internet(), nil)
	require.NoError(t, err)
	require.NotNil(t, binding.IngressFilter)
	require.NotNil(t, binding.EgressClassifier)
	require.NotNil(t, binding.IngressClassifier)
	assert.NotEmpty(t, binding.Assignment)

	require.NoError(t, env.Manager.Detach(iface))
	assert.Empty(t, env.Manager.Bindings())

	_, err = env.Manager.Attach(iface, dataplane.Internet(), nil)
	require.NoError(t, err)
	assert.Len(t, env.Manager.Bindings(), 1)
}

// TestE2E_ReattachWithoutDetach checks that attach clears stale handles.
func TestE2E_ReattachWithoutDetach(t *testing.T) {
	env := newEnv(t)
	iface := env.Network.NetworkIface

	_, err := env.Manager.Attach(iface, dataplane.IspNetwork(), nil)
	require.NoError(t, err)
	_, err = env.Manager.Attach(iface, dataplane.IspNetwork(), nil)
	require.NoError(t, err)
	assert.Len(t, env.Manager.Bindings(), 1)
}

// TestE2E_BridgedTrafficCounted sends traffic across the XDP bridge and
// expects the subscriber to appear in the traffic map.
func TestE2E_BridgedTrafficCounted(t *testing.T) {
	env := newEnv(t)
	env.AttachBoth()

	const port = 9000
	env.StartUpstreamServer(port)
	require.NoError(t, testutil.WaitForServer(env.Network.SubscriberNS, env.Network.GetUpstreamIP(), port, 3*time.Second),
		"bridge should forward between the shaping interfaces")

	payload := bytes.Repeat([]byte("lqos"), 16*1024)
	require.NoError(t, env.SendFromSubscriber(port, payload))

	counter, ok := env.WaitForHost(env.Network.GetSubscriberIP(), 2*time.Second)
	require.True(t, ok, "subscriber should be counted")
	assert.Greater(t, counter.DownloadBytes+counter.UploadBytes, uint64(len(payload)))
	assert.NotZero(t, counter.LastSeen)
}

// TestE2E_MappingVisibleToKernel writes a mapping into the pinned trie.
func TestE2E_MappingVisibleToKernel(t *testing.T) {
	env := newEnv(t)
	env.AttachBoth()

	mm := env.Mappings()
	require.NoError(t, mm.Add(&ipmap.Mapping{Prefix: env.Network.GetSubscriberIP(), CPU: 0, TCHandle: "1:10"}))

	list, err := mm.List()
	require.NoError(t, err)
	assert.Contains(t, list, ipmap.Mapping{Prefix: env.Network.GetSubscriberIP() + "/32", CPU: 0, TCHandle: "1:10"})

	require.NoError(t, mm.Clear())
}
