package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
)

// A node with one extra, one missing, and one under-addressed attachment
// must converge in a single call, leaving the reserved management network
// untouched.
func TestNetworkReconcileConverges(t *testing.T) {
	ctx := context.Background()
	f := runtime.NewFake()
	for _, n := range []struct{ name, subnet, gw string }{
		{"lab1-mgmt", "172.30.0.0/24", "172.30.0.1"},
		{"lab1-lan-a", "10.1.0.0/24", "10.1.0.1"},
		{"lab1-lan-b", "10.2.0.0/24", "10.2.0.1"},
		{"lab1-lan-c", "10.3.0.0/24", "10.3.0.1"},
	} {
		_, err := f.EnsureNetwork(ctx, n.name, n.subnet, n.gw)
		require.NoError(t, err)
	}
	require.NoError(t, f.CreateNode(ctx, runtime.NodeSpec{Name: "lab1-r1", Network: "lab1-mgmt", IP: "172.30.0.2"}))
	require.NoError(t, f.ConnectNetwork(ctx, "lab1-r1", "lab1-lan-a", "10.1.0.2"))
	require.NoError(t, f.ConnectNetwork(ctx, "lab1-r1", "lab1-lan-c", "10.3.0.2")) // not desired

	node := model.Node{Topology: "lab1", Name: "r1", Kind: model.KindDaemon, ASN: 65001}
	desired := []model.Attachment{
		{Topology: "lab1", Node: "r1", Network: "lan-a", IPv4: "10.1.0.5"}, // attached, secondary address missing
		{Topology: "lab1", Node: "r1", Network: "lan-b", IPv4: "10.2.0.2"}, // missing entirely
	}

	rec := NewNetworkReconciler(f, NewResolver(f))
	result, err := rec.Reconcile(ctx, node, desired, []string{"mgmt"})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"lan-c"}, result.Disconnected)
	assert.Equal(t, []string{"lan-b"}, result.Connected)
	assert.Equal(t, []string{"lan-a"}, result.IPAdded)

	c := f.Containers["lab1-r1"]
	assert.NotContains(t, c.Endpoints, "lab1-lan-c")
	assert.Contains(t, c.Endpoints, "lab1-lan-b")
	assert.Contains(t, c.Endpoints, "lab1-mgmt", "reserved network must survive")

	ethA := c.Iface(c.Endpoints["lab1-lan-a"].Iface)
	require.NotNil(t, ethA)
	assert.Contains(t, ethA.Addrs, "10.1.0.5/24")

	// a second pass is a pure no-op
	again, err := rec.Reconcile(ctx, node, desired, []string{"mgmt"})
	require.NoError(t, err)
	assert.Empty(t, again.Errors)
	assert.Empty(t, again.Disconnected)
	assert.Empty(t, again.IPAdded)
	assert.Empty(t, again.Reconnected)
	assert.ElementsMatch(t, []string{"lan-a", "lan-b"}, again.Connected)
}

// An attachment whose interface no longer resolves is detached and
// reattached with the same address.
func TestNetworkReconcileStaleInterface(t *testing.T) {
	ctx := context.Background()
	f := runtime.NewFake()
	_, err := f.EnsureNetwork(ctx, "lab1-lan-a", "10.1.0.0/24", "10.1.0.1")
	require.NoError(t, err)
	require.NoError(t, f.CreateNode(ctx, runtime.NodeSpec{Name: "lab1-r1", Network: "lab1-lan-a", IP: "10.1.0.2"}))

	// the endpoint record survives but the interface behind it is gone
	c := f.Containers["lab1-r1"]
	ep := c.Endpoints["lab1-lan-a"]
	ep.MAC = "02:42:de:ad:be:ef"
	ep.IP = ""
	for i, iface := range c.Ifaces {
		if iface.Name == ep.Iface {
			c.Ifaces = append(c.Ifaces[:i], c.Ifaces[i+1:]...)
			break
		}
	}
	ep.Iface = ""

	node := model.Node{Topology: "lab1", Name: "r1", Kind: model.KindHost, GatewayNode: "r2"}
	desired := []model.Attachment{{Topology: "lab1", Node: "r1", Network: "lan-a", IPv4: "10.1.0.2"}}

	rec := NewNetworkReconciler(f, NewResolver(f))
	result, err := rec.Reconcile(ctx, node, desired, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"lan-a"}, result.Reconnected)

	fresh := f.Containers["lab1-r1"].Endpoints["lab1-lan-a"]
	require.NotNil(t, fresh)
	assert.Equal(t, "10.1.0.2", fresh.IP)
}
