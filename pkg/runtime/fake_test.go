package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The fake's emulated `ip` output must round-trip through the real parsers,
// otherwise reconciler tests exercise a different dialect than production.
func TestFakeExecMatchesParsers(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_, err := f.EnsureNetwork(ctx, "lab1-net-a", "172.20.0.0/24", "172.20.0.1")
	require.NoError(t, err)
	require.NoError(t, f.CreateNode(ctx, NodeSpec{Name: "lab1-r1", Network: "lab1-net-a", IP: "172.20.0.2"}))

	res, err := f.Exec(ctx, "lab1-r1", GRETunnelAdd("gre-r2", "172.20.0.2", "172.20.0.3", 7, 64))
	require.NoError(t, err)
	require.True(t, res.OK(), res.Output)

	// duplicate tunnel creation fails with File exists
	res, err = f.Exec(ctx, "lab1-r1", GRETunnelAdd("gre-r2", "172.20.0.2", "172.20.0.3", 7, 64))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Output, "File exists")

	res, err = f.Exec(ctx, "lab1-r1", AddrAdd("10.255.0.1/30", "gre-r2"))
	require.NoError(t, err)
	require.True(t, res.OK())

	// duplicate address add is the tolerated File exists
	res, err = f.Exec(ctx, "lab1-r1", AddrAdd("10.255.0.1/30", "gre-r2"))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.True(t, AddrAlreadyExists(res))

	res, err = f.Exec(ctx, "lab1-r1", LinkUp("gre-r2"))
	require.NoError(t, err)
	require.True(t, res.OK())

	res, err = f.Exec(ctx, "lab1-r1", LinkList())
	require.NoError(t, err)
	links := ParseLinkList(res.Output)
	byName := map[string]LinkInfo{}
	for _, l := range links {
		byName[l.Name] = l
	}
	require.Contains(t, byName, "eth0")
	require.Contains(t, byName, "gre-r2")
	assert.True(t, byName["gre-r2"].AdminUp())
	assert.True(t, byName["gre-r2"].CarrierUp())
	assert.NotEmpty(t, byName["eth0"].MAC)

	res, err = f.Exec(ctx, "lab1-r1", AddrList())
	require.NoError(t, err)
	addrs := ParseAddrList(res.Output)
	var tunnelAddr string
	for _, a := range addrs {
		if a.Iface == "gre-r2" {
			tunnelAddr = a.CIDR
		}
	}
	assert.Equal(t, "10.255.0.1/30", tunnelAddr)

	res, err = f.Exec(ctx, "lab1-r1", LinkShowDetail("gre-r2"))
	require.NoError(t, err)
	local, remote, ok := ParseTunnelEndpoints(res.Output)
	require.True(t, ok)
	assert.Equal(t, "172.20.0.2", local)
	assert.Equal(t, "172.20.0.3", remote)

	// route towards the peer's tunnel address resolves via the /30
	res, err = f.Exec(ctx, "lab1-r1", RouteGet("10.255.0.2"))
	require.NoError(t, err)
	assert.True(t, res.OK(), res.Output)

	res, err = f.Exec(ctx, "lab1-r1", RouteGet("192.0.2.9"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
}

func TestFakePing(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_, err := f.EnsureNetwork(ctx, "n", "10.0.0.0/24", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, f.CreateNode(ctx, NodeSpec{Name: "a", Network: "n", IP: "10.0.0.2"}))
	require.NoError(t, f.CreateNode(ctx, NodeSpec{Name: "b", Network: "n", IP: "10.0.0.3"}))

	res, err := f.Exec(ctx, "a", Ping("10.0.0.3"))
	require.NoError(t, err)
	assert.True(t, res.OK())

	f.Unreachable["10.0.0.3"] = true
	res, err = f.Exec(ctx, "a", Ping("10.0.0.3"))
	require.NoError(t, err)
	assert.False(t, res.OK())

	res, err = f.Exec(ctx, "a", Ping("10.0.0.77"))
	require.NoError(t, err)
	assert.False(t, res.OK())
}

func TestFakeTapTarget(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_, err := f.EnsureNetwork(ctx, "n", "10.0.0.0/24", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, f.CreateNode(ctx, NodeSpec{Name: "host1", Network: "n"}))
	require.NoError(t, f.CreateTap(ctx, TapSpec{Name: "tap1", Target: "host1"}))

	info, ok, err := f.Inspect(ctx, "host1")
	require.NoError(t, err)
	require.True(t, ok)

	target, ok, err := f.TapTarget(ctx, "tap1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info.ID, target)

	// recreating the target changes its ID, so the tap goes stale
	require.NoError(t, f.CreateNode(ctx, NodeSpec{Name: "host1", Network: "n"}))
	fresh, _, err := f.Inspect(ctx, "host1")
	require.NoError(t, err)
	assert.NotEqual(t, target, fresh.ID)
}

func TestFakeReattachKeepsNamesUnique(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	for _, n := range []string{"net-a", "net-b", "net-c"} {
		_, err := f.EnsureNetwork(ctx, n, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, f.CreateNode(ctx, NodeSpec{Name: "c1", Network: "net-a", IP: "10.1.0.2"}))
	require.NoError(t, f.ConnectNetwork(ctx, "c1", "net-b", "10.2.0.2"))
	require.NoError(t, f.DisconnectNetwork(ctx, "c1", "net-a", false))
	require.NoError(t, f.ConnectNetwork(ctx, "c1", "net-c", "10.3.0.2"))

	seen := map[string]bool{}
	for _, iface := range f.Containers["c1"].Ifaces {
		require.False(t, seen[iface.Name], "duplicate interface name %s", iface.Name)
		seen[iface.Name] = true
	}
	ep := f.Containers["c1"].Endpoints["net-c"]
	require.NotNil(t, ep)
	assert.NotEqual(t, f.Containers["c1"].Endpoints["net-b"].Iface, ep.Iface)
}

func TestFakeEnsureNetworkWithoutSubnet(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	created, err := f.EnsureNetwork(ctx, "plain", "", "")
	require.NoError(t, err)
	assert.True(t, created)

	// re-ensuring an IPAM-less network without a subnet is a match
	created, err = f.EnsureNetwork(ctx, "plain", "", "")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = f.EnsureNetwork(ctx, "plain", "10.9.0.0/24", "10.9.0.1")
	require.Error(t, err)
}
