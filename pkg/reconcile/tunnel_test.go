package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
	"netlab/pkg/store"
)

func tunnelLab(t *testing.T) (*runtime.Fake, store.Store) {
	t.Helper()
	ctx := context.Background()
	f := runtime.NewFake()
	st := store.NewMemory()
	require.NoError(t, st.UpsertTopology(model.Topology{Name: "lab1", ManagementNetwork: "mgmt"}))
	require.NoError(t, st.UpsertNode(model.Node{Topology: "lab1", Name: "r1", Kind: model.KindDaemon, ASN: 65001, APIPort: 8080}))
	require.NoError(t, st.UpsertNode(model.Node{Topology: "lab1", Name: "r2", Kind: model.KindDaemon, ASN: 65002, APIPort: 8080}))

	_, err := f.EnsureNetwork(ctx, "lab1-wan", "10.0.0.0/24", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, f.CreateNode(ctx, runtime.NodeSpec{Name: "lab1-r1", Network: "lab1-wan", IP: "10.0.0.2"}))
	require.NoError(t, f.CreateNode(ctx, runtime.NodeSpec{Name: "lab1-r2", Network: "lab1-wan", IP: "10.0.0.3"}))
	return f, st
}

func TestTunnelCreateGRE(t *testing.T) {
	ctx := context.Background()
	f, st := tunnelLab(t)
	rec := NewTunnelReconciler(f, st)

	status, err := rec.Create(ctx, model.Tunnel{
		Topology: "lab1", Kind: model.TunnelGRE,
		Container1: "r2", Container2: "r1", // reversed on purpose
		UnderlayNetwork: "wan", Key: 7, TTL: 64,
	})
	require.NoError(t, err)
	assert.Empty(t, status.Errors)
	assert.ElementsMatch(t, []string{"r1", "r2"}, status.Configured)

	stored, ok, err := st.GetTunnel("lab1", "r1", "r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", stored.Container1)
	assert.Equal(t, 30, stored.PrefixLen)
	assert.NotEmpty(t, stored.Tunnel1IP)
	assert.NotEqual(t, stored.Tunnel1IP, stored.Tunnel2IP)

	side1 := f.Containers["lab1-r1"].Iface("gre-r2")
	require.NotNil(t, side1)
	assert.Equal(t, "10.0.0.2", side1.Local)
	assert.Equal(t, "10.0.0.3", side1.Remote)
	assert.True(t, side1.AdminUp)
	assert.Contains(t, side1.Addrs, stored.Tunnel1IP+"/30")

	side2 := f.Containers["lab1-r2"].Iface("gre-r1")
	require.NotNil(t, side2)
	assert.Equal(t, "10.0.0.3", side2.Local)
	assert.Contains(t, side2.Addrs, stored.Tunnel2IP+"/30")

	// creating again reuses the allocation instead of burning a new /30
	again, err := rec.Create(ctx, model.Tunnel{
		Topology: "lab1", Kind: model.TunnelGRE,
		Container1: "r1", Container2: "r2",
		UnderlayNetwork: "wan", Key: 7, TTL: 64,
	})
	require.NoError(t, err)
	assert.Empty(t, again.Errors)
	assert.Equal(t, stored.Tunnel1IP, again.Tunnel.Tunnel1IP)

	all, err := st.ListTunnels("lab1")
	require.NoError(t, err)
	assert.Len(t, all, 1, "reversed creation must update the same record")
}

func TestTunnelCreateIPsec(t *testing.T) {
	ctx := context.Background()
	f, st := tunnelLab(t)
	rec := NewTunnelReconciler(f, st)

	spec := model.Tunnel{
		Topology: "lab1", Kind: model.TunnelIPsec,
		Container1: "r1", Container2: "r2",
		UnderlayNetwork: "wan", Key: 0x2a1, TTL: 64,
		PSK: "0xdeadbeefdeadbeefdeadbeefdeadbeef",
	}
	status, err := rec.Create(ctx, spec)
	require.NoError(t, err)
	assert.Empty(t, status.Errors)
	assert.ElementsMatch(t, []string{"r1", "r2"}, status.Configured)

	// carrier interface up with its overlay address, like any tunnel
	side1 := f.Containers["lab1-r1"].Iface("ipsec-r2")
	require.NotNil(t, side1)
	assert.True(t, side1.AdminUp)
	assert.Contains(t, side1.Addrs, status.Tunnel.Tunnel1IP+"/30")

	// plus transport-mode protection: two states, two policies, per side
	for _, container := range []string{"lab1-r1", "lab1-r2"} {
		cmds := f.Containers[container].XfrmCmds
		require.Len(t, cmds, 4, container)
		var states, policies int
		for _, cmd := range cmds {
			require.GreaterOrEqual(t, len(cmd), 3)
			assert.Contains(t, cmd, "0x2a1", "SPI must derive from the tunnel key")
			switch cmd[2] {
			case "state":
				states++
			case "policy":
				policies++
			}
		}
		assert.Equal(t, 2, states, container)
		assert.Equal(t, 2, policies, container)
	}

	// repeat creation tolerates already-installed xfrm objects
	f.ExecHook = func(container string, cmd []string) (runtime.ExecResult, bool) {
		if len(cmd) > 1 && cmd[1] == "xfrm" {
			return runtime.ExecResult{ExitCode: 2, Output: "RTNETLINK answers: File exists"}, true
		}
		return runtime.ExecResult{}, false
	}
	again, err := rec.Create(ctx, spec)
	require.NoError(t, err)
	assert.Empty(t, again.Errors)
	assert.Equal(t, status.Tunnel.Tunnel1IP, again.Tunnel.Tunnel1IP)
}

func TestTunnelRestoreWholeTopology(t *testing.T) {
	ctx := context.Background()
	f, st := tunnelLab(t)
	rec := NewTunnelReconciler(f, st)

	// declared only, never allocated or configured
	require.NoError(t, st.UpsertTunnel(model.Tunnel{
		Topology: "lab1", Kind: model.TunnelGRE,
		Container1: "r1", Container2: "r2",
		UnderlayNetwork: "wan", TTL: 64,
	}))

	statuses, err := rec.Restore(ctx, "lab1", "")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Empty(t, statuses[0].Errors)
	assert.ElementsMatch(t, []string{"r1", "r2"}, statuses[0].Configured)

	stored, ok, err := st.GetTunnel("lab1", "r1", "r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, stored.Tunnel1IP, "restore must allocate declared-only tunnels")
	assert.Equal(t, 30, stored.PrefixLen)

	require.NotNil(t, f.Containers["lab1-r1"].Iface("gre-r2"))
	require.NotNil(t, f.Containers["lab1-r2"].Iface("gre-r1"))
}

func TestTunnelExternalEndpointSkipped(t *testing.T) {
	ctx := context.Background()
	f, st := tunnelLab(t)
	require.NoError(t, st.UpsertNode(model.Node{Topology: "lab1", Name: "upstream", Kind: model.KindExternal, ExternalIP: "198.51.100.7"}))
	rec := NewTunnelReconciler(f, st)

	status, err := rec.Create(ctx, model.Tunnel{
		Topology: "lab1", Kind: model.TunnelGRE,
		Container1: "r1", Container2: "upstream",
		UnderlayNetwork: "wan",
	})
	require.NoError(t, err)
	assert.Empty(t, status.Errors)
	assert.Equal(t, []string{"r1"}, status.Configured)
	assert.Equal(t, []string{"upstream"}, status.Skipped)

	// the container side still points at the declared external address
	iface := f.Containers["lab1-r1"].Iface("gre-upstream")
	require.NotNil(t, iface)
	assert.Equal(t, "198.51.100.7", iface.Remote)
}

func TestTunnelDiagnoseAndFix(t *testing.T) {
	ctx := context.Background()
	f, st := tunnelLab(t)
	rec := NewTunnelReconciler(f, st)

	status, err := rec.Create(ctx, model.Tunnel{
		Topology: "lab1", Kind: model.TunnelGRE,
		Container1: "r1", Container2: "r2",
		UnderlayNetwork: "wan",
	})
	require.NoError(t, err)
	tun := status.Tunnel

	d, err := rec.Diagnose(ctx, "r1", tun)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, d.Status, "%+v", d.Issues)
	assert.Empty(t, d.Issues)

	// diagnosis is read-only: repeating it yields the identical report
	d2, err := rec.Diagnose(ctx, "r1", tun)
	require.NoError(t, err)
	assert.Equal(t, d, d2)

	// break the interface out-of-band
	iface := f.Containers["lab1-r1"].Iface("gre-r2")
	require.NotNil(t, iface)
	iface.AdminUp = false

	broken, err := rec.Diagnose(ctx, "r1", tun)
	require.NoError(t, err)
	assert.Equal(t, StatusBroken, broken.Status)
	require.NotEmpty(t, broken.Issues)
	assert.Equal(t, SeverityCritical, broken.Issues[0].Severity)

	report, err := rec.Fix(ctx, "r1", tun)
	require.NoError(t, err)
	assert.NotEmpty(t, report.FixesApplied)
	assert.Equal(t, StatusBroken, report.Before.Status)
	assert.Equal(t, StatusHealthy, report.After.Status, "%+v", report.After.Issues)
}

func TestTunnelDiagnoseMissingInterface(t *testing.T) {
	ctx := context.Background()
	f, st := tunnelLab(t)
	rec := NewTunnelReconciler(f, st)

	tun := model.Tunnel{
		Topology: "lab1", Kind: model.TunnelGRE,
		Container1: "r1", Container2: "r2",
		Tunnel1IP: "10.255.0.1", Tunnel2IP: "10.255.0.2", PrefixLen: 30,
		UnderlayNetwork: "wan",
	}
	require.NoError(t, st.UpsertTunnel(tun))
	_ = f

	d, err := rec.Diagnose(ctx, "r1", tun)
	require.NoError(t, err)
	assert.Equal(t, StatusBroken, d.Status)
	require.Len(t, d.Issues, 1, "later checks must not run without an interface")
}
