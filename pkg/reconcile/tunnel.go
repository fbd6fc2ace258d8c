package reconcile

import (
	"context"
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	log "github.com/sirupsen/logrus"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
	"netlab/pkg/store"
)

// Tunnel-interface addresses are carved as /30s out of this block, indexed
// by the topology's allocation counter.
const tunnelOverlayBase = "10.255.0.0/16"

// TunnelStatus is the outcome of a tunnel create or restore.
type TunnelStatus struct {
	Tunnel     model.Tunnel    `json:"tunnel"`
	Configured []string        `json:"configured,omitempty"` // endpoints configured live
	Skipped    []string        `json:"skipped,omitempty"`    // external endpoints, intent persisted only
	Errors     []model.OpError `json:"errors,omitempty"`
}

// TunnelReconciler creates, restores, diagnoses and repairs point-to-point
// tunnels. Creation is destructive-idempotent: any same-named interface is
// deleted before the tunnel is rebuilt, so the final configuration always
// matches the request.
type TunnelReconciler struct {
	rt runtime.ContainerRuntime
	st store.Store
}

// NewTunnelReconciler builds a tunnel reconciler.
func NewTunnelReconciler(rt runtime.ContainerRuntime, st store.Store) *TunnelReconciler {
	return &TunnelReconciler{rt: rt, st: st}
}

// Create persists the tunnel (allocating overlay addresses when absent) and
// configures both non-external endpoints.
func (r *TunnelReconciler) Create(ctx context.Context, t model.Tunnel) (TunnelStatus, error) {
	t.Normalize()
	if t.Kind != model.TunnelGRE && t.Kind != model.TunnelIPsec {
		return TunnelStatus{}, fmt.Errorf("unsupported tunnel kind %q", t.Kind)
	}
	for _, name := range []string{t.Container1, t.Container2} {
		if _, ok, err := r.st.GetNode(t.Topology, name); err != nil {
			return TunnelStatus{}, err
		} else if !ok {
			return TunnelStatus{}, model.NotFoundf("node %s in topology %s", name, t.Topology)
		}
	}
	if t.Tunnel1IP == "" || t.Tunnel2IP == "" {
		// reuse a previous allocation before burning a new /30
		if existing, ok, err := r.st.GetTunnel(t.Topology, t.Container1, t.Container2); err != nil {
			return TunnelStatus{}, err
		} else if ok && existing.Tunnel1IP != "" && existing.Tunnel2IP != "" {
			t.Tunnel1IP, t.Tunnel2IP, t.PrefixLen = existing.Tunnel1IP, existing.Tunnel2IP, existing.PrefixLen
		} else {
			ip1, ip2, prefixLen, err := r.allocateOverlay(t.Topology)
			if err != nil {
				return TunnelStatus{}, fmt.Errorf("allocate tunnel addresses: %w", err)
			}
			t.Tunnel1IP, t.Tunnel2IP, t.PrefixLen = ip1, ip2, prefixLen
		}
	}
	if err := r.st.UpsertTunnel(t); err != nil {
		return TunnelStatus{}, err
	}
	return r.configure(ctx, t), nil
}

// Restore re-applies stored tunnels. With a node, only that node's side of
// its tunnels is configured, so per-node restoration does not race ahead of
// peers that have not converged yet. Per-tunnel failures accumulate; the
// walk continues.
func (r *TunnelReconciler) Restore(ctx context.Context, topology, node string) ([]TunnelStatus, error) {
	tunnels, err := r.st.ListTunnels(topology)
	if err != nil {
		return nil, err
	}
	var out []TunnelStatus
	for i := range tunnels {
		t := tunnels[i]
		// declared but never allocated: give it its /30 now
		if t.Tunnel1IP == "" || t.Tunnel2IP == "" {
			ip1, ip2, prefixLen, err := r.allocateOverlay(topology)
			if err != nil {
				out = append(out, TunnelStatus{Tunnel: t, Errors: []model.OpError{{Resource: t.Container1 + "-" + t.Container2, Reason: err.Error()}}})
				continue
			}
			t.Tunnel1IP, t.Tunnel2IP, t.PrefixLen = ip1, ip2, prefixLen
			if err := r.st.UpsertTunnel(t); err != nil {
				out = append(out, TunnelStatus{Tunnel: t, Errors: []model.OpError{{Resource: t.Container1 + "-" + t.Container2, Reason: err.Error()}}})
				continue
			}
		}
		if node == "" {
			out = append(out, r.configure(ctx, t))
			continue
		}
		if !t.Involves(node) {
			continue
		}
		out = append(out, r.configure(ctx, t, node))
	}
	return out, nil
}

func (r *TunnelReconciler) allocateOverlay(topology string) (string, string, int, error) {
	_, base, err := net.ParseCIDR(tunnelOverlayBase)
	if err != nil {
		return "", "", 0, err
	}
	n, err := r.st.NextCounter(topology)
	if err != nil {
		return "", "", 0, err
	}
	baseLen, _ := base.Mask.Size()
	subnet, err := cidr.Subnet(base, 30-baseLen, n)
	if err != nil {
		return "", "", 0, err
	}
	ip1, err := cidr.Host(subnet, 1)
	if err != nil {
		return "", "", 0, err
	}
	ip2, err := cidr.Host(subnet, 2)
	if err != nil {
		return "", "", 0, err
	}
	return ip1.String(), ip2.String(), 30, nil
}

// configure applies the named sides of the tunnel, or both when none are
// given. External endpoints only carry persisted intent; nothing is
// configured for them.
func (r *TunnelReconciler) configure(ctx context.Context, t model.Tunnel, sides ...string) TunnelStatus {
	if len(sides) == 0 {
		sides = []string{t.Container1, t.Container2}
	}
	status := TunnelStatus{Tunnel: t}
	for _, side := range sides {
		node, ok, err := r.st.GetNode(t.Topology, side)
		if err != nil || !ok {
			status.Errors = model.AppendOpError(status.Errors, side, model.NotFoundf("node %s", side))
			continue
		}
		if node.Kind == model.KindExternal {
			status.Skipped = append(status.Skipped, side)
			continue
		}
		if err := r.configureSide(ctx, t, node); err != nil {
			status.Errors = model.AppendOpError(status.Errors, side, err)
			continue
		}
		status.Configured = append(status.Configured, side)
	}
	return status
}

func (r *TunnelReconciler) configureSide(ctx context.Context, t model.Tunnel, node model.Node) error {
	container := node.ContainerName()
	localU, err := r.underlayIP(ctx, t, node.Name)
	if err != nil {
		return err
	}
	peer, ok, err := r.st.GetNode(t.Topology, t.PeerOf(node.Name))
	if err != nil || !ok {
		return model.NotFoundf("peer node %s", t.PeerOf(node.Name))
	}
	remoteU, err := r.underlayIP(ctx, t, peer.Name)
	if err != nil {
		return err
	}

	iface := t.InterfaceName(node.Name)

	// delete-then-recreate keeps the call repeatable; the delete failing
	// just means there was nothing to delete
	if res, err := r.rt.Exec(ctx, container, runtime.LinkDel(iface)); err != nil {
		return err
	} else if !res.OK() {
		log.Debugf("tunnel: %s had no %s to delete", container, iface)
	}

	res, err := r.rt.Exec(ctx, container, runtime.GRETunnelAdd(iface, localU, remoteU, t.Key, t.TTL))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("tunnel add %s: %s", iface, res.Output)
	}

	if t.Kind == model.TunnelIPsec {
		if err := r.installXfrm(ctx, container, localU, remoteU, t); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf("%s/%d", t.LocalIP(node.Name), t.PrefixLen)
	res, err = r.rt.Exec(ctx, container, runtime.AddrAdd(addr, iface))
	if err != nil {
		return err
	}
	if !res.OK() && !runtime.AddrAlreadyExists(res) {
		return fmt.Errorf("addr add %s: %s", addr, res.Output)
	}

	res, err = r.rt.Exec(ctx, container, runtime.LinkUp(iface))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("link up %s: %s", iface, res.Output)
	}
	return nil
}

// installXfrm protects the tunnel's underlay traffic with transport-mode ESP
// in both directions. The SPI is derived from the GRE key so both sides
// agree without negotiation.
func (r *TunnelReconciler) installXfrm(ctx context.Context, container, local, remote string, t model.Tunnel) error {
	spi := t.Key
	if spi == 0 {
		spi = 0x100
	}
	cmds := [][]string{
		runtime.XfrmStateAdd(local, remote, spi, t.Cipher, t.PSK),
		runtime.XfrmStateAdd(remote, local, spi, t.Cipher, t.PSK),
		runtime.XfrmPolicyAdd(local, remote, "out", spi),
		runtime.XfrmPolicyAdd(remote, local, "in", spi),
	}
	for _, cmd := range cmds {
		res, err := r.rt.Exec(ctx, container, cmd)
		if err != nil {
			return err
		}
		if !res.OK() && !runtime.XfrmAlreadyExists(res) {
			return fmt.Errorf("xfrm setup: %s", res.Output)
		}
	}
	return nil
}

// underlayIP is the address a tunnel side uses on the underlay network:
// the container's endpoint address, or the declared external IP for nodes
// without a container.
func (r *TunnelReconciler) underlayIP(ctx context.Context, t model.Tunnel, nodeName string) (string, error) {
	node, ok, err := r.st.GetNode(t.Topology, nodeName)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", model.NotFoundf("node %s", nodeName)
	}
	if node.Kind == model.KindExternal {
		if node.ExternalIP == "" {
			return "", model.Preconditionf("external node %s has no address", nodeName)
		}
		return node.ExternalIP, nil
	}
	eps, err := r.rt.ContainerEndpoints(ctx, node.ContainerName())
	if err != nil {
		return "", err
	}
	underlay := model.RuntimeNetworkName(t.Topology, t.UnderlayNetwork)
	for _, ep := range eps {
		if ep.Network == underlay {
			return ep.IP, nil
		}
	}
	return "", model.NotFoundf("%s has no address on underlay %s", nodeName, t.UnderlayNetwork)
}
