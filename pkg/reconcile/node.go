package reconcile

import (
	"context"

	log "github.com/sirupsen/logrus"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
	"netlab/pkg/store"
)

// NodeResult aggregates everything a node reset touched.
type NodeResult struct {
	Node    string          `json:"node"`
	Network NetworkResult   `json:"network"`
	Tunnels []TunnelStatus  `json:"tunnels,omitempty"`
	BGP     *BGPResult      `json:"bgp,omitempty"`
	Taps    []string        `json:"taps,omitempty"`
	Errors  []model.OpError `json:"errors,omitempty"`
	Status  string          `json:"status,omitempty"`
}

// NodeReconciler composes the per-concern reconcilers into one "reset this
// node to desired state" operation.
type NodeReconciler struct {
	rt       runtime.ContainerRuntime
	st       store.Store
	resolver *InterfaceResolver
	networks *NetworkReconciler
	tunnels  *TunnelReconciler
	bgp      *BGPReconciler
	taps     *TapReconciler
}

// NewNodeReconciler wires the composite reconciler.
func NewNodeReconciler(rt runtime.ContainerRuntime, st store.Store, resolver *InterfaceResolver,
	networks *NetworkReconciler, tunnels *TunnelReconciler, bgp *BGPReconciler, taps *TapReconciler) *NodeReconciler {
	return &NodeReconciler{rt: rt, st: st, resolver: resolver, networks: networks, tunnels: tunnels, bgp: bgp, taps: taps}
}

// Reset converges one node: attachments, tunnels, BGP state (daemons only),
// and taps, in that order. External nodes carry no live state and return an
// empty result. The error is fatal only; per-item failures accumulate on
// the result.
func (r *NodeReconciler) Reset(ctx context.Context, topology, name string) (NodeResult, error) {
	result := NodeResult{Node: name}
	node, ok, err := r.st.GetNode(topology, name)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, model.NotFoundf("node %s in topology %s", name, topology)
	}
	if node.Kind == model.KindExternal {
		return result, nil
	}

	topo, _, err := r.st.GetTopology(topology)
	if err != nil {
		return result, err
	}
	var reserved []string
	if topo.ManagementNetwork != "" {
		reserved = append(reserved, topo.ManagementNetwork)
	}

	desired, err := r.st.ListAttachments(topology, name)
	if err != nil {
		return result, err
	}
	result.Network, err = r.networks.Reconcile(ctx, node, desired, reserved)
	if err != nil {
		return result, err
	}
	r.persistInterfaces(ctx, node, desired)

	result.Tunnels, err = r.tunnels.Restore(ctx, topology, name)
	if err != nil {
		result.Errors = model.AppendOpError(result.Errors, "tunnels", err)
	}

	if node.Kind == model.KindDaemon {
		bgpResult, err := r.bgp.Restore(ctx, node)
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "bgp", err)
		} else {
			result.BGP = &bgpResult
		}
	}

	allTaps, err := r.st.ListTaps(topology)
	if err != nil {
		result.Errors = model.AppendOpError(result.Errors, "taps", err)
		allTaps = nil
	}
	for _, tap := range allTaps {
		if tap.Node != name {
			continue
		}
		outcome, err := r.taps.Start(ctx, tap)
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "tap "+tap.ContainerName(), err)
			continue
		}
		result.Taps = append(result.Taps, tap.ContainerName()+" "+outcome)
	}

	if info, ok, err := r.rt.Inspect(ctx, node.ContainerName()); err == nil && ok {
		node.Status = info.State
		result.Status = info.State
		if err := r.st.UpsertNode(node); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "status", err)
		}
	}
	return result, nil
}

// persistInterfaces lazily fills in the resolved interface name of each
// attachment. Resolution failure just leaves the field empty.
func (r *NodeReconciler) persistInterfaces(ctx context.Context, node model.Node, atts []model.Attachment) {
	for _, att := range atts {
		iface, err := r.resolver.Resolve(ctx, node.ContainerName(), model.RuntimeNetworkName(node.Topology, att.Network), att.IPv4)
		if err != nil {
			log.Debugf("node: interface for %s/%s unresolved: %v", node.Name, att.Network, err)
			continue
		}
		if att.Interface == iface {
			continue
		}
		att.Interface = iface
		if err := r.st.UpsertAttachment(att); err != nil {
			log.Warnf("node: persist interface of %s/%s: %v", node.Name, att.Network, err)
		}
	}
}
