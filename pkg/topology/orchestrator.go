// Package topology sequences the per-concern reconcilers into whole-topology
// lifecycle operations: standup, stop, teardown, reset, activate.
package topology

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"netlab/pkg/bgpd"
	"netlab/pkg/frr"
	"netlab/pkg/model"
	"netlab/pkg/reconcile"
	"netlab/pkg/runtime"
	"netlab/pkg/store"
)

// Default container images per node kind.
const (
	DefaultDaemonImage = "netlab/frr:latest"
	DefaultHostImage   = "netlab/host:latest"
)

// Result is the outcome of one lifecycle operation. Per-item failures land
// in Errors; the operation itself fails only when the store or runtime is
// unreachable.
type Result struct {
	Topology        string                 `json:"topology"`
	Operation       string                 `json:"operation"`
	Run             string                 `json:"run"`
	NetworksCreated []string               `json:"networksCreated,omitempty"`
	Nodes           []reconcile.NodeResult `json:"nodes,omitempty"`
	Errors          []model.OpError        `json:"errors,omitempty"`
}

// Orchestrator drives topology lifecycle transitions. All work within one
// call is sequential and deterministic; there is no cross-topology locking.
type Orchestrator struct {
	rt      runtime.ContainerRuntime
	st      store.Store
	journal runtime.Journal

	networks *reconcile.NetworkReconciler
	tunnels  *reconcile.TunnelReconciler
	taps     *reconcile.TapReconciler
	nodes    *reconcile.NodeReconciler
}

// New wires an orchestrator and its underlying reconcilers.
func New(rt runtime.ContainerRuntime, st store.Store, client *bgpd.Client, journal runtime.Journal) *Orchestrator {
	if journal == nil {
		journal = runtime.NopJournal{}
	}
	resolver := reconcile.NewResolver(rt)
	networks := reconcile.NewNetworkReconciler(rt, resolver)
	tunnels := reconcile.NewTunnelReconciler(rt, st)
	bgp := reconcile.NewBGPReconciler(st, client)
	taps := reconcile.NewTapReconciler(rt, st, resolver)
	return &Orchestrator{
		rt:       rt,
		st:       st,
		journal:  journal,
		networks: networks,
		tunnels:  tunnels,
		taps:     taps,
		nodes:    reconcile.NewNodeReconciler(rt, st, resolver, networks, tunnels, bgp, taps),
	}
}

// Tunnels exposes the tunnel reconciler for direct diagnose/fix calls.
func (o *Orchestrator) Tunnels() *reconcile.TunnelReconciler { return o.tunnels }

// Taps exposes the tap reconciler for direct start/stop calls.
func (o *Orchestrator) Taps() *reconcile.TapReconciler { return o.taps }

// Standup brings the whole topology to a clean running baseline: networks
// ensured, every daemon/host container destructively recreated, then each
// node reconciled (attachments, tunnels, BGP, taps). Individual failures
// accumulate and the walk continues.
func (o *Orchestrator) Standup(ctx context.Context, name string) (Result, error) {
	result := Result{Topology: name, Operation: "standup", Run: uuid.New().String()}
	topo, ok, err := o.st.GetTopology(name)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, model.NotFoundf("topology %s", name)
	}
	o.setState(&topo, model.StateStandingUp)

	networks, err := o.st.ListNetworks(name)
	if err != nil {
		return result, err
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].Name < networks[j].Name })
	for _, n := range networks {
		created, err := o.rt.EnsureNetwork(ctx, n.RuntimeName(), n.Subnet, n.Gateway)
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "network "+n.Name, err)
			continue
		}
		if created {
			result.NetworksCreated = append(result.NetworksCreated, n.Name)
			o.journal.Record(result.Run, name, "network "+n.Name, "created", n.Subnet)
		}
	}

	nodes, err := o.st.ListNodes(name)
	if err != nil {
		return result, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	for _, node := range nodes {
		if node.Kind == model.KindExternal {
			continue
		}
		spec, err := o.nodeSpec(topo, node)
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "node "+node.Name, err)
			continue
		}
		if err := o.rt.CreateNode(ctx, spec); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "node "+node.Name, err)
			continue
		}
		o.journal.Record(result.Run, name, "node "+node.Name, "recreated", spec.Image)
	}

	// attach everyone's data networks before per-node reconciliation, so a
	// node's tunnel restore can see its peers' underlay addresses
	var reserved []string
	if topo.ManagementNetwork != "" {
		reserved = append(reserved, topo.ManagementNetwork)
	}
	for _, node := range nodes {
		if node.Kind == model.KindExternal {
			continue
		}
		atts, err := o.st.ListAttachments(name, node.Name)
		if err != nil {
			return result, err
		}
		netResult, err := o.networks.Reconcile(ctx, node, atts, reserved)
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "node "+node.Name, err)
			continue
		}
		for _, e := range netResult.Errors {
			result.Errors = append(result.Errors, model.OpError{Resource: "node " + node.Name + " " + e.Resource, Reason: e.Reason})
		}
	}

	for _, node := range nodes {
		if node.Kind == model.KindExternal {
			continue
		}
		nodeResult, err := o.nodes.Reset(ctx, name, node.Name)
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "node "+node.Name, err)
			continue
		}
		result.Nodes = append(result.Nodes, nodeResult)
		o.journal.Record(result.Run, name, "node "+node.Name, "reconciled", "")
	}

	o.setState(&topo, model.StateActive)
	log.Infof("topology %s: standup complete, %d errors", name, len(result.Errors))
	return result, nil
}

// Stop halts every container of the topology without removing anything, so
// a later Standup resumes quickly.
func (o *Orchestrator) Stop(ctx context.Context, name string) (Result, error) {
	result := Result{Topology: name, Operation: "stop", Run: uuid.New().String()}
	topo, ok, err := o.st.GetTopology(name)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, model.NotFoundf("topology %s", name)
	}

	taps, err := o.st.ListTaps(name)
	if err != nil {
		return result, err
	}
	for _, tap := range taps {
		if err := o.taps.Stop(ctx, tap); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "tap "+tap.ContainerName(), err)
		}
	}

	nodes, err := o.st.ListNodes(name)
	if err != nil {
		return result, err
	}
	for _, node := range nodes {
		if node.Kind == model.KindExternal {
			continue
		}
		if err := o.rt.StopContainer(ctx, node.ContainerName()); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "node "+node.Name, err)
			continue
		}
		o.journal.Record(result.Run, name, "node "+node.Name, "stopped", "")
	}

	o.setState(&topo, model.StateStopped)
	return result, nil
}

// Teardown removes every container and network of the topology, tolerating
// already-gone resources, and deletes the node/network desired-state
// records. Topology, tunnel, session, and advertisement declarations
// survive; teardown is not delete-topology.
func (o *Orchestrator) Teardown(ctx context.Context, name string) (Result, error) {
	result := Result{Topology: name, Operation: "teardown", Run: uuid.New().String()}
	topo, ok, err := o.st.GetTopology(name)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, model.NotFoundf("topology %s", name)
	}
	o.setState(&topo, model.StateTearingDown)

	taps, err := o.st.ListTaps(name)
	if err != nil {
		return result, err
	}
	for _, tap := range taps {
		if err := o.taps.Remove(ctx, tap); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "tap "+tap.ContainerName(), err)
		}
	}

	nodes, err := o.st.ListNodes(name)
	if err != nil {
		return result, err
	}
	for _, node := range nodes {
		if node.Kind != model.KindExternal {
			if err := o.rt.RemoveContainer(ctx, node.ContainerName()); err != nil {
				result.Errors = model.AppendOpError(result.Errors, "node "+node.Name, err)
				continue
			}
			o.journal.Record(result.Run, name, "node "+node.Name, "removed", "")
		}
		if err := o.st.DeleteNode(name, node.Name); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "node "+node.Name, err)
		}
	}

	networks, err := o.st.ListNetworks(name)
	if err != nil {
		return result, err
	}
	for _, n := range networks {
		if err := o.rt.RemoveNetwork(ctx, n.RuntimeName()); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "network "+n.Name, err)
			continue
		}
		if err := o.st.DeleteNetwork(name, n.Name); err != nil {
			result.Errors = model.AppendOpError(result.Errors, "network "+n.Name, err)
		}
		o.journal.Record(result.Run, name, "network "+n.Name, "removed", "")
	}

	o.setState(&topo, model.StateAbsent)
	return result, nil
}

// Reset is teardown immediately followed by standup. Node and network
// declarations are snapshotted around the teardown, since teardown deletes
// their desired-state records.
func (o *Orchestrator) Reset(ctx context.Context, name string) (Result, error) {
	result := Result{Topology: name, Operation: "reset", Run: uuid.New().String()}
	nodes, err := o.st.ListNodes(name)
	if err != nil {
		return result, err
	}
	networks, err := o.st.ListNetworks(name)
	if err != nil {
		return result, err
	}

	down, err := o.Teardown(ctx, name)
	if err != nil {
		return result, err
	}
	result.Errors = append(result.Errors, down.Errors...)

	for _, n := range networks {
		if err := o.st.UpsertNetwork(n); err != nil {
			return result, err
		}
	}
	for _, node := range nodes {
		node.Status = ""
		if err := o.st.UpsertNode(node); err != nil {
			return result, err
		}
	}

	up, err := o.Standup(ctx, name)
	result.Errors = append(result.Errors, up.Errors...)
	result.NetworksCreated = up.NetworksCreated
	result.Nodes = up.Nodes
	return result, err
}

// Activate makes name the single topology with live containers: the
// previously-active topology, if different, is torn down first.
func (o *Orchestrator) Activate(ctx context.Context, name string) (Result, error) {
	result := Result{Topology: name, Operation: "activate", Run: uuid.New().String()}
	all, err := o.st.ListTopologies()
	if err != nil {
		return result, err
	}
	for _, t := range all {
		if !t.Active || t.Name == name {
			continue
		}
		down, err := o.Teardown(ctx, t.Name)
		if err != nil {
			return result, fmt.Errorf("teardown active topology %s: %w", t.Name, err)
		}
		result.Errors = append(result.Errors, down.Errors...)
	}

	up, err := o.Standup(ctx, name)
	result.Errors = append(result.Errors, up.Errors...)
	result.NetworksCreated = up.NetworksCreated
	result.Nodes = up.Nodes
	if err != nil {
		return result, err
	}
	return result, o.st.SetActive(name)
}

// NodeStatus is the live view of one node, paired with its declaration.
type NodeStatus struct {
	Name  string   `json:"name"`
	Kind  string   `json:"kind"`
	State string   `json:"state,omitempty"` // empty when no container exists
	Taps  []string `json:"taps,omitempty"`  // running tap side-cars
}

// StatusReport summarizes a topology from runtime listings. It mirrors live
// state into the node records but the runtime stays authoritative.
type StatusReport struct {
	Topology string       `json:"topology"`
	State    string       `json:"state"`
	Active   bool         `json:"active"`
	Networks []string     `json:"networks,omitempty"` // networks present live
	Nodes    []NodeStatus `json:"nodes,omitempty"`
}

// Status reports the live condition of a topology without mutating anything
// beyond the mirrored per-node status fields.
func (o *Orchestrator) Status(ctx context.Context, name string) (StatusReport, error) {
	topo, ok, err := o.st.GetTopology(name)
	if err != nil {
		return StatusReport{}, err
	}
	if !ok {
		return StatusReport{}, model.NotFoundf("topology %s", name)
	}
	report := StatusReport{Topology: name, State: topo.State, Active: topo.Active}

	networks, err := o.st.ListNetworks(name)
	if err != nil {
		return report, err
	}
	for _, n := range networks {
		if _, ok, err := o.rt.NetworkInfo(ctx, n.RuntimeName()); err == nil && ok {
			report.Networks = append(report.Networks, n.Name)
		}
	}
	sort.Strings(report.Networks)

	containers, err := o.rt.List(ctx, map[string]string{runtime.LabelTopology: name})
	if err != nil {
		return report, err
	}
	byNode := map[string]runtime.ContainerInfo{}
	tapsByNode := map[string][]string{}
	for _, c := range containers {
		if tapped := c.Labels[runtime.LabelTap]; tapped != "" {
			if c.Running {
				tapsByNode[tapped] = append(tapsByNode[tapped], c.Name)
			}
			continue
		}
		byNode[c.Labels[runtime.LabelNode]] = c
	}

	nodes, err := o.st.ListNodes(name)
	if err != nil {
		return report, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for _, node := range nodes {
		ns := NodeStatus{Name: node.Name, Kind: string(node.Kind), Taps: tapsByNode[node.Name]}
		sort.Strings(ns.Taps)
		if c, ok := byNode[node.Name]; ok {
			ns.State = c.State
			if node.Status != c.State {
				node.Status = c.State
				if err := o.st.UpsertNode(node); err != nil {
					log.Warnf("topology %s: mirror status of %s: %v", name, node.Name, err)
				}
			}
		}
		report.Nodes = append(report.Nodes, ns)
	}
	return report, nil
}

// nodeSpec assembles the container spec for a daemon or host node. Every
// container joins the management network at creation; data networks are
// attached afterwards by the network reconciler.
func (o *Orchestrator) nodeSpec(topo model.Topology, node model.Node) (runtime.NodeSpec, error) {
	spec := runtime.NodeSpec{
		Name:       node.ContainerName(),
		Hostname:   node.Name,
		Labels:     runtime.NodeLabels(node),
		Privileged: true,
	}
	if topo.ManagementNetwork != "" {
		spec.Network = model.RuntimeNetworkName(topo.Name, topo.ManagementNetwork)
	}

	switch node.Kind {
	case model.KindDaemon:
		spec.Image = node.Image
		if spec.Image == "" {
			spec.Image = DefaultDaemonImage
		}
		spec.IP = node.ManagementIP
		if node.APIPort != 0 {
			port := strconv.Itoa(node.APIPort)
			spec.PortMap = map[string]string{port: port}
		}
		env, err := o.daemonEnv(node)
		if err != nil {
			return spec, err
		}
		spec.Env = env
	case model.KindHost:
		spec.Image = node.Image
		if spec.Image == "" {
			spec.Image = DefaultHostImage
		}
		spec.IP = node.ContainerIP
		if node.GatewayIP != "" {
			spec.Env = append(spec.Env, "GATEWAY_IP="+node.GatewayIP)
		}
		if node.LoopbackIP != "" {
			spec.Env = append(spec.Env,
				fmt.Sprintf("LOOPBACK=%s/%d", node.LoopbackIP, node.LoopbackMask))
		}
	default:
		return spec, fmt.Errorf("no container spec for node kind %q", node.Kind)
	}
	return spec, nil
}

// daemonEnv seeds an FRR daemon with its rendered startup config. The
// reconcilers re-converge peers and routes afterwards, so the seed only has
// to be roughly right.
func (o *Orchestrator) daemonEnv(node model.Node) ([]string, error) {
	sessions, err := o.st.ListSessions(node.Topology)
	if err != nil {
		return nil, err
	}
	adverts, err := o.st.ListAdverts(node.Topology, node.Name)
	if err != nil {
		return nil, err
	}
	prefixes := make([]string, 0, len(adverts))
	for _, a := range adverts {
		prefixes = append(prefixes, a.CIDR())
	}
	cfg, err := frr.RenderBGP(node, sessions, prefixes)
	if err != nil {
		return nil, err
	}
	env := []string{
		"ASN=" + strconv.Itoa(node.ASN),
		"BGPD_CONF=" + cfg.BGPD,
	}
	if node.RouterID != "" {
		env = append(env, "ROUTER_ID="+node.RouterID)
	}
	if node.APIPort != 0 {
		env = append(env, "API_PORT="+strconv.Itoa(node.APIPort))
	}
	return env, nil
}

// setState persists a lifecycle transition; failure is logged, not fatal,
// because the live resources are what matter.
func (o *Orchestrator) setState(topo *model.Topology, state string) {
	topo.State = state
	if err := o.st.UpsertTopology(*topo); err != nil {
		log.Warnf("topology %s: persist state %s: %v", topo.Name, state, err)
	}
}
