package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
	"netlab/pkg/store"
)

// Tap start outcomes.
const (
	TapCreated        = "created"
	TapRestarted      = "restarted"
	TapRecreated      = "recreated"
	TapAlreadyRunning = "already running"
)

// TapReconciler manages NetFlow capture side-cars. A tap shares its target's
// network namespace and exports flows from the interface the resolver maps
// the tapped network to.
type TapReconciler struct {
	rt       runtime.ContainerRuntime
	st       store.Store
	resolver *InterfaceResolver

	// Image runs the flow exporter inside the side-car.
	Image string
	// MonitorNode names the topology node whose addresses are used for
	// collector discovery when the tap declares none.
	MonitorNode string
}

// NewTapReconciler builds a tap reconciler with default image and monitor
// node names.
func NewTapReconciler(rt runtime.ContainerRuntime, st store.Store, resolver *InterfaceResolver) *TapReconciler {
	return &TapReconciler{rt: rt, st: st, resolver: resolver, Image: "netlab/softflowd:latest", MonitorNode: "monitor"}
}

// Start brings the tap to running state and reports how: a missing side-car
// is created, a stopped one restarted, and one whose namespace reference
// went stale (target recreated) is removed and rebuilt.
func (r *TapReconciler) Start(ctx context.Context, tap model.Tap) (string, error) {
	node, ok, err := r.st.GetNode(tap.Topology, tap.Node)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", model.NotFoundf("node %s in topology %s", tap.Node, tap.Topology)
	}
	target, ok, err := r.rt.Inspect(ctx, node.ContainerName())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", model.NotFoundf("container %s", node.ContainerName())
	}
	if !target.Running {
		return "", model.Preconditionf("container %s must be running to tap it", node.ContainerName())
	}

	if tap.CollectorIP == "" {
		collector, err := r.discoverCollector(ctx, tap.Topology, node)
		if err != nil {
			return "", fmt.Errorf("discover collector: %w", err)
		}
		tap.CollectorIP = collector
		if err := r.st.UpsertTap(tap); err != nil {
			return "", err
		}
	}

	iface, err := r.resolver.Resolve(ctx, node.ContainerName(), model.RuntimeNetworkName(tap.Topology, tap.Network), "")
	if err != nil {
		return "", err
	}

	tapName := tap.ContainerName()
	existing, exists, err := r.rt.Inspect(ctx, tapName)
	if err != nil {
		return "", err
	}
	if exists {
		ref, hasRef, err := r.rt.TapTarget(ctx, tapName)
		if err != nil {
			return "", err
		}
		if hasRef && ref == target.ID {
			if existing.Running {
				return TapAlreadyRunning, nil
			}
			if err := r.rt.StartContainer(ctx, tapName); err != nil {
				return "", err
			}
			return TapRestarted, nil
		}
		log.Infof("tap: %s references a recreated target, rebuilding", tapName)
		if err := r.rt.RemoveContainer(ctx, tapName); err != nil {
			return "", err
		}
		if err := r.create(ctx, tap, node, iface); err != nil {
			return "", err
		}
		return TapRecreated, nil
	}

	if err := r.create(ctx, tap, node, iface); err != nil {
		return "", err
	}
	return TapCreated, nil
}

// Stop stops the side-car; the declaration survives for a later Start.
func (r *TapReconciler) Stop(ctx context.Context, tap model.Tap) error {
	return r.rt.StopContainer(ctx, tap.ContainerName())
}

// Remove removes the side-car container. Already-gone is not an error.
func (r *TapReconciler) Remove(ctx context.Context, tap model.Tap) error {
	return r.rt.RemoveContainer(ctx, tap.ContainerName())
}

func (r *TapReconciler) create(ctx context.Context, tap model.Tap, node model.Node, iface string) error {
	version := tap.Version
	if version == 0 {
		version = 9
	}
	return r.rt.CreateTap(ctx, runtime.TapSpec{
		Name:   tap.ContainerName(),
		Image:  r.Image,
		Labels: runtime.TapLabels(tap),
		Target: node.ContainerName(),
		Cmd: []string{
			"softflowd", "-d",
			"-i", iface,
			"-n", fmt.Sprintf("%s:%d", tap.CollectorIP, tap.CollectorPort),
			"-v", strconv.Itoa(version),
		},
	})
}

// discoverCollector finds an address flows can be exported to: the monitor
// node's management-network address, else its address on the first network
// shared with the target, else any address it has.
func (r *TapReconciler) discoverCollector(ctx context.Context, topology string, target model.Node) (string, error) {
	monitor, ok, err := r.st.GetNode(topology, r.MonitorNode)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", model.NotFoundf("no collector declared and no %s node", r.MonitorNode)
	}
	monEps, err := r.rt.ContainerEndpoints(ctx, monitor.ContainerName())
	if err != nil {
		return "", err
	}
	sort.Slice(monEps, func(i, j int) bool { return monEps[i].Network < monEps[j].Network })

	if topo, ok, err := r.st.GetTopology(topology); err == nil && ok && topo.ManagementNetwork != "" {
		mgmt := model.RuntimeNetworkName(topology, topo.ManagementNetwork)
		for _, ep := range monEps {
			if ep.Network == mgmt && ep.IP != "" {
				return ep.IP, nil
			}
		}
	}

	if targetEps, err := r.rt.ContainerEndpoints(ctx, target.ContainerName()); err == nil {
		shared := map[string]bool{}
		for _, ep := range targetEps {
			shared[ep.Network] = true
		}
		for _, ep := range monEps {
			if shared[ep.Network] && ep.IP != "" {
				return ep.IP, nil
			}
		}
	}

	for _, ep := range monEps {
		if ep.IP != "" {
			return ep.IP, nil
		}
	}
	return "", model.NotFoundf("monitor node %s has no usable address", r.MonitorNode)
}
