package reconcile

import (
	"context"
	"fmt"
	"net"
	"sort"

	"netlab/pkg/bgpd"
	"netlab/pkg/model"
	"netlab/pkg/store"
)

// BGPResult reports restored peers and advertised routes for one daemon.
type BGPResult struct {
	PeersRestored    []string        `json:"peersRestored,omitempty"`
	RoutesAdvertised []string        `json:"routesAdvertised,omitempty"`
	Errors           []model.OpError `json:"errors,omitempty"`
}

// BGPReconciler restores BGP peering and route advertisements through the
// daemon's management API.
type BGPReconciler struct {
	st     store.Store
	client *bgpd.Client
}

// NewBGPReconciler builds a BGP reconciler.
func NewBGPReconciler(st store.Store, client *bgpd.Client) *BGPReconciler {
	return &BGPReconciler{st: st, client: client}
}

// Restore configures every declared peer on the daemon, then advertises the
// merged route set: explicit advertisement records, subnets behind hosts
// gatewayed by this daemon, and the daemon's own data-plane subnets. One
// failing peer or route never blocks the rest.
func (r *BGPReconciler) Restore(ctx context.Context, daemon model.Node) (BGPResult, error) {
	var result BGPResult
	if daemon.Kind != model.KindDaemon {
		return result, model.Preconditionf("%s is not a daemon node", daemon.Name)
	}

	sessions, err := r.st.ListSessions(daemon.Topology)
	if err != nil {
		return result, err
	}
	for _, s := range sessions {
		if !s.Involves(daemon.Name) {
			continue
		}
		localIP, localASN, peerIP, peerASN, _ := s.SideOf(daemon.Name)
		err := r.client.AddNeighbor(ctx, daemon, peerIP, bgpd.NeighborRequest{
			RemoteASN:    peerASN,
			LocalASN:     localASN,
			LocalAddress: localIP, // multi-attachment daemons must source from the right interface
		})
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "peer "+peerIP, err)
			continue
		}
		result.PeersRestored = append(result.PeersRestored, peerIP)
	}

	routes, errs := r.mergedRoutes(daemon)
	result.Errors = append(result.Errors, errs...)
	for _, route := range routes {
		err := r.client.AdvertiseRoute(ctx, daemon, route.Prefix, route.Length, bgpd.RouteRequest{
			NextHop:     route.NextHop,
			Communities: route.Communities,
			MED:         route.MED,
			ASPath:      route.ASPath,
		})
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, "route "+route.CIDR(), err)
			continue
		}
		result.RoutesAdvertised = append(result.RoutesAdvertised, route.CIDR())
	}
	return result, nil
}

// mergedRoutes builds the deduplicated advertisement set for a daemon.
func (r *BGPReconciler) mergedRoutes(daemon model.Node) ([]model.RouteAdvertisement, []model.OpError) {
	var errs []model.OpError
	seen := map[string]bool{}
	var routes []model.RouteAdvertisement

	add := func(adv model.RouteAdvertisement) {
		if seen[adv.CIDR()] {
			return
		}
		seen[adv.CIDR()] = true
		routes = append(routes, adv)
	}

	explicit, err := r.st.ListAdverts(daemon.Topology, daemon.Name)
	if err != nil {
		errs = model.AppendOpError(errs, "adverts", err)
	}
	for _, adv := range explicit {
		add(adv)
	}

	nodes, err := r.st.ListNodes(daemon.Topology)
	if err != nil {
		errs = model.AppendOpError(errs, "nodes", err)
		nodes = nil
	}
	for _, n := range nodes {
		if n.Kind != model.KindHost || n.GatewayNode != daemon.Name || n.LoopbackIP == "" {
			continue
		}
		prefix, length, err := subnetOf(n.LoopbackIP, n.LoopbackMask)
		if err != nil {
			errs = model.AppendOpError(errs, "host "+n.Name, err)
			continue
		}
		add(model.RouteAdvertisement{Topology: daemon.Topology, Daemon: daemon.Name, Prefix: prefix, Length: length})
	}

	topo, ok, err := r.st.GetTopology(daemon.Topology)
	if err != nil {
		errs = model.AppendOpError(errs, "topology", err)
	}
	mgmt := ""
	if ok {
		mgmt = topo.ManagementNetwork
	}
	atts, err := r.st.ListAttachments(daemon.Topology, daemon.Name)
	if err != nil {
		errs = model.AppendOpError(errs, "attachments", err)
		atts = nil
	}
	for _, att := range atts {
		if att.Network == mgmt {
			continue
		}
		network, ok, err := r.st.GetNetwork(daemon.Topology, att.Network)
		if err != nil || !ok || network.Subnet == "" {
			continue
		}
		ip, ipnet, err := net.ParseCIDR(network.Subnet)
		if err != nil {
			errs = model.AppendOpError(errs, "network "+att.Network, err)
			continue
		}
		length, _ := ipnet.Mask.Size()
		add(model.RouteAdvertisement{Topology: daemon.Topology, Daemon: daemon.Name, Prefix: ip.Mask(ipnet.Mask).String(), Length: length})
	}

	sort.Slice(routes, func(i, j int) bool { return routes[i].CIDR() < routes[j].CIDR() })
	return routes, errs
}

// subnetOf masks an address down to its containing network.
func subnetOf(ip string, maskLen int) (string, int, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", 0, fmt.Errorf("invalid address %q", ip)
	}
	if maskLen <= 0 || maskLen > 32 {
		maskLen = 32
	}
	mask := net.CIDRMask(maskLen, 32)
	return parsed.Mask(mask).String(), maskLen, nil
}
