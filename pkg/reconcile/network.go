package reconcile

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
)

// NetworkResult reports what a network reconciliation changed. Network names
// are declared names, not runtime names.
type NetworkResult struct {
	Connected    []string        `json:"connected,omitempty"`
	Reconnected  []string        `json:"reconnected,omitempty"`
	IPAdded      []string        `json:"ipAdded,omitempty"`
	Disconnected []string        `json:"disconnected,omitempty"`
	Errors       []model.OpError `json:"errors,omitempty"`
}

// NetworkReconciler converges a node's live network attachments to a
// desired set.
type NetworkReconciler struct {
	rt       runtime.ContainerRuntime
	resolver *InterfaceResolver
}

// NewNetworkReconciler builds a network reconciler.
func NewNetworkReconciler(rt runtime.ContainerRuntime, resolver *InterfaceResolver) *NetworkReconciler {
	return &NetworkReconciler{rt: rt, resolver: resolver}
}

// Reconcile detaches the node from networks outside desired and reserved,
// then walks the desired attachments: already-converged attachments are
// untouched, attachments whose interface no longer resolves are forcibly
// reattached, attachments missing only an address get it added as a
// secondary, and missing attachments are created. reserved holds declared
// network names (the management network at minimum). The returned error is
// set only when the runtime itself is unreachable.
func (r *NetworkReconciler) Reconcile(ctx context.Context, node model.Node, desired []model.Attachment, reserved []string) (NetworkResult, error) {
	var result NetworkResult
	container := node.ContainerName()

	eps, err := r.rt.ContainerEndpoints(ctx, container)
	if err != nil {
		return result, fmt.Errorf("inspect %s: %w", container, err)
	}
	live := make(map[string]runtime.EndpointInfo, len(eps))
	for _, ep := range eps {
		live[ep.Network] = ep
	}

	keep := make(map[string]bool, len(desired)+len(reserved))
	for _, att := range desired {
		keep[model.RuntimeNetworkName(node.Topology, att.Network)] = true
	}
	for _, n := range reserved {
		keep[model.RuntimeNetworkName(node.Topology, n)] = true
	}

	extra := make([]string, 0)
	for n := range live {
		if !keep[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	for _, n := range extra {
		if err := r.rt.DisconnectNetwork(ctx, container, n, true); err != nil {
			result.Errors = model.AppendOpError(result.Errors, n, err)
			continue
		}
		result.Disconnected = append(result.Disconnected, strings.TrimPrefix(n, node.Topology+"-"))
	}

	ordered := append([]model.Attachment(nil), desired...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Network < ordered[j].Network })

	for _, att := range ordered {
		rn := model.RuntimeNetworkName(node.Topology, att.Network)
		ep, attached := live[rn]
		if !attached {
			if err := r.rt.ConnectNetwork(ctx, container, rn, att.IPv4); err != nil {
				result.Errors = model.AppendOpError(result.Errors, att.Network, err)
				continue
			}
			result.Connected = append(result.Connected, att.Network)
			continue
		}

		iface, err := r.resolver.Resolve(ctx, container, rn, att.IPv4)
		if err != nil {
			// stale metadata, typically after node recreation
			log.Infof("network: %s/%s interface lost, reattaching", container, att.Network)
			if err := r.rt.DisconnectNetwork(ctx, container, rn, true); err != nil {
				result.Errors = model.AppendOpError(result.Errors, att.Network, err)
				continue
			}
			if err := r.rt.ConnectNetwork(ctx, container, rn, att.IPv4); err != nil {
				result.Errors = model.AppendOpError(result.Errors, att.Network, err)
				continue
			}
			result.Reconnected = append(result.Reconnected, att.Network)
			continue
		}

		if att.IPv4 == "" || att.IPv4 == ep.IP || r.hasAddress(ctx, container, iface, att.IPv4) {
			result.Connected = append(result.Connected, att.Network)
			continue
		}

		cidr, err := r.attachmentCIDR(ctx, rn, att.IPv4)
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, att.Network, err)
			continue
		}
		res, err := r.rt.Exec(ctx, container, runtime.AddrAdd(cidr, iface))
		if err != nil {
			result.Errors = model.AppendOpError(result.Errors, att.Network, err)
			continue
		}
		if !res.OK() && !runtime.AddrAlreadyExists(res) {
			result.Errors = model.AppendOpError(result.Errors, att.Network, fmt.Errorf("addr add %s: %s", cidr, res.Output))
			continue
		}
		result.IPAdded = append(result.IPAdded, att.Network)
	}
	return result, nil
}

func (r *NetworkReconciler) hasAddress(ctx context.Context, container, iface, ip string) bool {
	res, err := r.rt.Exec(ctx, container, runtime.AddrList())
	if err != nil || !res.OK() {
		return false
	}
	for _, a := range runtime.ParseAddrList(res.Output) {
		if a.Iface == iface && a.IP() == ip {
			return true
		}
	}
	return false
}

// attachmentCIDR renders the attachment address with a prefix length taken
// from the live network's subnet.
func (r *NetworkReconciler) attachmentCIDR(ctx context.Context, runtimeNetwork, ip string) (string, error) {
	info, ok, err := r.rt.NetworkInfo(ctx, runtimeNetwork)
	if err != nil {
		return "", err
	}
	prefixLen := 24
	if ok && info.Subnet != "" {
		if _, ipnet, err := net.ParseCIDR(info.Subnet); err == nil {
			prefixLen, _ = ipnet.Mask.Size()
		}
	}
	return fmt.Sprintf("%s/%d", ip, prefixLen), nil
}
