// Package reconcile converges live container state with the declared
// topology. Every reconciler here is safe to call repeatedly; batch
// operations collect per-item failures instead of aborting.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
)

// InterfaceResolver maps a (container, network) pair to the interface name
// inside the container's namespace.
type InterfaceResolver struct {
	rt runtime.ContainerRuntime
}

// NewResolver builds a resolver on the given runtime.
func NewResolver(rt runtime.ContainerRuntime) *InterfaceResolver {
	return &InterfaceResolver{rt: rt}
}

// Resolve finds the live interface for network inside container. desiredIP,
// when known, widens the address-based match. Preference order: MAC match
// against the runtime's endpoint record, then address match, then position
// of the network among the container's attachments. The positional fallback
// assumes attach order matches eth numbering and can pick the wrong
// interface when it does not.
func (r *InterfaceResolver) Resolve(ctx context.Context, container, network, desiredIP string) (string, error) {
	eps, err := r.rt.ContainerEndpoints(ctx, container)
	if err != nil {
		return "", fmt.Errorf("list endpoints of %s: %w", container, err)
	}
	var ep *runtime.EndpointInfo
	for i := range eps {
		if eps[i].Network == network {
			ep = &eps[i]
			break
		}
	}

	var links []runtime.LinkInfo
	if res, err := r.rt.Exec(ctx, container, runtime.LinkList()); err == nil && res.OK() {
		links = runtime.ParseLinkList(res.Output)
	}

	if ep != nil && ep.MAC != "" {
		for _, l := range links {
			if l.MAC == ep.MAC {
				return l.Name, nil
			}
		}
	}

	candidates := map[string]bool{}
	if ep != nil && ep.IP != "" {
		candidates[ep.IP] = true
	}
	if desiredIP != "" {
		candidates[desiredIP] = true
	}
	if len(candidates) > 0 {
		if res, err := r.rt.Exec(ctx, container, runtime.AddrList()); err == nil && res.OK() {
			for _, a := range runtime.ParseAddrList(res.Output) {
				if candidates[a.IP()] {
					return a.Iface, nil
				}
			}
		}
	}

	if ep != nil {
		names := make([]string, 0, len(eps))
		for _, e := range eps {
			names = append(names, e.Network)
		}
		sort.Strings(names)
		for i, n := range names {
			if n != network {
				continue
			}
			name := "eth" + strconv.Itoa(i)
			// when the container answered the link listing, a guessed name
			// that is not in it is stale metadata, not a resolution
			if links != nil && !linkExists(links, name) {
				break
			}
			log.Warnf("resolver: positional fallback %s for %s on %s", name, network, container)
			return name, nil
		}
	}
	return "", model.NotFoundf("interface for network %s on %s", network, container)
}

func linkExists(links []runtime.LinkInfo, name string) bool {
	for _, l := range links {
		if l.Name == name {
			return true
		}
	}
	return false
}
