// Package frr renders startup configuration for FRR-based daemon nodes.
// The rendered config only seeds the daemon; the engine keeps peers and
// routes converged afterwards through the management API.
package frr

import (
	"fmt"
	"sort"
	"strings"

	"netlab/pkg/model"
)

// BGPConfig contains rendered FRR bgpd configuration.
type BGPConfig struct {
	BGPD string
}

// RenderBGP builds a bgpd.conf for a daemon node from its declared sessions
// and advertisements. Neighbors are emitted in peer-IP order so the output
// is stable across runs.
func RenderBGP(node model.Node, sessions []model.BGPSession, advertised []string) (BGPConfig, error) {
	if node.Kind != model.KindDaemon {
		return BGPConfig{}, fmt.Errorf("node %s is not a daemon", node.Name)
	}
	asn := node.ASN
	if asn == 0 {
		asn = 65000
	}

	type neighbor struct {
		ip  string
		asn int
	}
	var neighbors []neighbor
	for _, s := range sessions {
		_, _, peerIP, peerASN, ok := s.SideOf(node.Name)
		if !ok {
			continue
		}
		neighbors = append(neighbors, neighbor{ip: peerIP, asn: peerASN})
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].ip < neighbors[j].ip })

	var b strings.Builder
	fmt.Fprintf(&b, "router bgp %d\n", asn)
	if node.RouterID != "" {
		fmt.Fprintf(&b, " bgp router-id %s\n", node.RouterID)
	}
	for _, n := range neighbors {
		remote := n.asn
		if remote == 0 {
			remote = asn
		}
		fmt.Fprintf(&b, " neighbor %s remote-as %d\n", n.ip, remote)
	}
	for _, pfx := range advertised {
		fmt.Fprintf(&b, " network %s\n", pfx)
	}
	b.WriteString("!\n")
	return BGPConfig{BGPD: b.String()}, nil
}
