package model

import "fmt"

// TunnelKind selects the encapsulation of a point-to-point tunnel.
type TunnelKind string

const (
	TunnelGRE   TunnelKind = "gre"
	TunnelIPsec TunnelKind = "ipsec"
)

// Tunnel declares a point-to-point tunnel between two containers. The pair
// key is normalized so Container1 < Container2 lexicographically; Normalize
// must run before every lookup or insert, otherwise the same unordered pair
// can produce two reversed records.
type Tunnel struct {
	Topology   string     `json:"topology"`
	Kind       TunnelKind `json:"kind"`
	Container1 string     `json:"container1"`
	Container2 string     `json:"container2"`

	// Tunnel-interface addresses, one per side, assigned from a shared
	// prefix of PrefixLen.
	Tunnel1IP string `json:"tunnel1Ip,omitempty"`
	Tunnel2IP string `json:"tunnel2Ip,omitempty"`
	PrefixLen int    `json:"prefixLen,omitempty"`

	// Underlay network carrying the encapsulated traffic.
	UnderlayNetwork string `json:"underlayNetwork"`

	// Optional parameters.
	Key    uint32 `json:"key,omitempty"` // GRE key
	TTL    int    `json:"ttl,omitempty"`
	PSK    string `json:"psk,omitempty"`    // IPsec pre-shared key, generated externally
	Cipher string `json:"cipher,omitempty"` // IPsec cipher name
}

// Normalize orders the pair key and swaps the per-side tunnel IPs to match.
func (t *Tunnel) Normalize() {
	if t.Container1 > t.Container2 {
		t.Container1, t.Container2 = t.Container2, t.Container1
		t.Tunnel1IP, t.Tunnel2IP = t.Tunnel2IP, t.Tunnel1IP
	}
}

// PeerOf returns the other endpoint of the tunnel, or "" if node is not an
// endpoint.
func (t Tunnel) PeerOf(node string) string {
	switch node {
	case t.Container1:
		return t.Container2
	case t.Container2:
		return t.Container1
	}
	return ""
}

// LocalIP returns the tunnel address of the given side.
func (t Tunnel) LocalIP(node string) string {
	if node == t.Container1 {
		return t.Tunnel1IP
	}
	return t.Tunnel2IP
}

// InterfaceName is the tunnel interface name on the given side. Linux caps
// interface names at 15 characters, so the peer part is truncated.
func (t Tunnel) InterfaceName(node string) string {
	peer := t.PeerOf(node)
	name := fmt.Sprintf("%s-%s", t.Kind, peer)
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// Involves reports whether node is one of the tunnel endpoints.
func (t Tunnel) Involves(node string) bool {
	return node == t.Container1 || node == t.Container2
}
