package model

import (
	"bytes"
	"fmt"
	"net"
)

// BGPSession declares a peering between two daemons (or a daemon and an
// external peer). The pair key is normalized by comparing the two peer IPs;
// both ASNs are carried so either side can resolve its local parameters.
type BGPSession struct {
	Topology string `json:"topology"`
	Node1    string `json:"node1"`
	IP1      string `json:"ip1"`
	ASN1     int    `json:"asn1"`
	Node2    string `json:"node2"`
	IP2      string `json:"ip2"`
	ASN2     int    `json:"asn2"`
}

// Normalize orders the session so IP1 <= IP2. Parsed IP bytes are compared
// when both sides parse, so "9.0.0.1" sorts before "10.0.0.1".
func (s *BGPSession) Normalize() {
	if compareIPs(s.IP1, s.IP2) > 0 {
		s.Node1, s.Node2 = s.Node2, s.Node1
		s.IP1, s.IP2 = s.IP2, s.IP1
		s.ASN1, s.ASN2 = s.ASN2, s.ASN1
	}
}

// SideOf returns (localIP, localASN, peerIP, peerASN, ok) for the given node.
func (s BGPSession) SideOf(node string) (string, int, string, int, bool) {
	switch node {
	case s.Node1:
		return s.IP1, s.ASN1, s.IP2, s.ASN2, true
	case s.Node2:
		return s.IP2, s.ASN2, s.IP1, s.ASN1, true
	}
	return "", 0, "", 0, false
}

// Involves reports whether node participates in the session.
func (s BGPSession) Involves(node string) bool {
	return node == s.Node1 || node == s.Node2
}

func compareIPs(a, b string) int {
	ipa, ipb := net.ParseIP(a), net.ParseIP(b)
	if ipa != nil && ipb != nil {
		return bytes.Compare(ipa.To16(), ipb.To16())
	}
	return bytes.Compare([]byte(a), []byte(b))
}

// RouteAdvertisement declares a prefix a daemon must announce.
type RouteAdvertisement struct {
	Topology    string   `json:"topology"`
	Daemon      string   `json:"daemon"`
	Prefix      string   `json:"prefix"`
	Length      int      `json:"length"`
	NextHop     string   `json:"nextHop,omitempty"`
	Communities []string `json:"communities,omitempty"`
	MED         *int     `json:"med,omitempty"`
	ASPath      []int    `json:"asPath,omitempty"`
}

// CIDR renders the advertised prefix in prefix/length form.
func (r RouteAdvertisement) CIDR() string {
	return fmt.Sprintf("%s/%d", r.Prefix, r.Length)
}

// Tap declares a NetFlow capture side-car for a (node, network) pair.
type Tap struct {
	Topology      string `json:"topology"`
	Node          string `json:"node"`
	Network       string `json:"network"`
	CollectorIP   string `json:"collectorIp,omitempty"` // discovered when empty
	CollectorPort int    `json:"collectorPort"`
	Version       int    `json:"version"` // NetFlow export version
}

// ContainerName is the runtime name of the tap side-car.
func (t Tap) ContainerName() string {
	return fmt.Sprintf("tap-%s-%s-%s", t.Topology, t.Node, t.Network)
}
