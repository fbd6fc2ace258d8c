package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunnelNormalizeSwapsPair(t *testing.T) {
	a := Tunnel{Topology: "lab1", Kind: TunnelGRE, Container1: "r2", Container2: "r1",
		Tunnel1IP: "10.255.0.2", Tunnel2IP: "10.255.0.1", PrefixLen: 30}
	a.Normalize()
	assert.Equal(t, "r1", a.Container1)
	assert.Equal(t, "r2", a.Container2)
	assert.Equal(t, "10.255.0.1", a.Tunnel1IP)
	assert.Equal(t, "10.255.0.2", a.Tunnel2IP)

	// already ordered: no-op
	b := a
	b.Normalize()
	assert.Equal(t, a, b)
}

func TestTunnelInterfaceName(t *testing.T) {
	tun := Tunnel{Kind: TunnelGRE, Container1: "r1", Container2: "router-with-a-long-name"}
	name := tun.InterfaceName("r1")
	assert.LessOrEqual(t, len(name), 15)
	assert.Equal(t, "gre-router-with", name)
	assert.Equal(t, "gre-r1", tun.InterfaceName("router-with-a-long-name"))
}

func TestSessionNormalizeByIPBytes(t *testing.T) {
	s := BGPSession{Node1: "r10", IP1: "10.0.0.1", ASN1: 65002, Node2: "r9", IP2: "9.0.0.1", ASN2: 65001}
	s.Normalize()
	// 9.0.0.1 sorts before 10.0.0.1 numerically, not lexically
	assert.Equal(t, "9.0.0.1", s.IP1)
	assert.Equal(t, "r9", s.Node1)
	assert.Equal(t, 65001, s.ASN1)
	assert.Equal(t, 65002, s.ASN2)

	local, localASN, peer, peerASN, ok := s.SideOf("r10")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", local)
	assert.Equal(t, 65002, localASN)
	assert.Equal(t, "9.0.0.1", peer)
	assert.Equal(t, 65001, peerASN)
}

func TestParseNodeKind(t *testing.T) {
	for _, s := range []string{"daemon", "host", "external"} {
		k, err := ParseNodeKind(s)
		require.NoError(t, err)
		assert.Equal(t, NodeKind(s), k)
	}
	_, err := ParseNodeKind("vm")
	assert.Error(t, err)
}

func TestNodeValidate(t *testing.T) {
	n := Node{Topology: "lab1", Name: "r1", Kind: KindDaemon}
	assert.Error(t, n.Validate(), "daemon without ASN")
	n.ASN = 65001
	assert.NoError(t, n.Validate())
	assert.Equal(t, "lab1-r1", n.ContainerName())

	h := Node{Topology: "lab1", Name: "h1", Kind: KindHost}
	assert.Error(t, h.Validate(), "host without gateway")
	h.GatewayNode = "r1"
	assert.NoError(t, h.Validate())
}
