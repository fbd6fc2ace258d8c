package frr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netlab/pkg/model"
)

func TestRenderBGP(t *testing.T) {
	node := model.Node{Topology: "lab1", Name: "r1", Kind: model.KindDaemon, ASN: 65001, RouterID: "1.1.1.1"}
	sessions := []model.BGPSession{
		{Topology: "lab1", Node1: "r1", IP1: "10.0.0.2", ASN1: 65001, Node2: "r2", IP2: "10.0.0.3", ASN2: 65002},
		{Topology: "lab1", Node1: "r1", IP1: "10.0.1.2", ASN1: 65001, Node2: "r3", IP2: "10.0.1.3", ASN2: 65003},
		{Topology: "lab1", Node1: "r2", IP1: "10.9.0.2", ASN1: 65002, Node2: "r3", IP2: "10.9.0.3", ASN2: 65003},
	}

	cfg, err := RenderBGP(node, sessions, []string{"203.0.113.0/24"})
	require.NoError(t, err)
	assert.Contains(t, cfg.BGPD, "router bgp 65001\n")
	assert.Contains(t, cfg.BGPD, " bgp router-id 1.1.1.1\n")
	assert.Contains(t, cfg.BGPD, " neighbor 10.0.0.3 remote-as 65002\n")
	assert.Contains(t, cfg.BGPD, " neighbor 10.0.1.3 remote-as 65003\n")
	assert.NotContains(t, cfg.BGPD, "10.9.0", "sessions not involving the node are ignored")
	assert.Contains(t, cfg.BGPD, " network 203.0.113.0/24\n")
}

func TestRenderBGPRejectsNonDaemon(t *testing.T) {
	_, err := RenderBGP(model.Node{Topology: "lab1", Name: "h1", Kind: model.KindHost}, nil, nil)
	require.Error(t, err)
}
