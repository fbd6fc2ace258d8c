package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLinkList = `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN mode DEFAULT group default qlen 1000\    link/loopback 00:00:00:00:00:00 brd 00:00:00:00:00:00
14: eth0@if15: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP mode DEFAULT group default \    link/ether 02:42:ac:14:00:02 brd ff:ff:ff:ff:ff:ff
16: gre-r2@NONE: <POINTOPOINT,NOARP,UP,LOWER_UP> mtu 1476 qdisc noqueue state UNKNOWN mode DEFAULT group default qlen 1000\    link/gre 10.20.0.2 peer 10.20.0.3
18: eth1@if19: <BROADCAST,MULTICAST> mtu 1500 qdisc noop state DOWN mode DEFAULT group default \    link/ether 02:42:ac:15:00:02 brd ff:ff:ff:ff:ff:ff
`

func TestParseLinkList(t *testing.T) {
	links := ParseLinkList(sampleLinkList)
	require.Len(t, links, 4)

	assert.Equal(t, "lo", links[0].Name)

	eth0 := links[1]
	assert.Equal(t, "eth0", eth0.Name, "peer-index suffix must be stripped")
	assert.Equal(t, 14, eth0.Index)
	assert.Equal(t, "02:42:ac:14:00:02", eth0.MAC)
	assert.True(t, eth0.AdminUp())
	assert.True(t, eth0.CarrierUp())
	assert.Equal(t, "UP", eth0.State)

	assert.Equal(t, "gre-r2", links[2].Name)

	eth1 := links[3]
	assert.False(t, eth1.AdminUp())
	assert.False(t, eth1.CarrierUp())
	assert.Equal(t, "DOWN", eth1.State)
}

const sampleAddrList = `1: lo    inet 127.0.0.1/8 scope host lo\       valid_lft forever preferred_lft forever
14: eth0    inet 172.20.0.2/24 brd 172.20.0.255 scope global eth0\       valid_lft forever preferred_lft forever
16: gre-r2    inet 10.255.0.1/30 scope global gre-r2\       valid_lft forever preferred_lft forever
`

func TestParseAddrList(t *testing.T) {
	addrs := ParseAddrList(sampleAddrList)
	require.Len(t, addrs, 3)
	assert.Equal(t, "eth0", addrs[1].Iface)
	assert.Equal(t, "172.20.0.2/24", addrs[1].CIDR)
	assert.Equal(t, "172.20.0.2", addrs[1].IP())
	assert.Equal(t, "gre-r2", addrs[2].Iface)
	assert.Equal(t, "10.255.0.1/30", addrs[2].CIDR)
}

const sampleTunnelDetail = `16: gre-r2@NONE: <POINTOPOINT,NOARP,UP,LOWER_UP> mtu 1476 qdisc noqueue state UNKNOWN mode DEFAULT group default qlen 1000
    link/gre 10.20.0.2 peer 10.20.0.3 promiscuity 0 minmtu 68 maxmtu 65511
    gre remote 10.20.0.3 local 10.20.0.2 ttl 64 key 7 pmtudisc
`

func TestParseTunnelEndpoints(t *testing.T) {
	local, remote, ok := ParseTunnelEndpoints(sampleTunnelDetail)
	require.True(t, ok)
	assert.Equal(t, "10.20.0.2", local)
	assert.Equal(t, "10.20.0.3", remote)

	_, _, ok = ParseTunnelEndpoints("14: eth0: <UP> mtu 1500\n    link/ether 02:42:ac:14:00:02\n")
	assert.False(t, ok)
}
