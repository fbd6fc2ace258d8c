// Package store persists the declarative topology model. All backends share
// one document layout keyed under netlab/ prefixes, so memory, MySQL and
// Consul stay interchangeable.
package store

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"netlab/pkg/model"
)

// Store is the desired-state persistence layer consumed by the reconcilers.
// All pair-keyed entities (tunnels, sessions) are normalized before lookup
// and insert, so creating (A,B) and then (B,A) updates one record.
type Store interface {
	UpsertTopology(model.Topology) error
	GetTopology(name string) (model.Topology, bool, error)
	ListTopologies() ([]model.Topology, error)
	DeleteTopology(name string) error
	// SetActive marks the named topology active and clears the flag on every
	// other one. An empty name deactivates all.
	SetActive(name string) error
	// NextCounter atomically increments and returns the topology's
	// allocation counter.
	NextCounter(topology string) (int, error)

	UpsertNode(model.Node) error
	GetNode(topology, name string) (model.Node, bool, error)
	ListNodes(topology string) ([]model.Node, error)
	DeleteNode(topology, name string) error

	UpsertNetwork(model.Network) error
	GetNetwork(topology, name string) (model.Network, bool, error)
	ListNetworks(topology string) ([]model.Network, error)
	DeleteNetwork(topology, name string) error

	UpsertAttachment(model.Attachment) error
	GetAttachment(topology, node, network string) (model.Attachment, bool, error)
	// ListAttachments returns a node's attachments, or the whole topology's
	// when node is empty.
	ListAttachments(topology, node string) ([]model.Attachment, error)
	DeleteAttachment(topology, node, network string) error

	UpsertTunnel(model.Tunnel) error
	GetTunnel(topology, containerA, containerB string) (model.Tunnel, bool, error)
	ListTunnels(topology string) ([]model.Tunnel, error)
	DeleteTunnel(topology, containerA, containerB string) error

	UpsertSession(model.BGPSession) error
	GetSession(topology, ipA, ipB string) (model.BGPSession, bool, error)
	ListSessions(topology string) ([]model.BGPSession, error)
	DeleteSession(topology, ipA, ipB string) error

	UpsertAdvert(model.RouteAdvertisement) error
	ListAdverts(topology, daemon string) ([]model.RouteAdvertisement, error)
	DeleteAdvert(topology, daemon, prefix string, length int) error

	UpsertTap(model.Tap) error
	GetTap(topology, node, network string) (model.Tap, bool, error)
	ListTaps(topology string) ([]model.Tap, error)
	DeleteTap(topology, node, network string) error
}

// NewFromEnv builds a Store from environment configuration. NETLAB_STORE
// selects the backend: memory (default), mysql, or consul.
func NewFromEnv() (Store, error) {
	_ = loadDotEnv()
	switch backend := getenv("NETLAB_STORE", "memory"); backend {
	case "memory":
		return NewMemory(), nil
	case "mysql":
		return NewMySQL()
	case "consul":
		return NewConsul(getenv("CONSUL_ADDR", "127.0.0.1:8500"))
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

const (
	topoPrefix = "netlab/topology/"
	nodePrefix = "netlab/node/"
	netPrefix  = "netlab/network/"
	attPrefix  = "netlab/attachment/"
	tunPrefix  = "netlab/tunnel/"
	sessPrefix = "netlab/session/"
	advPrefix  = "netlab/advert/"
	tapPrefix  = "netlab/tap/"
)

func advertKey(topology, daemon, prefix string, length int) string {
	return advPrefix + topology + "/" + daemon + "/" + prefix + "/" + strconv.Itoa(length)
}
