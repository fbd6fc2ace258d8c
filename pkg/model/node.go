package model

import "fmt"

// NodeKind discriminates the three node flavors. Free-form strings from
// container labels are converted through ParseNodeKind at the runtime
// boundary and never handled raw after that.
type NodeKind string

const (
	KindDaemon   NodeKind = "daemon"
	KindHost     NodeKind = "host"
	KindExternal NodeKind = "external"
)

// ParseNodeKind validates a raw kind string.
func ParseNodeKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case KindDaemon, KindHost, KindExternal:
		return NodeKind(s), nil
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

// Node is one participant of a topology: a BGP daemon container, a plain host
// container, or an external endpoint with no backing container.
type Node struct {
	Topology string   `json:"topology"`
	Name     string   `json:"name"`
	Kind     NodeKind `json:"kind"`
	Image    string   `json:"image,omitempty"`

	// daemon fields
	DaemonType   string `json:"daemonType,omitempty"`
	ASN          int    `json:"asn,omitempty"`
	RouterID     string `json:"routerId,omitempty"`
	ManagementIP string `json:"managementIp,omitempty"`
	APIPort      int    `json:"apiPort,omitempty"`

	// host fields
	GatewayNode  string `json:"gatewayNode,omitempty"`
	GatewayIP    string `json:"gatewayIp,omitempty"`
	LoopbackIP   string `json:"loopbackIp,omitempty"`
	LoopbackMask int    `json:"loopbackMask,omitempty"`
	ContainerIP  string `json:"containerIp,omitempty"`

	// external fields
	ExternalIP string `json:"externalIp,omitempty"`

	// Status mirrors the runtime ("running", "exited", ...). It is
	// informational only; the runtime stays authoritative.
	Status string `json:"status,omitempty"`
}

// ContainerName is the runtime container name for this node.
func (n Node) ContainerName() string {
	return n.Topology + "-" + n.Name
}

// Validate checks kind-specific required fields.
func (n Node) Validate() error {
	if n.Name == "" || n.Topology == "" {
		return fmt.Errorf("node requires name and topology")
	}
	switch n.Kind {
	case KindDaemon:
		if n.ASN == 0 {
			return fmt.Errorf("daemon node %s requires an ASN", n.Name)
		}
	case KindHost:
		if n.GatewayNode == "" {
			return fmt.Errorf("host node %s requires a gateway node", n.Name)
		}
	case KindExternal:
		if n.ExternalIP == "" {
			return fmt.Errorf("external node %s requires an external IP", n.Name)
		}
	default:
		return fmt.Errorf("node %s has unknown kind %q", n.Name, n.Kind)
	}
	return nil
}
