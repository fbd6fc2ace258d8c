package model

// Lifecycle states of a topology. Transitions are driven by the orchestrator:
// absent -> created -> standing-up -> active -> stopped -> tearing-down -> absent.
const (
	StateAbsent      = "absent"
	StateCreated     = "created"
	StateStandingUp  = "standing-up"
	StateActive      = "active"
	StateStopped     = "stopped"
	StateTearingDown = "tearing-down"
)

// Topology is the root desired-state object. At most one topology is active
// at a time; the active one is the only one expected to own live containers.
type Topology struct {
	Name              string `json:"name"`
	Active            bool   `json:"active"`
	ManagementNetwork string `json:"managementNetwork"`
	Counter           int    `json:"counter"` // monotonic allocation counter, bumped via Store.NextCounter
	State             string `json:"state"`
}

// Network is a declared virtual network of a topology.
type Network struct {
	Topology string `json:"topology"`
	Name     string `json:"name"`
	Subnet   string `json:"subnet"` // CIDR, e.g. 10.1.0.0/24
	Gateway  string `json:"gateway,omitempty"`
}

// RuntimeName is the network's name at the container runtime. Runtime names
// are topology-prefixed because the runtime's network namespace is global.
func (n Network) RuntimeName() string {
	return RuntimeNetworkName(n.Topology, n.Name)
}

// RuntimeNetworkName prefixes a declared network name with its topology.
func RuntimeNetworkName(topology, name string) string {
	return topology + "-" + name
}

// Attachment binds a node to a network, optionally with a static IPv4.
// Interface is populated lazily by the interface resolver and is a runtime
// mirror, never an input.
type Attachment struct {
	Topology  string `json:"topology"`
	Node      string `json:"node"`
	Network   string `json:"network"`
	IPv4      string `json:"ipv4,omitempty"`
	Interface string `json:"interface,omitempty"`
}
