package runtime

import (
	"context"

	"netlab/pkg/model"
)

// Container labels encoding node attributes. The kind label is validated
// through model.ParseNodeKind as soon as it crosses this boundary.
const (
	LabelTopology = "netlab.topology"
	LabelNode     = "netlab.node"
	LabelKind     = "netlab.kind"
	LabelTap      = "netlab.tap" // tapped node name, present on tap side-cars
	LabelNetwork  = "netlab.network"
)

// ContainerInfo is the runtime view of one container.
type ContainerInfo struct {
	ID      string
	Name    string
	State   string
	Running bool
	Labels  map[string]string
}

// Kind extracts and validates the node kind label.
func (c ContainerInfo) Kind() (model.NodeKind, error) {
	return model.ParseNodeKind(c.Labels[LabelKind])
}

// EndpointInfo is a container's endpoint on one network, as reported by the
// runtime (not by the container's own interface listing).
type EndpointInfo struct {
	Network string
	MAC     string
	IP      string
}

// NetworkInfo describes a live network.
type NetworkInfo struct {
	Name    string
	Subnet  string
	Gateway string
}

// ExecResult is the captured outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Output   string
}

// OK reports a zero exit code.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

// NodeSpec describes a node container to create.
type NodeSpec struct {
	Name       string
	Image      string
	Hostname   string
	Labels     map[string]string
	Network    string // primary network joined at creation
	IP         string // optional static address on the primary network
	Env        []string
	Cmd        []string
	Privileged bool // tunnel/xfrm setup needs NET_ADMIN; privileged keeps parity with the lab images
	// PortMap publishes container TCP ports on the host
	// (container port -> host port), used for daemon management APIs.
	PortMap map[string]string
}

// TapSpec describes a capture side-car sharing a target's network namespace.
type TapSpec struct {
	Name   string
	Image  string
	Labels map[string]string
	Target string // container whose namespace is shared
	Cmd    []string
}

// ContainerRuntime is the engine's contract with the container engine.
// Implementations must make remove/disconnect tolerant of "already gone" so
// every reconciliation call stays repeatable.
type ContainerRuntime interface {
	// EnsureNetwork creates the network if absent. If a network of the same
	// name exists with a matching subnet it reports created=false and no
	// error; a mismatched subnet is a precondition failure and nothing is
	// mutated.
	EnsureNetwork(ctx context.Context, name, subnet, gateway string) (created bool, err error)
	RemoveNetwork(ctx context.Context, name string) error
	NetworkInfo(ctx context.Context, name string) (NetworkInfo, bool, error)

	// CreateNode removes any same-named container first, then creates and
	// starts a fresh one (delete-then-recreate is the documented idempotent
	// create strategy).
	CreateNode(ctx context.Context, spec NodeSpec) error
	CreateTap(ctx context.Context, spec TapSpec) error
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (ContainerInfo, bool, error)
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	ConnectNetwork(ctx context.Context, container, network, ip string) error
	DisconnectNetwork(ctx context.Context, container, network string, force bool) error
	ContainerEndpoints(ctx context.Context, container string) ([]EndpointInfo, error)
	// TapTarget returns the container ID whose namespace the tap shares.
	TapTarget(ctx context.Context, tapName string) (string, bool, error)

	Exec(ctx context.Context, container string, cmd []string) (ExecResult, error)
}

// NodeLabels builds the label set for a node container.
func NodeLabels(n model.Node) map[string]string {
	return map[string]string{
		LabelTopology: n.Topology,
		LabelNode:     n.Name,
		LabelKind:     string(n.Kind),
	}
}

// TapLabels builds the label set for a tap side-car.
func TapLabels(t model.Tap) map[string]string {
	return map[string]string{
		LabelTopology: t.Topology,
		LabelTap:      t.Node,
		LabelNetwork:  t.Network,
	}
}
