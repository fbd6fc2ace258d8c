package runtime

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"

	"netlab/pkg/model"
)

// Fake is an in-memory ContainerRuntime with enough `ip` command emulation
// to exercise the reconcilers. Exported state lets tests stage out-of-band
// mutation (stale MACs, dead links, recreated targets).
type Fake struct {
	mu          sync.Mutex
	Networks    map[string]NetworkInfo
	Containers  map[string]*FakeContainer
	Unreachable map[string]bool // IPs that never answer pings
	// ExecHook, when set, may intercept any exec before emulation.
	ExecHook func(container string, cmd []string) (ExecResult, bool)

	idSeq  int
	macSeq int
	ipSeq  map[string]int // per-network auto-assignment cursor
}

// FakeContainer is the runtime state of one container.
type FakeContainer struct {
	ID          string
	Name        string
	Image       string
	Cmd         []string
	Running     bool
	Labels      map[string]string
	NetworkMode string // "container:<id>" for side-cars
	Endpoints   map[string]*FakeEndpoint
	Ifaces      []*FakeIface
	XfrmCmds    [][]string
	ifSeq       int
}

// FakeEndpoint is the runtime's endpoint record on one network.
type FakeEndpoint struct {
	MAC   string
	IP    string
	Iface string
}

// FakeIface is an interface inside the container's namespace.
type FakeIface struct {
	Index   int
	Name    string
	MAC     string
	Addrs   []string
	AdminUp bool
	Carrier bool
	Kind    string // "" for veth/loopback, "gre" for tunnels
	Local   string
	Remote  string
	TTL     int
	Key     uint32
}

// NewFake builds an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		Networks:    make(map[string]NetworkInfo),
		Containers:  make(map[string]*FakeContainer),
		Unreachable: make(map[string]bool),
		ipSeq:       make(map[string]int),
	}
}

func (f *Fake) EnsureNetwork(ctx context.Context, name, subnet, gateway string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.Networks[name]; ok {
		if existing.Subnet == subnet {
			return false, nil
		}
		return false, model.Preconditionf("network %s exists with a different subnet", name)
	}
	f.Networks[name] = NetworkInfo{Name: name, Subnet: subnet, Gateway: gateway}
	return true, nil
}

func (f *Fake) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Networks, name)
	return nil
}

func (f *Fake) NetworkInfo(ctx context.Context, name string) (NetworkInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Networks[name]
	return info, ok, nil
}

func (f *Fake) nextMAC() string {
	f.macSeq++
	return fmt.Sprintf("02:42:ac:10:%02x:%02x", f.macSeq/256, f.macSeq%256)
}

func (f *Fake) autoIP(network string) string {
	info, ok := f.Networks[network]
	if !ok || info.Subnet == "" {
		return ""
	}
	_, ipnet, err := net.ParseCIDR(info.Subnet)
	if err != nil {
		return ""
	}
	f.ipSeq[network]++
	ip, err := cidr.Host(ipnet, f.ipSeq[network]+1) // .1 is the gateway
	if err != nil {
		return ""
	}
	return ip.String()
}

func (f *Fake) attach(c *FakeContainer, network, ip string) {
	if ip == "" {
		ip = f.autoIP(network)
	}
	prefixLen := 24
	if info, ok := f.Networks[network]; ok && info.Subnet != "" {
		if _, ipnet, err := net.ParseCIDR(info.Subnet); err == nil {
			prefixLen, _ = ipnet.Mask.Size()
		}
	}
	// ifSeq never rewinds, so a name freed by disconnect is not reissued
	// while another interface still holds it
	c.ifSeq++
	name := "eth" + strconv.Itoa(c.ifSeq-1)
	mac := f.nextMAC()
	c.Endpoints[network] = &FakeEndpoint{MAC: mac, IP: ip, Iface: name}
	c.Ifaces = append(c.Ifaces, &FakeIface{
		Index:   c.ifSeq + 1,
		Name:    name,
		MAC:     mac,
		Addrs:   []string{fmt.Sprintf("%s/%d", ip, prefixLen)},
		AdminUp: true,
		Carrier: true,
	})
}

func (f *Fake) CreateNode(ctx context.Context, spec NodeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, spec.Name)
	f.idSeq++
	c := &FakeContainer{
		ID:        fmt.Sprintf("fake%08d", f.idSeq),
		Name:      spec.Name,
		Image:     spec.Image,
		Cmd:       spec.Cmd,
		Running:   true,
		Labels:    spec.Labels,
		Endpoints: make(map[string]*FakeEndpoint),
		ifSeq:     0,
	}
	c.Ifaces = append(c.Ifaces, &FakeIface{Index: 1, Name: "lo", Addrs: []string{"127.0.0.1/8"}, AdminUp: true, Carrier: true})
	if spec.Network != "" {
		c.NetworkMode = spec.Network
		f.attach(c, spec.Network, spec.IP)
	}
	f.Containers[spec.Name] = c
	return nil
}

func (f *Fake) CreateTap(ctx context.Context, spec TapSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.Containers[spec.Target]
	if !ok {
		return model.NotFoundf("container %s", spec.Target)
	}
	delete(f.Containers, spec.Name)
	f.idSeq++
	f.Containers[spec.Name] = &FakeContainer{
		ID:          fmt.Sprintf("fake%08d", f.idSeq),
		Name:        spec.Name,
		Image:       spec.Image,
		Cmd:         spec.Cmd,
		Running:     true,
		Labels:      spec.Labels,
		NetworkMode: "container:" + target.ID,
		Endpoints:   make(map[string]*FakeEndpoint),
	}
	return nil
}

func (f *Fake) StartContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return model.NotFoundf("container %s", name)
	}
	c.Running = true
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Containers[name]; ok {
		c.Running = false
	}
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, name)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, name string) (ContainerInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return ContainerInfo{}, false, nil
	}
	state := "exited"
	if c.Running {
		state = "running"
	}
	return ContainerInfo{ID: c.ID, Name: c.Name, State: state, Running: c.Running, Labels: c.Labels}, true, nil
}

func (f *Fake) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for _, c := range f.Containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		state := "exited"
		if c.Running {
			state = "running"
		}
		out = append(out, ContainerInfo{ID: c.ID, Name: c.Name, State: state, Running: c.Running, Labels: c.Labels})
	}
	return out, nil
}

func (f *Fake) ConnectNetwork(ctx context.Context, container, network, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[container]
	if !ok {
		return model.NotFoundf("container %s", container)
	}
	if _, ok := f.Networks[network]; !ok {
		return model.NotFoundf("network %s", network)
	}
	if _, connected := c.Endpoints[network]; connected {
		return nil
	}
	f.attach(c, network, ip)
	return nil
}

func (f *Fake) DisconnectNetwork(ctx context.Context, container, network string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[container]
	if !ok {
		return nil
	}
	ep, connected := c.Endpoints[network]
	if !connected {
		return nil
	}
	delete(c.Endpoints, network)
	for i, iface := range c.Ifaces {
		if iface.Name == ep.Iface {
			c.Ifaces = append(c.Ifaces[:i], c.Ifaces[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake) ContainerEndpoints(ctx context.Context, container string) ([]EndpointInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[container]
	if !ok {
		return nil, model.NotFoundf("container %s", container)
	}
	var out []EndpointInfo
	for netName, ep := range c.Endpoints {
		out = append(out, EndpointInfo{Network: netName, MAC: ep.MAC, IP: ep.IP})
	}
	return out, nil
}

func (f *Fake) TapTarget(ctx context.Context, tapName string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[tapName]
	if !ok {
		return "", false, nil
	}
	if !strings.HasPrefix(c.NetworkMode, "container:") {
		return "", false, nil
	}
	return strings.TrimPrefix(c.NetworkMode, "container:"), true, nil
}

// Iface looks up an interface by name; nil when absent.
func (c *FakeContainer) Iface(name string) *FakeIface {
	for _, iface := range c.Ifaces {
		if iface.Name == name {
			return iface
		}
	}
	return nil
}

func (f *Fake) Exec(ctx context.Context, container string, cmd []string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecHook != nil {
		if res, handled := f.ExecHook(container, cmd); handled {
			return res, nil
		}
	}
	c, ok := f.Containers[container]
	if !ok {
		return ExecResult{}, model.NotFoundf("container %s", container)
	}
	if !c.Running {
		return ExecResult{}, model.Preconditionf("container %s is not running", container)
	}
	return f.emulate(c, cmd)
}

func (f *Fake) emulate(c *FakeContainer, cmd []string) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{ExitCode: 127}, nil
	}
	switch cmd[0] {
	case "ping":
		target := cmd[len(cmd)-1]
		if f.Unreachable[target] {
			return ExecResult{ExitCode: 1, Output: "1 packets transmitted, 0 received, 100% packet loss"}, nil
		}
		for _, other := range f.Containers {
			for _, iface := range other.Ifaces {
				if !iface.AdminUp || !iface.Carrier {
					continue
				}
				for _, a := range iface.Addrs {
					if strings.SplitN(a, "/", 2)[0] == target {
						return ExecResult{ExitCode: 0, Output: "1 packets transmitted, 1 received"}, nil
					}
				}
			}
		}
		return ExecResult{ExitCode: 1, Output: "1 packets transmitted, 0 received, 100% packet loss"}, nil
	case "ip":
		return f.emulateIP(c, cmd[1:])
	}
	return ExecResult{ExitCode: 127, Output: "command not found: " + cmd[0]}, nil
}

func (f *Fake) emulateIP(c *FakeContainer, args []string) (ExecResult, error) {
	// strip option flags the builders use
	detail := false
	oneline := false
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-d":
			detail = true
		case "-o":
			oneline = true
		}
		args = args[1:]
	}
	_ = oneline
	if len(args) == 0 {
		return ExecResult{ExitCode: 255}, nil
	}
	switch args[0] {
	case "link":
		return f.emulateIPLink(c, args[1:], detail)
	case "tunnel":
		return f.emulateIPTunnel(c, args[1:])
	case "addr":
		return f.emulateIPAddr(c, args[1:])
	case "route":
		return f.emulateIPRoute(c, args[1:])
	case "xfrm":
		c.XfrmCmds = append(c.XfrmCmds, append([]string{"ip"}, args...))
		return ExecResult{ExitCode: 0}, nil
	}
	return ExecResult{ExitCode: 255, Output: "unsupported: ip " + strings.Join(args, " ")}, nil
}

func linkFlags(iface *FakeIface) string {
	flags := []string{"BROADCAST", "MULTICAST"}
	state := "DOWN"
	if iface.AdminUp {
		flags = append(flags, "UP")
		state = "LOWERLAYERDOWN"
		if iface.Carrier {
			flags = append(flags, "LOWER_UP")
			state = "UP"
		}
	}
	return fmt.Sprintf("<%s> mtu 1500 qdisc noqueue state %s", strings.Join(flags, ","), state)
}

func (f *Fake) emulateIPLink(c *FakeContainer, args []string, detail bool) (ExecResult, error) {
	if len(args) == 0 {
		return ExecResult{ExitCode: 255}, nil
	}
	switch args[0] {
	case "del":
		name := args[len(args)-1]
		for i, iface := range c.Ifaces {
			if iface.Name == name {
				c.Ifaces = append(c.Ifaces[:i], c.Ifaces[i+1:]...)
				return ExecResult{ExitCode: 0}, nil
			}
		}
		return ExecResult{ExitCode: 1, Output: fmt.Sprintf("Cannot find device %q", name)}, nil
	case "set":
		if len(args) >= 3 && args[2] == "up" {
			if iface := c.Iface(args[1]); iface != nil {
				iface.AdminUp = true
				return ExecResult{ExitCode: 0}, nil
			}
			return ExecResult{ExitCode: 1, Output: fmt.Sprintf("Cannot find device %q", args[1])}, nil
		}
		return ExecResult{ExitCode: 255}, nil
	case "show":
		if len(args) >= 2 {
			iface := c.Iface(args[1])
			if iface == nil {
				return ExecResult{ExitCode: 1, Output: fmt.Sprintf("Device %q does not exist.", args[1])}, nil
			}
			out := fmt.Sprintf("%d: %s: %s mode DEFAULT group default \\    link/ether %s brd ff:ff:ff:ff:ff:ff\n",
				iface.Index, iface.Name, linkFlags(iface), iface.MAC)
			if detail && iface.Kind == "gre" {
				out += fmt.Sprintf("    gre remote %s local %s ttl %d\n", iface.Remote, iface.Local, iface.TTL)
			}
			return ExecResult{ExitCode: 0, Output: out}, nil
		}
		var b strings.Builder
		for _, iface := range c.Ifaces {
			fmt.Fprintf(&b, "%d: %s: %s mode DEFAULT group default \\    link/ether %s brd ff:ff:ff:ff:ff:ff\n",
				iface.Index, iface.Name, linkFlags(iface), iface.MAC)
		}
		return ExecResult{ExitCode: 0, Output: b.String()}, nil
	}
	return ExecResult{ExitCode: 255}, nil
}

func (f *Fake) emulateIPTunnel(c *FakeContainer, args []string) (ExecResult, error) {
	if len(args) < 2 || args[0] != "add" {
		return ExecResult{ExitCode: 255}, nil
	}
	name := args[1]
	if c.Iface(name) != nil {
		return ExecResult{ExitCode: 1, Output: fmt.Sprintf("add tunnel %q failed: File exists", name)}, nil
	}
	iface := &FakeIface{Name: name, Kind: "gre", Carrier: true, TTL: 64}
	for i := 2; i < len(args)-1; i++ {
		switch args[i] {
		case "local":
			iface.Local = args[i+1]
		case "remote":
			iface.Remote = args[i+1]
		case "ttl":
			if ttl, err := strconv.Atoi(args[i+1]); err == nil {
				iface.TTL = ttl
			}
		case "key":
			if key, err := strconv.ParseUint(args[i+1], 10, 32); err == nil {
				iface.Key = uint32(key)
			}
		}
	}
	c.ifSeq++
	iface.Index = c.ifSeq + 1
	c.Ifaces = append(c.Ifaces, iface)
	return ExecResult{ExitCode: 0}, nil
}

func (f *Fake) emulateIPAddr(c *FakeContainer, args []string) (ExecResult, error) {
	if len(args) == 0 {
		return ExecResult{ExitCode: 255}, nil
	}
	switch args[0] {
	case "add":
		if len(args) < 4 || args[2] != "dev" {
			return ExecResult{ExitCode: 255}, nil
		}
		iface := c.Iface(args[3])
		if iface == nil {
			return ExecResult{ExitCode: 1, Output: fmt.Sprintf("Cannot find device %q", args[3])}, nil
		}
		for _, a := range iface.Addrs {
			if a == args[1] {
				return ExecResult{ExitCode: 2, Output: "RTNETLINK answers: File exists"}, nil
			}
		}
		iface.Addrs = append(iface.Addrs, args[1])
		return ExecResult{ExitCode: 0}, nil
	case "show":
		var b strings.Builder
		for _, iface := range c.Ifaces {
			for _, a := range iface.Addrs {
				fmt.Fprintf(&b, "%d: %s    inet %s scope global %s\\       valid_lft forever preferred_lft forever\n",
					iface.Index, iface.Name, a, iface.Name)
			}
		}
		return ExecResult{ExitCode: 0, Output: b.String()}, nil
	}
	return ExecResult{ExitCode: 255}, nil
}

func (f *Fake) emulateIPRoute(c *FakeContainer, args []string) (ExecResult, error) {
	if len(args) < 2 || args[0] != "get" {
		return ExecResult{ExitCode: 255}, nil
	}
	target := net.ParseIP(args[1])
	if target == nil {
		return ExecResult{ExitCode: 1, Output: "Error: inet address is expected"}, nil
	}
	for _, iface := range c.Ifaces {
		if !iface.AdminUp {
			continue
		}
		for _, a := range iface.Addrs {
			ip, ipnet, err := net.ParseCIDR(a)
			if err != nil {
				continue
			}
			if ipnet.Contains(target) {
				return ExecResult{ExitCode: 0, Output: fmt.Sprintf("%s dev %s src %s", args[1], iface.Name, ip)}, nil
			}
		}
	}
	return ExecResult{ExitCode: 2, Output: "RTNETLINK answers: Network is unreachable"}, nil
}
