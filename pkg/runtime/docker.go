package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	log "github.com/sirupsen/logrus"

	"netlab/pkg/model"
)

// DockerRuntime implements ContainerRuntime against the Docker Engine API.
type DockerRuntime struct {
	cli     *client.Client
	timeout time.Duration
}

// NewDocker builds a runtime from the environment (DOCKER_HOST etc.).
func NewDocker() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("NewClientWithOpts: %w", err)
	}
	return &DockerRuntime{cli: cli, timeout: 10 * time.Second}, nil
}

func (d *DockerRuntime) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name, subnet, gateway string) (bool, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	existing, err := d.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err == nil {
		// no IPAM config and no requested subnet is a match, not a conflict
		if subnet == "" && len(existing.IPAM.Config) == 0 {
			return false, nil
		}
		for _, cfg := range existing.IPAM.Config {
			if cfg.Subnet == subnet {
				log.Debugf("network %s already matches %s", name, subnet)
				return false, nil
			}
		}
		return false, model.Preconditionf("network %s exists with a different subnet", name)
	}
	if !client.IsErrNotFound(err) {
		return false, fmt.Errorf("NetworkInspect %s: %w", name, err)
	}
	create := types.NetworkCreate{}
	if subnet != "" {
		cfg := network.IPAMConfig{Subnet: subnet}
		if gateway != "" {
			cfg.Gateway = gateway
		}
		create.IPAM = &network.IPAM{Config: []network.IPAMConfig{cfg}}
	}
	if _, err := d.cli.NetworkCreate(ctx, name, create); err != nil {
		return false, fmt.Errorf("NetworkCreate %s: %w", name, err)
	}
	log.Infof("created network %s (%s)", name, subnet)
	return true, nil
}

func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	if err := d.cli.NetworkRemove(ctx, name); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("NetworkRemove %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) NetworkInfo(ctx context.Context, name string) (NetworkInfo, bool, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	res, err := d.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if client.IsErrNotFound(err) {
		return NetworkInfo{}, false, nil
	}
	if err != nil {
		return NetworkInfo{}, false, fmt.Errorf("NetworkInspect %s: %w", name, err)
	}
	info := NetworkInfo{Name: res.Name}
	for _, cfg := range res.IPAM.Config {
		info.Subnet = cfg.Subnet
		info.Gateway = cfg.Gateway
		break
	}
	return info, true, nil
}

func (d *DockerRuntime) CreateNode(ctx context.Context, spec NodeSpec) error {
	// Destructive idempotent create: an existing container of the same name
	// is removed so the final state always matches the spec.
	if err := d.RemoveContainer(ctx, spec.Name); err != nil {
		return err
	}

	portBinding := nat.PortMap{}
	portExposed := nat.PortSet{}
	for intport, binding := range spec.PortMap {
		port, err := nat.NewPort("tcp", intport)
		if err != nil {
			return err
		}
		portExposed[port] = struct{}{}
		portBinding[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: binding}}
	}

	hostConfig := &container.HostConfig{
		Privileged:   spec.Privileged,
		PortBindings: portBinding,
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}
	var netConfig *network.NetworkingConfig
	if spec.Network != "" && spec.IP != "" {
		netConfig = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: spec.IP}},
		}}
	}

	ctx, cancel := d.bound(ctx)
	defer cancel()
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Hostname: spec.Hostname,
		Image:    spec.Image,
		Cmd:      spec.Cmd,
		Env:      spec.Env,
		Labels:   spec.Labels,

		ExposedPorts: portExposed,
	}, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("ContainerCreate %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("ContainerStart %s: %w", spec.Name, err)
	}
	log.Infof("started container %s (%s)", spec.Name, resp.ID[:12])
	return nil
}

func (d *DockerRuntime) CreateTap(ctx context.Context, spec TapSpec) error {
	if err := d.RemoveContainer(ctx, spec.Name); err != nil {
		return err
	}
	// reference the target by ID, not name, so a recreated target is
	// detectable as a stale namespace
	target, ok, err := d.Inspect(ctx, spec.Target)
	if err != nil {
		return err
	}
	if !ok {
		return model.NotFoundf("container %s", spec.Target)
	}
	ctx, cancel := d.bound(ctx)
	defer cancel()
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode("container:" + target.ID),
	}, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("ContainerCreate %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("ContainerStart %s: %w", spec.Name, err)
	}
	log.Infof("started tap %s in namespace of %s", spec.Name, spec.Target)
	return nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, name string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	if err := d.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("ContainerStart %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, name string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	timeout := 10
	err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("ContainerStop %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, name string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("ContainerRemove %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, name string) (ContainerInfo, bool, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	res, err := d.cli.ContainerInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return ContainerInfo{}, false, nil
	}
	if err != nil {
		return ContainerInfo{}, false, fmt.Errorf("ContainerInspect %s: %w", name, err)
	}
	return ContainerInfo{
		ID:      res.ID,
		Name:    strings.TrimPrefix(res.Name, "/"),
		State:   res.State.Status,
		Running: res.State.Running,
		Labels:  res.Config.Labels,
	}, true, nil
}

func (d *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("ContainerList: %w", err)
	}
	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			State:   c.State,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return out, nil
}

func (d *DockerRuntime) ConnectNetwork(ctx context.Context, containerName, networkName, ip string) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	var settings *network.EndpointSettings
	if ip != "" {
		settings = &network.EndpointSettings{IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: ip}}
	}
	err := d.cli.NetworkConnect(ctx, networkName, containerName, settings)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("NetworkConnect %s to %s: %w", containerName, networkName, err)
	}
	return nil
}

func (d *DockerRuntime) DisconnectNetwork(ctx context.Context, containerName, networkName string, force bool) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	err := d.cli.NetworkDisconnect(ctx, networkName, containerName, force)
	if err != nil && !client.IsErrNotFound(err) && !strings.Contains(err.Error(), "is not connected") {
		return fmt.Errorf("NetworkDisconnect %s from %s: %w", containerName, networkName, err)
	}
	return nil
}

func (d *DockerRuntime) ContainerEndpoints(ctx context.Context, containerName string) ([]EndpointInfo, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	res, err := d.cli.ContainerInspect(ctx, containerName)
	if client.IsErrNotFound(err) {
		return nil, model.NotFoundf("container %s", containerName)
	}
	if err != nil {
		return nil, fmt.Errorf("ContainerInspect %s: %w", containerName, err)
	}
	var out []EndpointInfo
	for netName, ep := range res.NetworkSettings.Networks {
		out = append(out, EndpointInfo{Network: netName, MAC: ep.MacAddress, IP: ep.IPAddress})
	}
	return out, nil
}

func (d *DockerRuntime) TapTarget(ctx context.Context, tapName string) (string, bool, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	res, err := d.cli.ContainerInspect(ctx, tapName)
	if client.IsErrNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ContainerInspect %s: %w", tapName, err)
	}
	mode := res.HostConfig.NetworkMode
	if !mode.IsContainer() {
		return "", false, nil
	}
	return mode.ConnectedContainer(), true, nil
}

func (d *DockerRuntime) Exec(ctx context.Context, containerName string, cmd []string) (ExecResult, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	log.Debugf("exec in %s: %v", containerName, cmd)
	exec, err := d.cli.ContainerExecCreate(ctx, containerName, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ExecResult{}, model.NotFoundf("container %s", containerName)
		}
		return ExecResult{}, fmt.Errorf("ContainerExecCreate %s: %w", containerName, err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("ContainerExecAttach %s: %w", containerName, err)
	}
	defer attach.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read %s: %w", containerName, err)
	}
	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("ContainerExecInspect %s: %w", containerName, err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Output: buf.String()}, nil
}
