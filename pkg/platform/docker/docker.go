// Package docker implements a platform client backed by a local Docker
// daemon. Containers stand in for lab VMs and Docker networks for lab
// networks, which makes a full control-loop round trip possible without
// a hypervisor.
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/platform"
)

// managedLabel marks resources owned by labctl so ListAll never reports
// unrelated containers or networks.
const managedLabel = "io.labfoundry.labctl"

func init() {
	platform.Register("docker", func(settings map[string]string) (platform.Client, error) {
		return NewClient(settings)
	})
}

// Client adapts the Docker Engine API to the platform contract.
type Client struct {
	docker *dockerclient.Client
}

// NewClient connects to the Docker daemon. The "host" setting overrides
// the environment-derived daemon address.
func NewClient(settings map[string]string) (*Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host := settings["host"]; host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{docker: cli}, nil
}

func (c *Client) Create(ctx context.Context, spec map[string]interface{}) (string, map[string]interface{}, error) {
	if stringValue(spec, "kind") == "network" {
		return c.createNetwork(ctx, spec)
	}
	return c.createContainer(ctx, spec)
}

func (c *Client) createNetwork(ctx context.Context, spec map[string]interface{}) (string, map[string]interface{}, error) {
	name := stringValue(spec, "name")
	if name == "" {
		return "", nil, errors.Fatal("network spec requires a name", nil)
	}

	opts := network.CreateOptions{
		Labels: map[string]string{managedLabel: "true"},
	}

	cidr := stringValue(spec, "cidr")
	gateway := stringValue(spec, "gateway")
	if cidr != "" {
		opts.IPAM = &network.IPAM{
			Config: []network.IPAMConfig{{
				Subnet:  cidr,
				Gateway: gateway,
			}},
		}
	}

	resp, err := c.docker.NetworkCreate(ctx, name, opts)
	if err != nil {
		return "", nil, classify("network create", err)
	}

	observed := map[string]interface{}{
		"name":    name,
		"cidr":    cidr,
		"gateway": gateway,
	}
	return networkID(resp.ID), observed, nil
}

func (c *Client) createContainer(ctx context.Context, spec map[string]interface{}) (string, map[string]interface{}, error) {
	image := stringValue(spec, "image")
	if image == "" {
		return "", nil, errors.Fatal("vm spec requires an image", nil)
	}
	name := stringValue(spec, "name")

	cfg := &container.Config{
		Image:  image,
		Labels: map[string]string{managedLabel: "true"},
	}
	for _, env := range stringSlice(spec, "env") {
		cfg.Env = append(cfg.Env, env)
	}

	hostCfg := &container.HostConfig{}
	if ports := stringSlice(spec, "ports"); len(ports) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(ports)
		if err != nil {
			return "", nil, errors.Fatal("invalid port specification", err)
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	var netCfg *network.NetworkingConfig
	if attach := stringValue(spec, "network"); attach != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				attach: {},
			},
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", nil, classify("container create", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", nil, classify("container start", err)
	}

	observed, err := c.describeContainer(ctx, resp.ID)
	if err != nil {
		return "", nil, err
	}
	return containerID(resp.ID), observed, nil
}

func (c *Client) Start(ctx context.Context, platformID string) (map[string]interface{}, error) {
	kind, id := splitID(platformID)
	if kind != "container" {
		return nil, errors.Fatal(fmt.Sprintf("cannot start a %s", kind), nil)
	}

	if err := c.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, classify("container start", err)
	}
	return c.describeContainer(ctx, id)
}

func (c *Client) Stop(ctx context.Context, platformID string) (map[string]interface{}, error) {
	kind, id := splitID(platformID)
	if kind != "container" {
		return nil, errors.Fatal(fmt.Sprintf("cannot stop a %s", kind), nil)
	}

	if err := c.docker.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return nil, classify("container stop", err)
	}
	return c.describeContainer(ctx, id)
}

func (c *Client) Destroy(ctx context.Context, platformID string) error {
	kind, id := splitID(platformID)

	var err error
	switch kind {
	case "network":
		err = c.docker.NetworkRemove(ctx, id)
	default:
		err = c.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	}

	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil // Already gone
		}
		return classify("destroy", err)
	}
	return nil
}

func (c *Client) Describe(ctx context.Context, platformID string) (map[string]interface{}, error) {
	kind, id := splitID(platformID)

	if kind == "network" {
		inspect, err := c.docker.NetworkInspect(ctx, id, network.InspectOptions{})
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, errors.NotFoundError("network", id)
			}
			return nil, classify("network inspect", err)
		}

		observed := map[string]interface{}{"name": inspect.Name}
		if len(inspect.IPAM.Config) > 0 {
			observed["cidr"] = inspect.IPAM.Config[0].Subnet
			observed["gateway"] = inspect.IPAM.Config[0].Gateway
		}
		return observed, nil
	}

	return c.describeContainer(ctx, id)
}

func (c *Client) ListAll(ctx context.Context) ([]platform.Instance, error) {
	managed := filters.NewArgs(filters.Arg("label", managedLabel+"=true"))

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: managed,
	})
	if err != nil {
		return nil, classify("container list", err)
	}

	networks, err := c.docker.NetworkList(ctx, network.ListOptions{Filters: managed})
	if err != nil {
		return nil, classify("network list", err)
	}

	instances := make([]platform.Instance, 0, len(containers)+len(networks))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		instances = append(instances, platform.Instance{
			ID: containerID(ctr.ID),
			State: map[string]interface{}{
				"name":   name,
				"image":  ctr.Image,
				"status": ctr.State,
			},
		})
	}
	for _, nw := range networks {
		instances = append(instances, platform.Instance{
			ID: networkID(nw.ID),
			State: map[string]interface{}{
				"name": nw.Name,
			},
		})
	}

	return instances, nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return errors.Retryable("docker daemon unreachable", err)
	}
	return nil
}

func (c *Client) describeContainer(ctx context.Context, id string) (map[string]interface{}, error) {
	inspect, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errors.NotFoundError("container", id)
		}
		return nil, classify("container inspect", err)
	}

	observed := map[string]interface{}{
		"name":  strings.TrimPrefix(inspect.Name, "/"),
		"image": inspect.Config.Image,
	}
	if inspect.State != nil {
		observed["status"] = inspect.State.Status
	}
	if inspect.NetworkSettings != nil {
		for _, endpoint := range inspect.NetworkSettings.Networks {
			if endpoint.IPAddress != "" {
				observed["ip"] = endpoint.IPAddress
				break
			}
		}
	}
	return observed, nil
}

// classify maps Docker Engine errors onto the engine's retry taxonomy.
// Conflicts and daemon-side failures are transient; bad input and
// permission problems are permanent.
func classify(operation string, err error) error {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsForbidden(err),
		errdefs.IsUnauthorized(err), errdefs.IsNotImplemented(err):
		return errors.Fatal(operation+" rejected", err)
	case errdefs.IsNotFound(err):
		return errors.Fatal(operation+" target missing", err)
	default:
		return errors.Retryable(operation+" failed", err)
	}
}

func stringValue(spec map[string]interface{}, key string) string {
	if v, ok := spec[key].(string); ok {
		return v
	}
	return ""
}

// stringSlice reads a spec key that YAML may have decoded as []string or
// []interface{}.
func stringSlice(spec map[string]interface{}, key string) []string {
	switch v := spec[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containerID(id string) string { return "container/" + id }
func networkID(id string) string   { return "network/" + id }

func splitID(platformID string) (kind, id string) {
	if rest, ok := strings.CutPrefix(platformID, "network/"); ok {
		return "network", rest
	}
	if rest, ok := strings.CutPrefix(platformID, "container/"); ok {
		return "container", rest
	}
	return "container", platformID
}

var _ platform.Client = (*Client)(nil)
