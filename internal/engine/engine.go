package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

const (
	labelManaged = "termgate.managed"
	labelSession = "termgate.session"

	containerPrefix = "termgate-"

	// The terminal daemon inside the image always listens here.
	daemonPort = "7681/tcp"

	// Workspace bind target inside the container. The image runs the
	// terminal as uid 1000, so host directories are chowned to match.
	WorkspaceMount = "/home/term/workspace"
)

var (
	// ErrUnreachable means the container engine itself could not be
	// contacted. Session state is unknown, not absent.
	ErrUnreachable = errors.New("container engine unreachable")

	// ErrStartFailed means the engine answered but could not create or
	// start the container.
	ErrStartFailed = errors.New("container start failed")

	// ErrNotReady means the terminal daemon never accepted a TCP
	// connection before the readiness deadline.
	ErrNotReady = errors.New("terminal daemon not ready")

	// ErrNotFound means the engine has no container under that reference.
	ErrNotFound = errors.New("container not found")
)

// Config carries the per-container settings shared by every session.
type Config struct {
	Host     string // engine endpoint override, empty for the environment default
	Image    string
	Memory   string // units.RAMInBytes syntax, empty for no limit
	CPUQuota string // cores as a decimal string, empty or "0" for no limit
}

// Docker drives session containers through the local container engine.
type Docker struct {
	client   *dockerclient.Client
	memBytes int64
	nanoCPUs int64
	image    string
}

func New(cfg Config) (*Docker, error) {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	var memBytes int64
	if cfg.Memory != "" {
		memBytes, err = units.RAMInBytes(cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("container memory %q: %w", cfg.Memory, err)
		}
	}
	nanoCPUs, err := parseNanoCPUs(cfg.CPUQuota)
	if err != nil {
		return nil, fmt.Errorf("container cpu quota %q: %w", cfg.CPUQuota, err)
	}

	return &Docker{
		client:   client,
		memBytes: memBytes,
		nanoCPUs: nanoCPUs,
		image:    cfg.Image,
	}, nil
}

func parseNanoCPUs(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative cpu quota")
	}
	return int64(f * 1_000_000_000), nil
}

// ContainerName derives the engine-side name for a session.
func ContainerName(sessionID string) string {
	short := sessionID
	if len(short) > 12 {
		short = short[:12]
	}
	return containerPrefix + short
}

// Ping reports whether the engine answers at all.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// EnsureImage pulls the session image unless it is already present.
func (d *Docker) EnsureImage(ctx context.Context) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, d.image)
	if err == nil {
		return nil
	}
	if dockerclient.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	log.Printf("Image %s not found locally, pulling...", d.image)
	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled", d.image)
	return nil
}

// CreateAndStart creates the session container, publishes the terminal
// daemon on 127.0.0.1:hostPort and starts it. A leftover container with
// the same name from an earlier run is force-removed first.
func (d *Docker) CreateAndStart(ctx context.Context, sessionID string, hostPort int, workspace string) (string, error) {
	name := ContainerName(sessionID)

	if err := d.Remove(ctx, name); err != nil {
		return "", err
	}

	containerCfg := &container.Config{
		Image:    d.image,
		Hostname: name,
		Env:      []string{"TERM=xterm-256color"},
		ExposedPorts: nat.PortSet{
			daemonPort: struct{}{},
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: sessionID,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			daemonPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)},
			},
		},
		Binds:      []string{workspace + ":" + WorkspaceMount + ":rw"},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Resources: container.Resources{
			Memory:   d.memBytes,
			NanoCPUs: d.nanoCPUs,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", engineErr("create container", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, engineErr("start container", err)
	}
	return resp.ID, nil
}

// engineErr maps an SDK error onto the unreachable/start-failed split.
func engineErr(op string, err error) error {
	if dockerclient.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrStartFailed, op, err)
}

// AwaitReady polls the published host port until the terminal daemon
// accepts a TCP connection or the deadline passes.
func (d *Docker) AwaitReady(ctx context.Context, hostPort int, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: port %d after %s", ErrNotReady, hostPort, timeout)
}

// Remove force-removes a container. A missing container is success.
func (d *Docker) Remove(ctx context.Context, ref string) error {
	err := d.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err == nil || dockerclient.IsErrNotFound(err) {
		return nil
	}
	if dockerclient.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: remove %s: %v", ErrUnreachable, ref, err)
	}
	return fmt.Errorf("remove container %s: %w", ref, err)
}

// Start revives a stopped container.
func (d *Docker) Start(ctx context.Context, ref string) error {
	err := d.client.ContainerStart(ctx, ref, container.StartOptions{})
	if err == nil {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if dockerclient.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: start %s: %v", ErrUnreachable, ref, err)
	}
	return fmt.Errorf("start container %s: %w", ref, err)
}

// Managed describes one engine-side session container.
type Managed struct {
	ID        string
	Name      string
	SessionID string
	Status    string
	HostPort  int
	Workspace string
	CreatedAt time.Time
}

// Running reports whether the container is currently up.
func (m Managed) Running() bool {
	return m.Status == "running"
}

// Inspect fetches the engine's view of one container.
func (d *Docker) Inspect(ctx context.Context, ref string) (Managed, error) {
	info, err := d.client.ContainerInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Managed{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		if dockerclient.IsErrConnectionFailed(err) {
			return Managed{}, fmt.Errorf("%w: inspect %s: %v", ErrUnreachable, ref, err)
		}
		return Managed{}, fmt.Errorf("inspect container %s: %w", ref, err)
	}

	var labels map[string]string
	if info.Config != nil {
		labels = info.Config.Labels
	}
	var status string
	if info.State != nil {
		status = info.State.Status
	}
	var bindings nat.PortMap
	var binds []string
	if info.HostConfig != nil {
		bindings = info.HostConfig.PortBindings
		binds = info.HostConfig.Binds
	}
	return buildManaged(info.ID, info.Name, status, info.Created, labels, bindings, binds), nil
}

// ListManaged returns every container carrying the managed label,
// running or not.
func (d *Docker) ListManaged(ctx context.Context) ([]Managed, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		if dockerclient.IsErrConnectionFailed(err) {
			return nil, fmt.Errorf("%w: list: %v", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("list containers: %w", err)
	}

	managed := make([]Managed, 0, len(list))
	for _, c := range list {
		// Port bindings survive a stop only in the inspect view, so the
		// cheap list entry is not enough here.
		m, err := d.Inspect(ctx, c.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		managed = append(managed, m)
	}
	return managed, nil
}

// buildManaged assembles a Managed view from inspect fields.
func buildManaged(id, name, status, created string, labels map[string]string, bindings nat.PortMap, binds []string) Managed {
	m := Managed{
		ID:        id,
		Name:      strings.TrimPrefix(name, "/"),
		SessionID: labels[labelSession],
		Status:    status,
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		m.CreatedAt = t
	}
	for _, binding := range bindings[daemonPort] {
		if port, err := strconv.Atoi(binding.HostPort); err == nil {
			m.HostPort = port
			break
		}
	}
	for _, bind := range binds {
		parts := strings.Split(bind, ":")
		if len(parts) >= 2 && parts[1] == WorkspaceMount {
			m.Workspace = parts[0]
			break
		}
	}
	return m
}
