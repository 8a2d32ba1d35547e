// Package dockerapi drives the Docker Engine API on the target host. The API
// socket is reached through the SSH connection, so nothing is exposed on the
// network.
package dockerapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hoist/internal/image"
	"github.com/3cpo-dev/hoist/internal/runtime"
)

const (
	Name = "docker"

	// DefaultSocket is the daemon socket on the target host.
	DefaultSocket = "/var/run/docker.sock"
)

// SocketDialer opens a stream to a unix socket on the target host.
// *ssh.Conn satisfies it.
type SocketDialer interface {
	DialUnix(ctx context.Context, path string) (net.Conn, error)
}

// FileReader fetches a file from the target host. It is used to expand
// Slot.EnvFile, which the Engine API does not understand.
type FileReader func(ctx context.Context, path string) ([]byte, error)

type Runtime struct {
	api      client.APIClient
	readFile FileReader
}

type Option func(*Runtime)

func WithFileReader(fn FileReader) Option {
	return func(r *Runtime) { r.readFile = fn }
}

// Dial builds an Engine API client whose transport is tunnelled through d.
func Dial(d SocketDialer, socket string, opts ...Option) (*Runtime, error) {
	if socket == "" {
		socket = DefaultSocket
	}
	api, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialUnix(ctx, socket)
		}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return New(api, opts...), nil
}

func New(api client.APIClient, opts ...Option) *Runtime {
	r := &Runtime{api: api}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runtime) Name() string { return Name }

// Pull drains the progress stream; registry errors such as an unknown
// manifest only show up inside it.
func (r *Runtime) Pull(ctx context.Context, ref image.Ref) error {
	log.Debug().Str("image", ref.String()).Msg("Pulling image")
	rc, err := r.api.ImagePull(ctx, ref.String(), dimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (r *Runtime) Current(ctx context.Context, slot runtime.Slot) (*runtime.Instance, error) {
	info, err := r.api.ContainerInspect(ctx, slot.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container %s: %w", slot.Name, err)
	}
	inst := &runtime.Instance{}
	if info.ContainerJSONBase != nil {
		inst.ID = info.ID
		inst.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			inst.Running = info.State.Running
			inst.Restarting = info.State.Restarting
			inst.Status = string(info.State.Status)
		}
		if info.HostConfig != nil {
			inst.HostPort = firstHostPort(info.HostConfig.PortBindings)
		}
	}
	if info.Config != nil {
		inst.Image = info.Config.Image
		if ref := info.Config.Labels[runtime.LabelRef]; ref != "" {
			inst.Image = ref
		}
	}
	return inst, nil
}

func firstHostPort(pm nat.PortMap) int {
	for _, bindings := range pm {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil {
				return p
			}
		}
	}
	return 0
}

// Stop removes the slot's container and any other container publishing the
// slot's host port. NotFound is not an error.
func (r *Runtime) Stop(ctx context.Context, slot runtime.Slot) error {
	if err := r.stopAndRemove(ctx, slot.Name); err != nil {
		return err
	}
	holders, err := r.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("publish", slot.Key())),
	})
	if err != nil {
		return fmt.Errorf("list containers on port %s: %w", slot.Key(), err)
	}
	for _, c := range holders {
		log.Info().Str("container", c.ID).Str("port", slot.Key()).Msg("Removing container holding slot port")
		if err := r.stopAndRemove(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) stopAndRemove(ctx context.Context, name string) error {
	if err := r.api.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	if err := r.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context, slot runtime.Slot, ref image.Ref) (*runtime.Instance, error) {
	env, err := r.env(ctx, slot)
	if err != nil {
		return nil, err
	}
	cport := slot.ContainerPort
	if cport == 0 {
		cport = slot.HostPort
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(cport))
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}
	cfg := &container.Config{
		Image:        ref.String(),
		Env:          runtime.EnvList(env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			runtime.LabelRef:  ref.String(),
			runtime.LabelSlot: slot.Key(),
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostPort: strconv.Itoa(slot.HostPort)}}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	created, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, slot.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", slot.Name, err)
	}
	for _, w := range created.Warnings {
		log.Warn().Str("container", slot.Name).Msg(w)
	}
	if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", slot.Name, err)
	}
	inst, err := r.Current(ctx, slot)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("container %s vanished after start", slot.Name)
	}
	return inst, nil
}

// env merges the remote env file under the slot's explicit variables.
func (r *Runtime) env(ctx context.Context, slot runtime.Slot) (map[string]string, error) {
	env := map[string]string{}
	if slot.EnvFile != "" {
		if r.readFile == nil {
			return nil, fmt.Errorf("env file %s: no file reader configured", slot.EnvFile)
		}
		data, err := r.readFile(ctx, slot.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", slot.EnvFile, err)
		}
		fileEnv, err := runtime.ParseEnv(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse env file %s: %w", slot.EnvFile, err)
		}
		env = fileEnv
	}
	for k, v := range slot.Env {
		env[k] = v
	}
	return env, nil
}

func (r *Runtime) Close() error {
	return r.api.Close()
}
