// Package shell drives the docker CLI on the target host over an SSH session.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hoist/internal/image"
	"github.com/3cpo-dev/hoist/internal/runtime"
	gssh "github.com/3cpo-dev/hoist/internal/ssh"
)

const Name = "shell"

// Runner executes a command line on the target host. *ssh.Conn satisfies it.
type Runner interface {
	Run(ctx context.Context, command string) (gssh.Result, error)
}

type Runtime struct {
	runner Runner
	docker string
	closer func() error
}

type Option func(*Runtime)

// WithDockerBinary overrides the docker executable, e.g. "sudo docker".
// An empty bin keeps the default.
func WithDockerBinary(bin string) Option {
	return func(r *Runtime) {
		if bin != "" {
			r.docker = bin
		}
	}
}

// WithCloser runs fn on Close, typically closing the SSH connection.
func WithCloser(fn func() error) Option {
	return func(r *Runtime) { r.closer = fn }
}

func New(runner Runner, opts ...Option) *Runtime {
	r := &Runtime{runner: runner, docker: "docker"}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runtime) Name() string { return Name }

func (r *Runtime) cmd(args ...string) string {
	return r.docker + " " + gssh.Command(args...)
}

func (r *Runtime) Pull(ctx context.Context, ref image.Ref) error {
	log.Debug().Str("image", ref.String()).Msg("docker pull")
	if _, err := r.runner.Run(ctx, r.cmd("pull", ref.String())); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// inspect is the subset of `docker inspect` output hoist reads.
type inspect struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Status     string `json:"Status"`
		Running    bool   `json:"Running"`
		Restarting bool   `json:"Restarting"`
	} `json:"State"`
	HostConfig struct {
		PortBindings map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"PortBindings"`
	} `json:"HostConfig"`
}

func (r *Runtime) Current(ctx context.Context, slot runtime.Slot) (*runtime.Instance, error) {
	res, err := r.runner.Run(ctx, r.cmd("inspect", "--type", "container", "--format", "{{json .}}", slot.Name))
	if err != nil {
		if isNoSuch(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect %s: %w", slot.Name, err)
	}
	var in inspect
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &in); err != nil {
		return nil, fmt.Errorf("decode inspect output for %s: %w", slot.Name, err)
	}
	inst := &runtime.Instance{
		ID:         in.ID,
		Name:       strings.TrimPrefix(in.Name, "/"),
		Image:      in.Config.Image,
		Running:    in.State.Running,
		Restarting: in.State.Restarting,
		Status:     in.State.Status,
	}
	if ref, ok := in.Config.Labels[runtime.LabelRef]; ok && ref != "" {
		inst.Image = ref
	}
	for _, bindings := range in.HostConfig.PortBindings {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil {
				inst.HostPort = p
				break
			}
		}
	}
	return inst, nil
}

func (r *Runtime) Stop(ctx context.Context, slot runtime.Slot) error {
	if err := r.remove(ctx, slot.Name); err != nil {
		return err
	}
	res, err := r.runner.Run(ctx, r.cmd("ps", "-q", "--filter", "publish="+slot.Key()))
	if err != nil {
		return fmt.Errorf("list containers on port %s: %w", slot.Key(), err)
	}
	for _, id := range strings.Fields(res.Stdout) {
		log.Info().Str("container", id).Str("port", slot.Key()).Msg("Removing container holding slot port")
		if err := r.remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) remove(ctx context.Context, name string) error {
	if _, err := r.runner.Run(ctx, r.cmd("rm", "-f", name)); err != nil && !isNoSuch(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context, slot runtime.Slot, ref image.Ref) (*runtime.Instance, error) {
	args := []string{
		"run", "-d",
		"--name", slot.Name,
		"--restart", "unless-stopped",
		"-p", slot.PortSpec(),
		"--label", runtime.LabelRef + "=" + ref.String(),
		"--label", runtime.LabelSlot + "=" + slot.Key(),
	}
	if slot.EnvFile != "" {
		args = append(args, "--env-file", slot.EnvFile)
	}
	for _, kv := range runtime.EnvList(slot.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, ref.String())

	if _, err := r.runner.Run(ctx, r.cmd(args...)); err != nil {
		return nil, fmt.Errorf("run %s: %w", ref, err)
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

func (r *Runtime) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func isNoSuch(err error) bool {
	var ce *gssh.CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(ce.Result.Stderr, "No such container") ||
		strings.Contains(ce.Result.Stderr, "No such object")
}
