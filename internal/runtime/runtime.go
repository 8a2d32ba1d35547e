// Package runtime abstracts the container engine on the target host. A
// deployment owns one named slot keyed by its published host port; drivers
// pull images and replace whatever occupies that slot.
package runtime

import (
	"context"
	"fmt"
	"strconv"

	"github.com/3cpo-dev/hoist/internal/image"
)

// Labels stamped on every container hoist starts.
const (
	LabelRef  = "hoist.ref"
	LabelSlot = "hoist.slot"
)

// Slot is the single-instance binding a deployment replaces.
type Slot struct {
	Name          string
	HostPort      int
	ContainerPort int
	// Env is passed as individual -e KEY=VALUE pairs.
	Env map[string]string
	// EnvFile is a path on the target host.
	EnvFile string
}

// Key identifies the slot on the host. Two slots with the same key can never
// both be bound.
func (s Slot) Key() string { return strconv.Itoa(s.HostPort) }

// PortSpec is the docker publish flag for the slot, HOST:CONTAINER.
func (s Slot) PortSpec() string {
	cp := s.ContainerPort
	if cp == 0 {
		cp = s.HostPort
	}
	return fmt.Sprintf("%d:%d", s.HostPort, cp)
}

// Instance is what a runtime reports about the container in a slot.
type Instance struct {
	ID      string
	Name    string
	Image   string
	Running bool
	// Restarting is set while the engine's restart policy is bringing a
	// crashed container back. Docker keeps Running true meanwhile.
	Restarting bool
	Status     string
	HostPort   int
}

// Up reports whether the container is running and not crash-looping.
func (i *Instance) Up() bool {
	if i == nil || !i.Running || i.Restarting {
		return false
	}
	switch i.Status {
	case "restarting", "exited", "dead":
		return false
	}
	return true
}

// State is a short description for logs and errors.
func (i *Instance) State() string {
	switch {
	case i == nil:
		return "gone"
	case i.Restarting:
		return "restarting"
	case i.Status != "":
		return i.Status
	case i.Running:
		return "running"
	}
	return "stopped"
}

// Runtime drives the container engine on one host.
type Runtime interface {
	Name() string
	Pull(ctx context.Context, ref image.Ref) error
	// Current returns the instance in the slot, or nil when it is empty.
	Current(ctx context.Context, slot Slot) (*Instance, error)
	// Stop removes the slot's container and anything else publishing the
	// slot's host port. Stopping an empty slot succeeds.
	Stop(ctx context.Context, slot Slot) error
	Start(ctx context.Context, slot Slot, ref image.Ref) (*Instance, error)
	Close() error
}
