package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/3cpo-dev/hoist/internal/image"
	"github.com/3cpo-dev/hoist/internal/runtime"
)

// fakeHost is an in-memory container engine. Starting a container on a port
// that is already bound fails, like docker does.
type fakeHost struct {
	mu         sync.Mutex
	containers map[string]*runtime.Instance
	missing    map[string]bool // refs whose pull fails
	pulled     []string
	calls      []string

	stopErr    error
	startErr   error
	startsDead bool
	// startsRestarting models a container that exits at once under a
	// restart policy: docker reports it running and restarting.
	startsRestarting bool
	seq              int
}

// crashLoop puts the slot's container into restart backoff.
func (h *fakeHost) crashLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.containers[name]; ok {
		c.Restarting = true
		c.Status = "restarting"
	}
}

func (h *fakeHost) remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.containers, name)
}

func newFakeHost() *fakeHost {
	return &fakeHost{containers: map[string]*runtime.Instance{}, missing: map[string]bool{}}
}

// seed puts a running container into the slot.
func (h *fakeHost) seed(slot runtime.Slot, ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.containers[slot.Name] = &runtime.Instance{
		ID: fmt.Sprintf("c%d", h.seq), Name: slot.Name, Image: image.MustParse(ref).String(),
		Running: true, Status: "running", HostPort: slot.HostPort,
	}
}

func (h *fakeHost) boundTo(port int) []*runtime.Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*runtime.Instance
	for _, c := range h.containers {
		if c.HostPort == port && c.Running {
			out = append(out, c)
		}
	}
	return out
}

func (h *fakeHost) Name() string { return "fake" }

func (h *fakeHost) Pull(ctx context.Context, ref image.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "pull")
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.missing[ref.Tag] {
		return fmt.Errorf("pull %s: manifest unknown", ref)
	}
	h.pulled = append(h.pulled, ref.String())
	return nil
}

func (h *fakeHost) Current(ctx context.Context, slot runtime.Slot) (*runtime.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[slot.Name]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (h *fakeHost) Stop(ctx context.Context, slot runtime.Slot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "stop")
	if h.stopErr != nil {
		return h.stopErr
	}
	for name, c := range h.containers {
		if name == slot.Name || c.HostPort == slot.HostPort {
			delete(h.containers, name)
		}
	}
	return nil
}

func (h *fakeHost) Start(ctx context.Context, slot runtime.Slot, ref image.Ref) (*runtime.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "start")
	if h.startErr != nil {
		return nil, h.startErr
	}
	if _, ok := h.containers[slot.Name]; ok {
		return nil, fmt.Errorf("container name %q is already in use", slot.Name)
	}
	for _, c := range h.containers {
		if c.HostPort == slot.HostPort {
			return nil, errors.New("port is already allocated")
		}
	}
	h.seq++
	c := &runtime.Instance{
		ID: fmt.Sprintf("c%d", h.seq), Name: slot.Name, Image: ref.String(),
		Running: !h.startsDead, Status: "running", HostPort: slot.HostPort,
	}
	switch {
	case h.startsDead:
		c.Status = "exited"
	case h.startsRestarting:
		c.Restarting = true
		c.Status = "restarting"
	}
	h.containers[slot.Name] = c
	cp := *c
	return &cp, nil
}

func (h *fakeHost) Close() error { return nil }
