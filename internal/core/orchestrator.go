// Package core runs health-gated single-instance deploys: pull the new image,
// stop whatever holds the slot, start the new container and poll its health
// endpoint until it answers or the timeout elapses.
package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hoist/internal/health"
	"github.com/3cpo-dev/hoist/internal/image"
	"github.com/3cpo-dev/hoist/internal/runtime"
	"github.com/3cpo-dev/hoist/internal/telemetry"
	"github.com/3cpo-dev/hoist/pkg/api"
)

// Target is the deployment target: one slot on one host.
type Target struct {
	Host   string
	Slot   runtime.Slot
	Health HealthSpec
}

type HealthSpec struct {
	Path     string
	Timeout  time.Duration
	Interval time.Duration
}

// Event is emitted on every phase change and every health poll.
type Event struct {
	DeploymentID string
	Ref          string
	From, To     Phase
	Poll         int
	Err          error
	At           time.Time
}

type Observer func(Event)

// Result describes a finished deploy, successful or not.
type Result struct {
	Deployment Deployment
	Previous   *runtime.Instance
	Instance   *runtime.Instance
	Elapsed    time.Duration
}

// Orchestrator is the entrypoint for deploying images to a target.
type Orchestrator struct {
	rt        runtime.Runtime
	target    Target
	probe     health.Probe
	poller    *health.Poller
	history   History
	observer  Observer
	collector *telemetry.Collector
	now       func() time.Time
	newID     func() string
}

type Option func(*Orchestrator)

// WithHistory records every attempt and enables Rollback.
func WithHistory(h History) Option { return func(o *Orchestrator) { o.history = h } }

func WithObserver(fn Observer) Option { return func(o *Orchestrator) { o.observer = fn } }

func WithCollector(c *telemetry.Collector) Option { return func(o *Orchestrator) { o.collector = c } }

// WithPoller replaces the poller built from Target.Health.
func WithPoller(p *health.Poller) Option { return func(o *Orchestrator) { o.poller = p } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func NewOrchestrator(rt runtime.Runtime, target Target, probe health.Probe, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rt:     rt,
		target: target,
		probe:  probe,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.poller == nil {
		o.poller = &health.Poller{Timeout: target.Health.Timeout, Interval: target.Health.Interval}
	}
	if o.collector == nil {
		o.collector = telemetry.GetGlobal()
	}
	return o
}

func (o *Orchestrator) Target() Target { return o.target }

// rollout carries one Deploy through the phases.
type rollout struct {
	o       *Orchestrator
	d       Deployment
	entered time.Time
}

func (r *rollout) enter(to Phase) {
	from := r.d.Phase
	next, err := from.Transition(to)
	if err != nil {
		// Only reachable through a programming error in Deploy.
		panic(err)
	}
	now := r.o.now()
	if from != PhasePending {
		r.o.collector.Timer("hoist_phase_duration", now.Sub(r.entered), map[string]string{"phase": from.String()})
	}
	r.d.Phase, r.entered = next, now
	log.Debug().Str("id", r.d.ID).Str("ref", r.d.Ref).Str("from", from.String()).Str("to", next.String()).Msg("Phase")
	r.o.emit(Event{DeploymentID: r.d.ID, Ref: r.d.Ref, From: from, To: next, At: now})
}

func (o *Orchestrator) emit(ev Event) {
	if o.observer != nil {
		o.observer(ev)
	}
}

// Deploy replaces the instance in the target slot with ref and waits for it
// to report healthy. STARTING_NEW is only entered once STOPPING_OLD has
// completed, so at most one instance is bound to the slot's port. A failed
// deploy returns a *DeployError; the host is left as the failing phase left
// it and nothing is rolled back.
func (o *Orchestrator) Deploy(ctx context.Context, raw string) (Result, error) {
	start := o.now()
	r := &rollout{o: o, d: Deployment{
		ID:        o.newID(),
		Ref:       raw,
		Host:      o.target.Host,
		Port:      o.target.Slot.HostPort,
		Phase:     PhasePending,
		StartedAt: start,
	}, entered: start}
	var res Result
	finish := func(kind ErrorKind, err error) (Result, error) {
		return o.finish(ctx, r, res, kind, err)
	}

	ref, err := image.Parse(raw)
	if err != nil {
		return finish(KindInvalidReference, err)
	}
	r.d.Ref = ref.String()
	if !ref.Conventional() {
		log.Warn().Str("ref", ref.String()).Msg("Tag is neither latest nor <branch>-<short-hash>")
	}
	o.begin(ctx, r.d)
	if err := ctx.Err(); err != nil {
		return finish(KindCanceled, err)
	}

	lg := log.With().Str("id", r.d.ID).Str("ref", r.d.Ref).Str("host", o.target.Host).Str("slot", o.target.Slot.Name).Logger()

	r.enter(PhasePulling)
	lg.Info().Msg("Pulling image")
	if err := o.rt.Pull(ctx, ref); err != nil {
		return finish(classify(ctx, KindPullFailure), err)
	}

	r.enter(PhaseStoppingOld)
	prev, err := o.rt.Current(ctx, o.target.Slot)
	if err != nil {
		return finish(classify(ctx, KindStopFailure), err)
	}
	res.Previous = prev
	if prev != nil {
		lg.Info().Str("previous", prev.Image).Str("container", prev.ID).Msg("Stopping running instance")
	}
	if err := o.rt.Stop(ctx, o.target.Slot); err != nil {
		return finish(classify(ctx, KindStopFailure), err)
	}

	r.enter(PhaseStartingNew)
	lg.Info().Str("port", o.target.Slot.PortSpec()).Msg("Starting new instance")
	inst, err := o.rt.Start(ctx, o.target.Slot, ref)
	if err != nil {
		return finish(classify(ctx, KindStartFailure), err)
	}
	res.Instance = inst
	if !inst.Up() {
		return finish(KindStartFailure, fmt.Errorf("container %s is %s right after start", inst.Name, inst.State()))
	}

	r.enter(PhaseHealthChecking)
	p := *o.poller
	onPoll := p.OnPoll
	p.OnPoll = func(n int, err error) {
		r.d.Polls = n
		ev := lg.Debug().Int("poll", n)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("Health poll")
		o.emit(Event{DeploymentID: r.d.ID, Ref: r.d.Ref, From: PhaseHealthChecking, To: PhaseHealthChecking, Poll: n, Err: err, At: o.now()})
		if onPoll != nil {
			onPoll(n, err)
		}
	}
	out, err := p.Wait(ctx, o.probe)
	r.d.Polls = out.Polls
	o.collector.Gauge("hoist_health_polls", float64(out.Polls), nil)
	if err != nil {
		if errors.Is(err, health.ErrTimeout) {
			if crashed := o.crashedSince(ctx, inst, lg); crashed != nil {
				res.Instance = crashed
				return finish(KindStartFailure, fmt.Errorf("container %s is %s: %w", inst.Name, crashed.State(), err))
			}
			return finish(KindHealthCheckTimeout, err)
		}
		return finish(classify(ctx, KindHealthCheckTimeout), err)
	}

	r.enter(PhaseSucceeded)
	lg.Info().Int("polls", out.Polls).Dur("elapsed", o.now().Sub(start)).Msg("Deploy succeeded")
	return finish(KindNone, nil)
}

// crashedSince re-inspects the slot after a health timeout. It returns the
// instance when the container started earlier is crash-looping, has exited
// or is gone, and nil when it is still up or cannot be inspected.
func (o *Orchestrator) crashedSince(ctx context.Context, started *runtime.Instance, lg zerolog.Logger) *runtime.Instance {
	cur, err := o.rt.Current(ctx, o.target.Slot)
	if err != nil {
		lg.Warn().Err(err).Msg("Inspect after health timeout")
		return nil
	}
	if cur == nil {
		return &runtime.Instance{ID: started.ID, Name: started.Name, Image: started.Image, Status: "removed", HostPort: started.HostPort}
	}
	if cur.ID != "" && started.ID != "" && cur.ID != started.ID {
		return nil
	}
	if cur.Up() {
		return nil
	}
	return cur
}

// classify maps a phase error to Canceled when the caller gave up.
func classify(ctx context.Context, kind ErrorKind) ErrorKind {
	if ctx.Err() != nil {
		return KindCanceled
	}
	return kind
}

func (o *Orchestrator) begin(ctx context.Context, d Deployment) {
	if o.history == nil {
		return
	}
	if err := o.history.Begin(ctx, d); err != nil {
		log.Warn().Err(err).Str("id", d.ID).Msg("Failed to record deployment start")
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *rollout, res Result, kind ErrorKind, cause error) (Result, error) {
	var derr *DeployError
	if cause != nil {
		failedIn := r.d.Phase
		r.enter(PhaseFailed)
		r.d.ErrorKind = kind
		r.d.Message = cause.Error()
		derr = &DeployError{Kind: kind, Phase: failedIn, Ref: r.d.Ref, Err: cause}
		log.Error().Str("id", r.d.ID).Str("ref", r.d.Ref).Str("kind", kind.String()).Str("phase", failedIn.String()).Err(cause).Msg("Deploy failed")
	}
	r.d.FinishedAt = o.now()
	res.Deployment = r.d
	res.Elapsed = r.d.FinishedAt.Sub(r.d.StartedAt)

	outcome := "succeeded"
	if derr != nil {
		outcome = "failed"
	}
	o.collector.Counter("hoist_deploys_total", 1, map[string]string{"outcome": outcome, "kind": kind.String()})
	o.collector.Timer("hoist_deploy_duration", res.Elapsed, map[string]string{"outcome": outcome})

	if o.history != nil && kind != KindInvalidReference {
		// Use a fresh context so a cancelled deploy is still recorded.
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.history.Finish(hctx, r.d); err != nil {
			log.Warn().Err(err).Str("id", r.d.ID).Msg("Failed to record deployment result")
		}
	}
	if derr != nil {
		return res, derr
	}
	return res, nil
}

// Rollback redeploys the newest successfully deployed ref that differs from
// what currently occupies the slot.
func (o *Orchestrator) Rollback(ctx context.Context) (Result, error) {
	if o.history == nil {
		return Result{}, errors.New("rollback needs deployment history")
	}
	exclude := ""
	cur, err := o.rt.Current(ctx, o.target.Slot)
	if err != nil {
		return Result{}, fmt.Errorf("inspect current instance: %w", err)
	}
	if cur != nil {
		exclude = cur.Image
	}
	prev, err := o.history.LastSucceeded(ctx, o.target.Host, o.target.Slot.HostPort, exclude)
	if err != nil {
		return Result{}, fmt.Errorf("look up rollback target: %w", err)
	}
	if prev == nil {
		return Result{}, ErrNoRollbackTarget
	}
	log.Info().Str("from", exclude).Str("to", prev.Ref).Msg("Rolling back")
	return o.Deploy(ctx, prev.Ref)
}

// Status reports what occupies the slot, the last recorded attempt and, when
// probe is true, one health check result.
func (o *Orchestrator) Status(ctx context.Context, probe bool) (api.DeployStatus, error) {
	st := api.DeployStatus{
		Host:    o.target.Host,
		Slot:    o.target.Slot.Name + ":" + strconv.Itoa(o.target.Slot.HostPort),
		Runtime: o.rt.Name(),
	}
	cur, err := o.rt.Current(ctx, o.target.Slot)
	if err != nil {
		return st, fmt.Errorf("inspect current instance: %w", err)
	}
	if cur != nil {
		st.Instance = &api.InstanceStatus{
			ID:      cur.ID,
			Name:    cur.Name,
			Image:   cur.Image,
			Running: cur.Up(),
			Status:  cur.State(),
			Port:    cur.HostPort,
		}
	}
	if o.history != nil {
		last, err := o.history.List(ctx, o.target.Host, o.target.Slot.HostPort, 1)
		if err != nil {
			return st, fmt.Errorf("read history: %w", err)
		}
		if len(last) > 0 {
			rec := last[0].Record()
			st.Last = &rec
		}
	}
	if probe && cur.Up() {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ok := o.probe.Check(pctx) == nil
		st.Healthy = &ok
	}
	return st, nil
}
