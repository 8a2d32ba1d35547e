package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultInterval = 5 * time.Second
)

var ErrTimeout = errors.New("health check timed out")

// Poller runs a probe immediately and then once per Interval until it passes
// or Timeout elapses. It never issues more than MaxPolls probes.
type Poller struct {
	Timeout  time.Duration
	Interval time.Duration
	// OnPoll, when set, observes every probe result.
	OnPoll func(n int, err error)
	// Sleep waits between polls; nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Outcome summarises a Wait.
type Outcome struct {
	Polls   int
	Elapsed time.Duration
	LastErr error
}

func (p *Poller) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

// MaxPolls is ceil(Timeout/Interval): a 30s timeout with a 5s interval allows
// polls at 0s, 5s, ... 25s.
func (p *Poller) MaxPolls() int {
	t, i := p.timeout(), p.interval()
	n := int((t + i - 1) / i)
	if n < 1 {
		n = 1
	}
	return n
}

// Wait blocks until probe succeeds, the timeout elapses (ErrTimeout) or ctx
// is cancelled (ctx.Err()).
func (p *Poller) Wait(ctx context.Context, probe Probe) (Outcome, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	maxPolls := p.MaxPolls()
	var out Outcome
	for {
		pollStart := time.Now()
		out.Polls++
		err := probe.Check(pctx)
		if p.OnPoll != nil {
			p.OnPoll(out.Polls, err)
		}
		if err == nil {
			out.Elapsed = time.Since(start)
			out.LastErr = nil
			return out, nil
		}
		out.LastErr = err

		if ctx.Err() != nil {
			out.Elapsed = time.Since(start)
			return out, ctx.Err()
		}
		if out.Polls >= maxPolls {
			break
		}
		if err := sleep(pctx, p.interval()-time.Since(pollStart)); err != nil {
			if ctx.Err() != nil {
				out.Elapsed = time.Since(start)
				return out, ctx.Err()
			}
			break
		}
	}
	out.Elapsed = time.Since(start)
	return out, fmt.Errorf("%w after %d polls over %s: %v", ErrTimeout, out.Polls, p.timeout(), out.LastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
