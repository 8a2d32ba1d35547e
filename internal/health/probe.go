// Package health implements the liveness probes that gate a rollout and the
// bounded poll loop around them.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	gssh "github.com/3cpo-dev/hoist/internal/ssh"
)

// Probe performs one health check. A nil error means healthy.
type Probe interface {
	Check(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// StatusError reports a health endpoint that answered with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// HTTPProbe issues GET URL from the machine running hoist. Any 2xx is healthy.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: p.URL, Code: resp.StatusCode}
	}
	return nil
}

// Runner executes a shell command on the target host.
type Runner interface {
	Run(ctx context.Context, command string) (gssh.Result, error)
}

// RemoteProbe curls URL on the target host itself, for services that are not
// reachable from where hoist runs.
type RemoteProbe struct {
	Runner Runner
	URL    string
	// MaxTimeSeconds bounds a single curl invocation. Defaults to 5.
	MaxTimeSeconds int
}

func (p *RemoteProbe) Check(ctx context.Context) error {
	maxTime := p.MaxTimeSeconds
	if maxTime <= 0 {
		maxTime = 5
	}
	cmd := gssh.Command("curl", "-fsS", "-o", "/dev/null", "--max-time", strconv.Itoa(maxTime), p.URL)
	if _, err := p.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("remote GET %s: %w", p.URL, err)
	}
	return nil
}
