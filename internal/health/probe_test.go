package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gssh "github.com/3cpo-dev/hoist/internal/ssh"
)

func TestHTTPProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	probe := &HTTPProbe{URL: srv.URL + "/health", Client: srv.Client()}
	err := probe.Check(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 StatusError, got %v", err)
	}

	p := &Poller{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond}
	out, err := p.Wait(context.Background(), probe)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if out.Polls != 2 {
		t.Fatalf("expected healthy on the 2nd poll of Wait, got %d", out.Polls)
	}
}

type fakeRunner struct {
	commands []string
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, command string) (gssh.Result, error) {
	f.commands = append(f.commands, command)
	return gssh.Result{}, f.err
}

func TestRemoteProbe(t *testing.T) {
	r := &fakeRunner{}
	probe := &RemoteProbe{Runner: r, URL: "http://127.0.0.1:8080/health"}
	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	want := "curl -fsS -o /dev/null --max-time 5 http://127.0.0.1:8080/health"
	if len(r.commands) != 1 || r.commands[0] != want {
		t.Fatalf("commands %v", r.commands)
	}

	r.err = &gssh.CommandError{Command: want, Result: gssh.Result{ExitCode: 7, Stderr: "Failed to connect"}}
	err := probe.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Failed to connect") {
		t.Fatalf("expected curl failure, got %v", err)
	}
}
