package web

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/hoist/internal/health"
	"github.com/3cpo-dev/hoist/internal/telemetry"
)

func TestIndex(t *testing.T) {
	srv := NewServer("test")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Deployed with hoist") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type %q", ct)
	}
}

func TestHealth(t *testing.T) {
	srv := NewServer("test")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != telemetry.HealthStatusHealthy || resp.Version != "test" || len(resp.Checks) != 2 {
		t.Fatalf("response %+v", resp)
	}

	srv.Checks.Register("db", func() telemetry.HealthCheck {
		return telemetry.HealthCheck{Status: telemetry.HealthStatusUnhealthy, Message: "down"}
	})
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestHealthProbeAgainstServer(t *testing.T) {
	ts := httptest.NewServer(NewServer("test").Handler())
	defer ts.Close()
	probe := &health.HTTPProbe{URL: ts.URL + "/health", Client: ts.Client()}
	p := &health.Poller{Timeout: 2 * time.Second, Interval: 100 * time.Millisecond}
	out, err := p.Wait(context.Background(), probe)
	if err != nil || out.Polls != 1 {
		t.Fatalf("wait: %+v %v", out, err)
	}
}

func TestMetricsAndNotFound(t *testing.T) {
	srv := NewServer("test")
	h := srv.Handler()
	for _, path := range []string{"/", "/health", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`hoist_web_requests_total{code="200",route="/health"} 1`,
		`hoist_web_requests_total{code="404",route="unmatched"} 1`,
		"# TYPE hoist_web_uptime_seconds gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestClientCertMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("X-Client-Subject")))
	})

	rr := httptest.NewRecorder()
	ClientCertMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("plain HTTP should pass through, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	rr = httptest.NewRecorder()
	ClientCertMiddleware(true)(ok).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without client cert, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{
		Subject:      pkix.Name{CommonName: "ci"},
		SerialNumber: big.NewInt(7),
	}}}
	rr = httptest.NewRecorder()
	ClientCertMiddleware(true)(ok).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "CN=ci" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
}

func TestTLSConfigBuild(t *testing.T) {
	if _, err := (&TLSConfig{}).Build(); err == nil {
		t.Fatalf("expected error without cert and key")
	}
	if _, err := (&TLSConfig{CertFile: "/nonexistent.pem", KeyFile: "/nonexistent.key"}).Build(); err == nil {
		t.Fatalf("expected load error")
	}
	t.Setenv("HOIST_WEB_TLS_CERT", "")
	t.Setenv("HOIST_WEB_TLS_KEY", "")
	if TLSConfigFromEnv() != nil {
		t.Fatalf("expected nil TLS config without certificate")
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := NewServer("test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0", nil) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
