package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/3cpo-dev/hoist/internal/web"
)

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		":8080":         "http://127.0.0.1:8080/health",
		"0.0.0.0:80":    "http://127.0.0.1:80/health",
		"10.0.0.5:9000": "http://10.0.0.5:9000/health",
		"[::]:8080":     "http://127.0.0.1:8080/health",
	}
	for addr, want := range cases {
		got, err := healthURL(addr)
		if err != nil || got != want {
			t.Fatalf("healthURL(%q) = %q, %v; want %q", addr, got, err, want)
		}
	}
	if _, err := healthURL("8080"); err == nil {
		t.Fatalf("expected error for addr without port")
	}
}

func TestDefaultAddrFromPort(t *testing.T) {
	t.Setenv("PORT", "9999")
	if got := defaultAddr(); got != ":9999" {
		t.Fatalf("got %q", got)
	}
}

func runHealthcheck(addr string) error {
	root := newRootCmd()
	root.SetArgs([]string{"healthcheck", "--addr", addr})
	return root.Execute()
}

func TestHealthcheckCommand(t *testing.T) {
	ts := httptest.NewServer(web.NewServer("test").Handler())
	defer ts.Close()
	if err := runHealthcheck(strings.TrimPrefix(ts.URL, "http://")); err != nil {
		t.Fatalf("healthcheck against live server: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := runHealthcheck(strings.TrimPrefix(down.URL, "http://")); err == nil {
		t.Fatalf("expected failure on 503")
	}
}
