package core

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
target:
  host: 203.0.113.10
  user: ci
image:
  registry: https://registry.example.com
  name: acme/site
  tag: main-abc1234
service:
  name: site
  host_port: 80
  container_port: 8080
health:
  path: /health
  timeout_seconds: 30
  interval_seconds: 5
runtime:
  driver: docker
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearImageEnv(t *testing.T) {
	for _, k := range []string{EnvRegistryURL, EnvImageName, EnvImageTag} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig(t *testing.T) {
	clearImageEnv(t)
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Target.Port != 22 || cfg.Target.User != "ci" || cfg.Runtime.Driver != "docker" {
		t.Fatalf("target/runtime %+v %+v", cfg.Target, cfg.Runtime)
	}
	if cfg.Target.KeyPath != filepath.Join(filepath.Dir(path), "id_ed25519") {
		t.Fatalf("key path %s", cfg.Target.KeyPath)
	}
	ref, err := cfg.ImageRef()
	if err != nil {
		t.Fatalf("image ref: %v", err)
	}
	if ref.String() != "registry.example.com/acme/site:main-abc1234" {
		t.Fatalf("ref %s", ref)
	}
	tgt := cfg.DeployTarget()
	if tgt.Health.Timeout != 30*time.Second || tgt.Health.Interval != 5*time.Second || tgt.Slot.Key() != "80" {
		t.Fatalf("target %+v", tgt)
	}
	if cfg.HealthURL() != "http://127.0.0.1:80/health" {
		t.Fatalf("health url %s", cfg.HealthURL())
	}
	cfg.Health.Mode = HealthModeHTTP
	if cfg.HealthURL() != "http://203.0.113.10:80/health" {
		t.Fatalf("http health url %s", cfg.HealthURL())
	}
}

func TestAddressesWithIPv6Host(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target.Host = "2001:db8::10"
	cfg.Service.HostPort = 8080
	if got := cfg.Addr(); got != "[2001:db8::10]:22" {
		t.Fatalf("addr %s", got)
	}
	if got := cfg.HealthURL(); got != "http://127.0.0.1:8080/health" {
		t.Fatalf("remote health url %s", got)
	}
	cfg.Health.Mode = HealthModeHTTP
	got := cfg.HealthURL()
	if got != "http://[2001:db8::10]:8080/health" {
		t.Fatalf("http health url %s", got)
	}
	u, err := url.Parse(got)
	if err != nil || u.Hostname() != "2001:db8::10" || u.Port() != "8080" {
		t.Fatalf("url %s does not parse back: %v", got, err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	clearImageEnv(t)
	path := writeConfig(t, sampleConfig)
	secrets := "# from CI\nIMAGE_NAME=acme/other\nIMAGE_TAG=release-deadbee\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "secrets.env"), []byte(secrets), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	t.Setenv(EnvImageTag, "main-0123456")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ref, err := cfg.ImageRef()
	if err != nil {
		t.Fatalf("image ref: %v", err)
	}
	if ref.String() != "registry.example.com/acme/other:main-0123456" {
		t.Fatalf("environment should win over secrets.env over yaml, got %s", ref)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"target.host":             func(c *Config) { c.Target.Host = "" },
		"service.host_port":       func(c *Config) { c.Service.HostPort = 70000 },
		"health.path":             func(c *Config) { c.Health.Path = "health" },
		"health.mode":             func(c *Config) { c.Health.Mode = "grpc" },
		"health.interval_seconds": func(c *Config) { c.Health.IntervalSeconds = 60 },
		"service.env_file":        func(c *Config) { c.Service.LocalEnvFile = "prod.env" },
	}
	for field, mutate := range cases {
		cfg := DefaultConfig()
		cfg.Target.Host = "203.0.113.10"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("default config invalid: %v", err)
		}
		mutate(&cfg)
		err := cfg.Validate()
		var ve ValidationError
		if !errors.As(err, &ve) || ve.Field != field {
			t.Errorf("%s: got %v", field, err)
		}
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	clearImageEnv(t)
	cfg := DefaultConfig()
	cfg.Target.Host = "203.0.113.10"
	cfg.Image.Name = "acme/site"
	path := filepath.Join(t.TempDir(), "hoist", "config.yaml")
	if err := WriteConfig(path, cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Image.Name != "acme/site" || got.Service.HostPort != 80 || got.Health.Mode != HealthModeRemote {
		t.Fatalf("round trip %+v", got)
	}
}
