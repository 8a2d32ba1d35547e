package core

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/hoist/internal/health"
	"github.com/3cpo-dev/hoist/internal/image"
	"github.com/3cpo-dev/hoist/internal/runtime"
)

// Config is the hoist configuration file.
type Config struct {
	Target struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		User           string `yaml:"user"`
		KeyPath        string `yaml:"key_path"`
		KnownHosts     string `yaml:"known_hosts"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"target"`
	Image struct {
		Registry string `yaml:"registry"`
		Name     string `yaml:"name"`
		Tag      string `yaml:"tag"`
	} `yaml:"image"`
	Service struct {
		Name          string            `yaml:"name"`
		HostPort      int               `yaml:"host_port"`
		ContainerPort int               `yaml:"container_port"`
		Env           map[string]string `yaml:"env,omitempty"`
		// EnvFile is the env file path on the target host.
		EnvFile string `yaml:"env_file,omitempty"`
		// LocalEnvFile, when set, is uploaded to EnvFile before each deploy.
		LocalEnvFile string `yaml:"local_env_file,omitempty"`
	} `yaml:"service"`
	Health struct {
		Path string `yaml:"path"`
		// Mode is "remote" (curl on the target over SSH) or "http" (GET
		// from this machine).
		Mode            string `yaml:"mode"`
		URL             string `yaml:"url,omitempty"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"health"`
	Runtime struct {
		Driver       string `yaml:"driver"`
		DockerBinary string `yaml:"docker_binary,omitempty"`
		Socket       string `yaml:"socket,omitempty"`
	} `yaml:"runtime"`
	History struct {
		Disabled bool   `yaml:"disabled"`
		Path     string `yaml:"path,omitempty"`
	} `yaml:"history"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

const (
	HealthModeRemote = "remote"
	HealthModeHTTP   = "http"
)

// Environment keys that select the image reference.
const (
	EnvRegistryURL = "REGISTRY_URL"
	EnvImageName   = "IMAGE_NAME"
	EnvImageTag    = "IMAGE_TAG"
)

// ConfigDir resolves $XDG_CONFIG_HOME/hoist or ~/.config/hoist.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "hoist")
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults(ConfigDir())
	return cfg
}

func (c *Config) applyDefaults(dir string) {
	if c.Target.Port == 0 {
		c.Target.Port = 22
	}
	if c.Target.User == "" {
		c.Target.User = "deploy"
	}
	if c.Target.KeyPath == "" {
		c.Target.KeyPath = filepath.Join(dir, "id_ed25519")
	}
	if c.Target.KnownHosts == "" {
		c.Target.KnownHosts = filepath.Join(dir, "known_hosts")
	}
	if c.Target.TimeoutSeconds == 0 {
		c.Target.TimeoutSeconds = 15
	}
	if c.Image.Tag == "" {
		c.Image.Tag = image.LatestTag
	}
	if c.Service.Name == "" {
		c.Service.Name = "app"
	}
	if c.Service.HostPort == 0 {
		c.Service.HostPort = 80
	}
	if c.Service.ContainerPort == 0 {
		c.Service.ContainerPort = 8080
	}
	if c.Health.Path == "" {
		c.Health.Path = "/health"
	}
	if c.Health.Mode == "" {
		c.Health.Mode = HealthModeRemote
	}
	if c.Health.TimeoutSeconds == 0 {
		c.Health.TimeoutSeconds = int(health.DefaultTimeout / time.Second)
	}
	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = int(health.DefaultInterval / time.Second)
	}
	if c.Runtime.Driver == "" {
		c.Runtime.Driver = "shell"
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(dir, "history.db")
	}
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/hoist/config.yaml or ~/.config/hoist/config.yaml.
// Values from secrets.env next to the file, then from the process
// environment, override the image section.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	dir := filepath.Dir(path)
	cfg.applyDefaults(dir)

	secrets, err := LoadSecretsEnv(filepath.Join(dir, "secrets.env"))
	if err != nil {
		return cfg, err
	}
	cfg.ApplyOverrides(secrets)
	cfg.ApplyOverrides(envLookup(EnvRegistryURL, EnvImageName, EnvImageTag))

	cfg.Target.KeyPath = expandHome(cfg.Target.KeyPath)
	cfg.Target.KnownHosts = expandHome(cfg.Target.KnownHosts)
	cfg.History.Path = expandHome(cfg.History.Path)
	cfg.Service.LocalEnvFile = expandHome(cfg.Service.LocalEnvFile)
	return cfg, cfg.Validate()
}

func envLookup(keys ...string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			out[k] = v
		}
	}
	return out
}

// ApplyOverrides sets the image section from REGISTRY_URL, IMAGE_NAME and
// IMAGE_TAG when present in vals.
func (c *Config) ApplyOverrides(vals map[string]string) {
	if v := vals[EnvRegistryURL]; v != "" {
		c.Image.Registry = v
	}
	if v := vals[EnvImageName]; v != "" {
		c.Image.Name = v
	}
	if v := vals[EnvImageTag]; v != "" {
		c.Image.Tag = v
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// ValidationError represents an invalid configuration value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Validate checks the fields every command needs. The image section is only
// checked by ImageRef, since deploy may be given an explicit reference.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Target.Host) == "" {
		return ValidationError{Field: "target.host", Value: "", Message: "target host is required"}
	}
	if err := validPort("target.port", c.Target.Port); err != nil {
		return err
	}
	if err := validPort("service.host_port", c.Service.HostPort); err != nil {
		return err
	}
	if err := validPort("service.container_port", c.Service.ContainerPort); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Health.Path, "/") {
		return ValidationError{Field: "health.path", Value: c.Health.Path, Message: "must start with /"}
	}
	if c.Health.Mode != HealthModeRemote && c.Health.Mode != HealthModeHTTP {
		return ValidationError{Field: "health.mode", Value: c.Health.Mode, Message: "must be remote or http"}
	}
	if c.Health.TimeoutSeconds <= 0 {
		return ValidationError{Field: "health.timeout_seconds", Value: strconv.Itoa(c.Health.TimeoutSeconds), Message: "must be positive"}
	}
	if c.Health.IntervalSeconds <= 0 || c.Health.IntervalSeconds > c.Health.TimeoutSeconds {
		return ValidationError{Field: "health.interval_seconds", Value: strconv.Itoa(c.Health.IntervalSeconds), Message: "must be positive and no larger than the timeout"}
	}
	if c.Service.LocalEnvFile != "" && c.Service.EnvFile == "" {
		return ValidationError{Field: "service.env_file", Value: "", Message: "required when local_env_file is set"}
	}
	return nil
}

func validPort(field string, p int) error {
	if p < 1 || p > 65535 {
		return ValidationError{Field: field, Value: strconv.Itoa(p), Message: "must be between 1 and 65535"}
	}
	return nil
}

// ImageRef composes the configured image reference.
func (c Config) ImageRef() (image.Ref, error) {
	return image.FromParts(c.Image.Registry, c.Image.Name, c.Image.Tag)
}

// Addr is the SSH address of the target.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Target.Host, strconv.Itoa(c.Target.Port))
}

func (c Config) Slot() runtime.Slot {
	return runtime.Slot{
		Name:          c.Service.Name,
		HostPort:      c.Service.HostPort,
		ContainerPort: c.Service.ContainerPort,
		Env:           c.Service.Env,
		EnvFile:       c.Service.EnvFile,
	}
}

// HealthURL is the URL the health probe requests. Remote probes run on the
// target itself and use loopback.
func (c Config) HealthURL() string {
	if c.Health.URL != "" {
		return c.Health.URL
	}
	host := "127.0.0.1"
	if c.Health.Mode == HealthModeHTTP {
		host = c.Target.Host
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Service.HostPort)) + c.Health.Path
}

func (c Config) DeployTarget() Target {
	return Target{
		Host: c.Target.Host,
		Slot: c.Slot(),
		Health: HealthSpec{
			Path:     c.Health.Path,
			Timeout:  time.Duration(c.Health.TimeoutSeconds) * time.Second,
			Interval: time.Duration(c.Health.IntervalSeconds) * time.Second,
		},
	}
}

// WriteConfig marshals cfg to path, creating the directory.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
