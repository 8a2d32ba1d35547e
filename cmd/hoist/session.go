package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/hoist/internal/core"
	"github.com/3cpo-dev/hoist/internal/health"
	"github.com/3cpo-dev/hoist/internal/runtime"
	"github.com/3cpo-dev/hoist/internal/runtime/dockerapi"
	"github.com/3cpo-dev/hoist/internal/runtime/shell"
	gssh "github.com/3cpo-dev/hoist/internal/ssh"
	"github.com/3cpo-dev/hoist/internal/telemetry"
)

// configPath resolves --config or the default location.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return filepath.Join(core.ConfigDir(), "config.yaml")
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	path := configPath(cmd)
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// session holds everything one command needs to act on the target.
type session struct {
	cfg   core.Config
	conn  *gssh.Conn
	rt    runtime.Runtime
	store *core.Store
	orch  *core.Orchestrator
}

func dialTarget(ctx context.Context, cfg core.Config) (*gssh.Conn, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.Target.KeyPath)
	if err != nil {
		return nil, err
	}
	cb, err := gssh.LoadKnownHostsCallback(cfg.Target.KnownHosts)
	if err != nil {
		return nil, err
	}
	c := &gssh.Client{
		Addr:       cfg.Addr(),
		User:       cfg.Target.User,
		Signer:     signer,
		KnownHosts: cb,
		Timeout:    time.Duration(cfg.Target.TimeoutSeconds) * time.Second,
	}
	return c.Dial(ctx)
}

// runtimes lists the drivers that can act on conn.
func runtimes(cfg core.Config, conn *gssh.Conn) *runtime.Registry {
	reg := runtime.NewRegistry()
	reg.Register(shell.Name, func() (runtime.Runtime, error) {
		return shell.New(conn, shell.WithDockerBinary(cfg.Runtime.DockerBinary)), nil
	})
	reg.Register(dockerapi.Name, func() (runtime.Runtime, error) {
		rt, err := dockerapi.Dial(conn, cfg.Runtime.Socket, dockerapi.WithFileReader(func(ctx context.Context, path string) ([]byte, error) {
			res, err := conn.Run(ctx, gssh.Command("cat", path))
			if err != nil {
				return nil, err
			}
			return []byte(res.Stdout), nil
		}))
		if err != nil {
			return nil, err
		}
		return rt, nil
	})
	return reg
}

func newProbe(cfg core.Config, conn *gssh.Conn) health.Probe {
	url := cfg.HealthURL()
	if cfg.Health.Mode == core.HealthModeHTTP {
		return &health.HTTPProbe{URL: url}
	}
	return &health.RemoteProbe{Runner: conn, URL: url}
}

func openStore(cfg core.Config) (*core.Store, error) {
	if cfg.History.Disabled {
		return nil, nil
	}
	return core.NewStore(cfg.History.Path)
}

// openSession connects to the target described by cfg and builds an
// orchestrator. observer may be nil.
func openSession(ctx context.Context, cfg core.Config, observer core.Observer) (*session, error) {
	s := &session{cfg: cfg}

	log.Debug().Str("addr", cfg.Addr()).Str("user", cfg.Target.User).Msg("Connecting to target")
	var err error
	s.conn, err = dialTarget(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt, err := runtimes(cfg, s.conn).Get(cfg.Runtime.Driver)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.rt = rt
	s.store, err = openStore(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	opts := []core.Option{core.WithCollector(telemetry.InitGlobal(cfg.Telemetry.Enabled))}
	if s.store != nil {
		opts = append(opts, core.WithHistory(s.store))
	}
	if observer != nil {
		opts = append(opts, core.WithObserver(observer))
	}
	s.orch = core.NewOrchestrator(s.rt, cfg.DeployTarget(), newProbe(cfg, s.conn), opts...)
	return s, nil
}

func (s *session) Close() {
	if s.rt != nil {
		if err := s.rt.Close(); err != nil {
			log.Debug().Err(err).Msg("Close runtime")
		}
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.cfg.Telemetry.Enabled {
		telemetry.GetGlobal().LogMetrics()
	}
}
