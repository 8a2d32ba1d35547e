package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/hoist/internal/health"
	"github.com/3cpo-dev/hoist/internal/telemetry"
	"github.com/3cpo-dev/hoist/internal/web"
)

var version = "dev"

// defaultAddr honours $PORT, as container platforms set it.
func defaultAddr() string {
	if p := os.Getenv("PORT"); p != "" {
		return ":" + p
	}
	return ":8080"
}

// healthURL turns a listen address into the loopback /health URL.
func healthURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse addr %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health", nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hoist-web",
		Short:         "Serve the static site with /health and /metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			metrics, _ := cmd.Flags().GetBool("metrics")
			srv := web.NewServer(version)
			srv.Collector = telemetry.InitGlobal(metrics)
			return srv.ListenAndServe(cmd.Context(), addr, web.TLSConfigFromEnv())
		},
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error")
	cmd.PersistentFlags().String("addr", defaultAddr(), "listen address")
	cmd.Flags().Bool("metrics", true, "collect request metrics for /metrics")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
	cmd.AddCommand(newHealthcheckCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hoist-web %s\n", version)
		},
	})
	return cmd
}

// Probe our own /health, for the container HEALTHCHECK
func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit non-zero unless the local server answers /health with 2xx",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			url, err := healthURL(addr)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			probe := &health.HTTPProbe{URL: url, Client: &http.Client{Timeout: 3 * time.Second}}
			return probe.Check(ctx)
		},
	}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "hoist-web").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("hoist-web failed")
		os.Exit(1)
	}
}
