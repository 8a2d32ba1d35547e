package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/hoist/internal/core"
	"github.com/3cpo-dev/hoist/internal/image"
	gssh "github.com/3cpo-dev/hoist/internal/ssh"
	"github.com/3cpo-dev/hoist/pkg/api"
)

// Exit codes. Any failed deploy exits deployFailedCode.
const (
	errorCode        = 1
	deployFailedCode = 2
)

func exitCode(err error) int {
	var de *core.DeployError
	if errors.As(err, &de) {
		return deployFailedCode
	}
	return errorCode
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Write a config and deploy key
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file and deploy key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			cfg := core.DefaultConfig()
			dir := filepath.Dir(path)
			cfg.Target.KeyPath = filepath.Join(dir, "id_ed25519")
			cfg.Target.KnownHosts = filepath.Join(dir, "known_hosts")
			cfg.History.Path = filepath.Join(dir, "history.db")
			cfg.Target.Host, _ = cmd.Flags().GetString("host")
			cfg.Target.User, _ = cmd.Flags().GetString("user")
			cfg.Image.Registry, _ = cmd.Flags().GetString("registry")
			cfg.Image.Name, _ = cmd.Flags().GetString("image")
			cfg.Service.Name, _ = cmd.Flags().GetString("service")
			cfg.Service.HostPort, _ = cmd.Flags().GetInt("port")
			cfg.Service.ContainerPort, _ = cmd.Flags().GetInt("container-port")

			if _, err := os.Stat(cfg.Target.KeyPath); os.IsNotExist(err) {
				if _, err := gssh.GenerateEd25519Keypair(cfg.Target.KeyPath, "hoist@"+cfg.Target.Host); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successMsg("Generated deploy key %s", cfg.Target.KeyPath))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), warnMsg("Reusing existing key %s", cfg.Target.KeyPath))
			}
			if err := gssh.EnsureKnownHostsFile(cfg.Target.KnownHosts); err != nil {
				return err
			}
			if err := core.WriteConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("Wrote %s", path))
			fmt.Fprintln(cmd.OutOrStdout(), infoMsg("Next: hoist cloud-init > user-data.yaml, or add %s.pub to the target's authorized_keys, then hoist check --trust", cfg.Target.KeyPath))
			return nil
		},
	}
	cmd.Flags().String("host", "", "target host name or IP")
	cmd.Flags().String("user", "deploy", "SSH user on the target")
	cmd.Flags().String("registry", "", "image registry, e.g. ghcr.io/acme")
	cmd.Flags().String("image", "", "image name")
	cmd.Flags().String("service", "app", "container name on the target")
	cmd.Flags().Int("port", 80, "host port the service is published on")
	cmd.Flags().Int("container-port", 8080, "port the service listens on inside the container")
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// resolveRef picks the image to deploy: an explicit argument, the configured
// repository at --tag, the configured repository at the git-derived tag, or
// the configured reference as is.
func resolveRef(cfg core.Config, args []string, tag string, fromGit bool, gitDir, branch string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if fromGit {
		t, err := image.GitTag(gitDir, branch)
		if err != nil {
			return "", err
		}
		tag = t
	}
	base, err := cfg.ImageRef()
	if err != nil {
		return "", fmt.Errorf("no image reference given and none configured: %w", err)
	}
	if tag == "" {
		return base.String(), nil
	}
	ref, err := base.WithTag(tag)
	if err != nil {
		return "", err
	}
	return ref.String(), nil
}

// progress prints one line per phase change.
func progress(w io.Writer) core.Observer {
	return func(ev core.Event) {
		if ev.From == ev.To {
			if ev.Err != nil {
				fmt.Fprintln(w, muted(fmt.Sprintf("  poll %d: %v", ev.Poll, ev.Err)))
			}
			return
		}
		fmt.Fprintf(w, "%s %s\n", muted(ev.At.Format("15:04:05")), phaseText(ev.To.String()))
	}
}

func printResult(cmd *cobra.Command, res core.Result, err error, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if jerr := printJSON(out, res.Deployment.Record()); jerr != nil {
			return jerr
		}
		return err
	}
	if err != nil {
		return err
	}
	pairs := []pair{
		kv("ID", res.Deployment.ID),
		kv("Image", res.Deployment.Ref),
		kv("Polls", strconv.Itoa(res.Deployment.Polls)),
		kv("Elapsed", res.Elapsed.Round(time.Millisecond).String()),
	}
	if res.Previous != nil {
		pairs = append(pairs, kv("Replaced", res.Previous.Image))
	}
	fmt.Fprintln(out, successMsg("Deployed %s", res.Deployment.Ref))
	fmt.Fprint(out, keyValues("  ", pairs...))
	return nil
}

// Deploy an image
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy [image]",
		Short: "Replace the running container with a new image and wait for it to become healthy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, _ := cmd.Flags().GetString("tag")
			fromGit, _ := cmd.Flags().GetBool("git")
			branch, _ := cmd.Flags().GetString("branch")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			raw, err := resolveRef(cfg, args, tag, fromGit, ".", branch)
			if err != nil {
				return err
			}

			var observer core.Observer
			if !asJSON {
				observer = progress(cmd.ErrOrStderr())
			}
			s, err := openSession(cmd.Context(), cfg, observer)
			if err != nil {
				return err
			}
			defer s.Close()

			if local := s.cfg.Service.LocalEnvFile; local != "" {
				log.Info().Str("local", local).Str("remote", s.cfg.Service.EnvFile).Msg("Uploading env file")
				if err := core.NewFileTransfer(s.conn).TransferFile(cmd.Context(), local, s.cfg.Service.EnvFile, 0o600); err != nil {
					return fmt.Errorf("upload env file: %w", err)
				}
			}

			res, err := s.orch.Deploy(cmd.Context(), raw)
			return printResult(cmd, res, err, asJSON)
		},
	}
	cmd.Flags().String("tag", "", "deploy the configured image at this tag")
	cmd.Flags().Bool("git", false, "derive the tag from the current git commit")
	cmd.Flags().String("branch", "", "branch name for --git when HEAD is detached")
	cmd.Flags().Bool("json", false, "print the deployment record as JSON")
	return cmd
}

// Roll back to the previous image
func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Redeploy the last image that deployed successfully before the current one",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var observer core.Observer
			if !asJSON {
				observer = progress(cmd.ErrOrStderr())
			}
			s, err := openSession(cmd.Context(), cfg, observer)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.orch.Rollback(cmd.Context())
			if errors.Is(err, core.ErrNoRollbackTarget) {
				return err
			}
			return printResult(cmd, res, err, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print the deployment record as JSON")
	return cmd
}

func renderStatus(w io.Writer, st api.DeployStatus) {
	pairs := []pair{kv("Host", st.Host), kv("Slot", st.Slot), kv("Runtime", st.Runtime)}
	if st.Instance == nil {
		pairs = append(pairs, kv("Instance", muted("none")))
	} else {
		state := successStyle.Render(st.Instance.Status)
		if !st.Instance.Running {
			state = errorStyle.Render(st.Instance.Status)
		}
		pairs = append(pairs,
			kv("Container", st.Instance.Name+" "+muted(shortID(st.Instance.ID))),
			kv("Image", st.Instance.Image),
			kv("State", state),
		)
	}
	if st.Healthy != nil {
		h := successStyle.Render("healthy")
		if !*st.Healthy {
			h = errorStyle.Render("unhealthy")
		}
		pairs = append(pairs, kv("Health", h))
	}
	if st.Last != nil {
		last := phaseText(st.Last.Phase) + " " + st.Last.Ref + " " + muted(st.Last.StartedAt.Local().Format(time.DateTime))
		if st.Last.ErrorKind != "" {
			last += " " + errorStyle.Render(st.Last.ErrorKind)
		}
		pairs = append(pairs, kv("Last deploy", last))
	}
	fmt.Fprint(w, keyValues("", pairs...))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Show what is running
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the container in the slot and the last deploy",
		RunE: func(cmd *cobra.Command, args []string) error {
			probe, _ := cmd.Flags().GetBool("probe")
			asJSON, _ := cmd.Flags().GetBool("json")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			st, err := s.orch.Status(cmd.Context(), probe)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().Bool("probe", false, "also run one health check")
	cmd.Flags().Bool("json", false, "print status as JSON")
	return cmd
}

func historyRows(ds []core.Deployment) [][]string {
	rows := make([][]string, 0, len(ds))
	for _, d := range ds {
		dur := "-"
		if d.Duration() > 0 {
			dur = d.Duration().Round(time.Second).String()
		}
		rows = append(rows, []string{
			d.StartedAt.Local().Format(time.DateTime),
			d.Ref,
			d.Phase.String(),
			d.ErrorKind.String(),
			strconv.Itoa(d.Polls),
			dur,
			d.ID[:min(8, len(d.ID))],
		})
	}
	return rows
}

// List past deploys
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deploys for the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			asJSON, _ := cmd.Flags().GetBool("json")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.History.Disabled {
				return errors.New("history is disabled in the config")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			host, port := cfg.Target.Host, cfg.Service.HostPort
			if all {
				host, port = "", 0
			}
			ds, err := store.List(cmd.Context(), host, port, limit)
			if err != nil {
				return err
			}
			if asJSON {
				recs := make([]api.DeploymentRecord, 0, len(ds))
				for _, d := range ds {
					recs = append(recs, d.Record())
				}
				return printJSON(cmd.OutOrStdout(), recs)
			}
			if len(ds) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), muted("No deploys recorded."))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"STARTED", "IMAGE", "PHASE", "ERROR", "POLLS", "TOOK", "ID"},
				historyRows(ds),
			))
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of rows")
	cmd.Flags().Bool("all", false, "include every target, not only the configured one")
	cmd.Flags().Bool("json", false, "print records as JSON")
	return cmd
}

// Print the image tag for the current commit
func newTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Print the <branch>-<short-hash> image tag for the current commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			branch, _ := cmd.Flags().GetString("branch")
			tag, err := image.GitTag(dir, branch)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tag)
			return nil
		},
	}
	cmd.Flags().String("dir", ".", "directory inside the git repository")
	cmd.Flags().String("branch", "", "branch name, for detached checkouts")
	return cmd
}

// Check the target is reachable and ready
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify SSH access and the tools hoist needs on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			trust, _ := cmd.Flags().GetBool("trust")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if trust {
				fp, err := gssh.TrustHost(cmd.Context(), cfg.Target.KnownHosts, cfg.Addr(), gssh.NetDialer{Timeout: time.Duration(cfg.Target.TimeoutSeconds) * time.Second})
				if err != nil {
					return err
				}
				fmt.Fprintln(out, successMsg("Host key %s trusted", fp))
			}
			conn, err := dialTarget(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Fprintln(out, successMsg("SSH %s@%s", cfg.Target.User, cfg.Addr()))

			docker := cfg.Runtime.DockerBinary
			if docker == "" {
				docker = "docker"
			}
			checks := []struct {
				name, command string
			}{
				{"docker", docker + " version --format '{{.Server.Version}}'"},
				{"curl", "curl --version"},
			}
			failed := 0
			for _, c := range checks {
				res, err := conn.Run(cmd.Context(), c.command)
				if err != nil {
					failed++
					fmt.Fprintln(out, errorMsg("%s: %v", c.name, err))
					continue
				}
				first, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
				fmt.Fprintln(out, successMsg("%s %s", c.name, muted(first)))
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().Bool("trust", false, "record the host key in known_hosts on first contact")
	return cmd
}

// Print cloud-init user data for a new target
func newCloudInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud-init",
		Short: "Print cloud-init user data that prepares a host as a deploy target",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			key, _ := cmd.Flags().GetString("key")
			if key == "" {
				key = filepath.Join(filepath.Dir(configPath(cmd)), "id_ed25519.pub")
			}
			pub, err := os.ReadFile(key)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), core.CloudInitUserData(user, strings.TrimSpace(string(pub))))
			return nil
		},
	}
	cmd.Flags().String("user", "deploy", "user to create")
	cmd.Flags().String("key", "", "public key file (default: id_ed25519.pub next to the config)")
	return cmd
}
