// lspmux is the management CLI of spec.md §6: it starts/finds the
// per-(server, project) daemon and proxies standard streams to it, lists,
// kills, and prunes known daemons, and (supplemental, see SPEC_FULL.md)
// reports diagnostic status without starting anything.
//
// Grounded in cmd/grove/main.go's subcommand set, restructured onto
// spf13/cobra per the broader example pack's idiom for this shape of tool
// (the teacher's own hand-rolled flag/switch dispatch lives outside this
// spec's audited core).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ianremillard/lspmux/internal/cliutil"
	"github.com/ianremillard/lspmux/internal/config"
	"github.com/ianremillard/lspmux/internal/discovery"
	"github.com/ianremillard/lspmux/internal/registry"
	"github.com/ianremillard/lspmux/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "lspmux",
		Short: "multiplex editor clients onto shared language-server daemons",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return cliutil.Usagef("%s: %w", cmd.Name(), err)
	})
	root.AddCommand(
		newConnectCmd(),
		newPsCmd(),
		newKillCmd(),
		newPruneCmd(),
		newDoctorCmd(),
	)
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cliutil.ExitCode(err))
}

func newConnectCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "connect <server>",
		Short: "proxy stdio to the per-(server, project) daemon, starting it if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return cliutil.Usagef("connect: need exactly one server name")
			}
			return runConnect(args[0], project)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project root (default: current directory)")
	return cmd
}

func runConnect(serverName, project string) error {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("connect: refusing to proxy an interactive terminal; pipe an LSP client's stdio into this command")
	}

	projectRoot, err := resolveProject(project)
	if err != nil {
		return err
	}
	cfg, err := config.Load("", 0)
	if err != nil {
		return err
	}
	reg, err := registry.LoadWithOverlay(cfg.ServersOverlayPath())
	if err != nil {
		return err
	}
	spec, err := reg.Lookup(serverName)
	if err != nil {
		return err
	}

	st := store.New(cfg.InstancesDir())
	key := store.Key(spec.Name, projectRoot)
	socketPath := st.SocketPath(key)

	if !store.IsListening(socketPath) {
		if err := spawnDaemon(spec.Name, projectRoot, socketPath); err != nil {
			return err
		}
		if err := waitForSocket(socketPath, 5*time.Second); err != nil {
			return err
		}
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(conn, os.Stdin)
		// Pass stdin's EOF on to the daemon so it drops this client and
		// closes the connection, which ends the copy below.
		if uc, ok := conn.(*net.UnixConn); ok {
			uc.CloseWrite()
		}
	}()
	go func() { defer wg.Done(); io.Copy(os.Stdout, conn) }()
	wg.Wait()
	return nil
}

// spawnDaemon starts lspmuxd detached from this process's session so it
// outlives the connect command that spawned it.
func spawnDaemon(serverName, projectRoot, socketPath string) error {
	daemonPath, err := locateDaemonBinary()
	if err != nil {
		return err
	}
	cmd := exec.Command(daemonPath, "--server", serverName, "--projectRoot", projectRoot, "--socket", socketPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("connect: start daemon: %w", err)
	}
	return cmd.Process.Release()
}

// locateDaemonBinary finds lspmuxd alongside this executable, falling back
// to PATH.
func locateDaemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "lspmuxd")
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath("lspmuxd")
}

func waitForSocket(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if store.IsListening(socketPath) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("connect: daemon did not start listening on %s within %s", socketPath, timeout)
}

func resolveProject(project string) (string, error) {
	if project != "" {
		return filepath.Abs(project)
	}
	return os.Getwd()
}

// status classifies a store.Record the way "lspmux ps --json" reports it
// (SPEC_FULL.md's supplemented status feature): a dead PID is stale,
// alive-but-not-accepting is running, accepting connections is listening.
func status(rec store.Record) string {
	if !store.IsProcessAlive(rec.PID) {
		return "stale"
	}
	if store.IsListening(rec.SocketPath) {
		return "listening"
	}
	return "running"
}

type psEntry struct {
	Server      string `json:"server"`
	ProjectRoot string `json:"projectRoot"`
	SocketPath  string `json:"socketPath"`
	PID         int    `json:"pid"`
	Status      string `json:"status"`
}

func newPsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "list known daemons",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("", 0)
			if err != nil {
				return err
			}
			records, err := store.New(cfg.InstancesDir()).List()
			if err != nil {
				return err
			}
			entries := make([]psEntry, 0, len(records))
			for _, rec := range records {
				entries = append(entries, psEntry{
					Server:      rec.Server,
					ProjectRoot: rec.ProjectRoot,
					SocketPath:  rec.SocketPath,
					PID:         rec.PID,
					Status:      status(rec),
				})
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			for _, e := range entries {
				fmt.Printf("%-16s %-8s %6d  %s\n", e.Server, e.Status, e.PID, e.ProjectRoot)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	return cmd
}

func newKillCmd() *cobra.Command {
	var project string
	var all bool
	cmd := &cobra.Command{
		Use:   "kill [server]",
		Short: "terminate a daemon, or all of them with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("", 0)
			if err != nil {
				return err
			}
			st := store.New(cfg.InstancesDir())

			if all {
				records, err := st.List()
				if err != nil {
					return err
				}
				for _, rec := range records {
					killRecord(st, rec)
				}
				return nil
			}
			if len(args) != 1 {
				return cliutil.Usagef("kill: need a server name, or --all")
			}
			projectRoot, err := resolveProject(project)
			if err != nil {
				return err
			}
			key := store.Key(args[0], projectRoot)
			rec, err := st.Read(key)
			if err != nil {
				return fmt.Errorf("kill: no known daemon for %s in %s", args[0], projectRoot)
			}
			return killRecord(st, rec)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project root (default: current directory)")
	cmd.Flags().BoolVar(&all, "all", false, "kill every known daemon")
	return cmd
}

func killRecord(st *store.Store, rec store.Record) error {
	if store.IsProcessAlive(rec.PID) {
		if proc, err := os.FindProcess(rec.PID); err == nil {
			proc.Signal(syscall.SIGTERM)
		}
	}
	return st.Remove(rec.Key)
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "remove directories for daemons that are no longer running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("", 0)
			if err != nil {
				return err
			}
			st := store.New(cfg.InstancesDir())
			records, err := st.List()
			if err != nil {
				return err
			}
			for _, rec := range records {
				if !store.IsProcessAlive(rec.PID) && !store.IsListening(rec.SocketPath) {
					if err := st.Remove(rec.Key); err != nil {
						fmt.Fprintf(os.Stderr, "prune: %s: %v\n", rec.Key, err)
					}
				}
			}
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "doctor <server>",
		Short: "report resolved binary, registry spec, and daemon status without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return cliutil.Usagef("doctor: need exactly one server name")
			}
			projectRoot, err := resolveProject(project)
			if err != nil {
				return err
			}
			cfg, err := config.Load("", 0)
			if err != nil {
				return err
			}
			reg, err := registry.LoadWithOverlay(cfg.ServersOverlayPath())
			if err != nil {
				return err
			}
			spec, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("server:      %s\n", spec.Name)
			fmt.Printf("diagnostics: %s\n", diagnosticsModeName(spec.Diagnostics))
			binPath, err := discovery.Resolve(spec.Binary)
			if err != nil {
				fmt.Printf("binary:      NOT FOUND (%v)\n", err)
			} else {
				fmt.Printf("binary:      %s\n", binPath)
			}

			st := store.New(cfg.InstancesDir())
			key := store.Key(spec.Name, projectRoot)
			rec, err := st.Read(key)
			if err != nil {
				fmt.Printf("daemon:      not running for %s\n", projectRoot)
				return nil
			}
			fmt.Printf("daemon:      %s (pid %d, %s)\n", status(rec), rec.PID, rec.SocketPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project root (default: current directory)")
	return cmd
}

func diagnosticsModeName(mode registry.DiagnosticsMode) string {
	if mode == registry.Bridge {
		return "bridged (pull-to-push)"
	}
	return "passthrough"
}
