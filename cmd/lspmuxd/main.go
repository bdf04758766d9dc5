// lspmuxd is the internal daemon entry point spawned by `lspmux connect`.
// It is not meant to be run by hand.
//
// Usage:
//
//	lspmuxd --server <name> --projectRoot <path> --socket <path>
//
// Grounded in cmd/groved/main.go: resolve a root directory (here via
// internal/config, which reads LSPMUX_ROOT exactly as groved reads
// GROVE_ROOT), install signal handling that tears the socket down
// cleanly, and hand off to the package that does the real work
// (internal/lifecycle, here; daemon.Run there).
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"

	"github.com/ianremillard/lspmux/internal/cliutil"
	"github.com/ianremillard/lspmux/internal/config"
	"github.com/ianremillard/lspmux/internal/lifecycle"
	"github.com/ianremillard/lspmux/internal/registry"
	"github.com/ianremillard/lspmux/internal/store"
)

func main() {
	var (
		serverName   string
		projectRoot  string
		socketPath   string
		rootOverride string
	)

	cmd := &cobra.Command{
		Use:   "lspmuxd",
		Short: "internal multiplexer daemon process, spawned by lspmux connect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(serverName, projectRoot, socketPath, rootOverride)
		},
	}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return cliutil.Usagef("lspmuxd: %w", err)
	})
	cmd.Flags().StringVar(&serverName, "server", "", "registered server name or alias")
	cmd.Flags().StringVar(&projectRoot, "projectRoot", "", "project root directory")
	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path to listen on")
	cmd.Flags().StringVar(&rootOverride, "root", "", "override the daemon cache root (env: LSPMUX_ROOT)")

	err := cmd.Execute()
	if err != nil {
		log.Print(err)
	}
	os.Exit(cliutil.ExitCode(err))
}

func run(serverName, projectRoot, socketPath, rootOverride string) error {
	if serverName == "" || projectRoot == "" || socketPath == "" {
		return cliutil.Usagef("lspmuxd: --server, --projectRoot, and --socket are all required")
	}

	cfg, err := config.Load(rootOverride, 0)
	if err != nil {
		return fmt.Errorf("lspmuxd: load config: %w", err)
	}

	reg, err := registry.LoadWithOverlay(cfg.ServersOverlayPath())
	if err != nil {
		return fmt.Errorf("lspmuxd: load registry: %w", err)
	}
	spec, err := reg.Lookup(serverName)
	if err != nil {
		return fmt.Errorf("lspmuxd: %w", err)
	}

	logger := funcr.New(func(prefix, args string) {
		log.Print(prefix, args)
	}, funcr.Options{})

	st := store.New(cfg.InstancesDir())
	key := store.Key(spec.Name, projectRoot)

	sup, err := lifecycle.Start(lifecycle.StartConfig{
		Spec:        spec,
		ProjectRoot: projectRoot,
		SocketPath:  socketPath,
		Store:       st,
		StoreKey:    key,
		IdleDelay:   cfg.IdleShutdown,
		LogWriter:   os.Stderr,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("lspmuxd: received %v, shutting down", sig)
		sup.Stop()
	}()

	sup.Wait()
	return nil
}
