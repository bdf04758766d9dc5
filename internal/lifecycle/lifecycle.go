// Package lifecycle is the "lifecycle glue" of spec.md §4.5: it spawns the
// server child, listens on a local socket, hands accepted connections to an
// internal/mux.Mux, and persists the daemon's metadata record for the
// management CLI. Grounded in Daemon.Run's accept loop and
// Instance.processDone's exit-signaling channel (internal/daemon/daemon.go,
// instance.go), generalized from "one daemon process, many named agent
// instances" to "one daemon process, one server child, many clients".
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/ianremillard/lspmux/internal/discovery"
	"github.com/ianremillard/lspmux/internal/mux"
	"github.com/ianremillard/lspmux/internal/registry"
	"github.com/ianremillard/lspmux/internal/store"
)

// StartConfig describes one daemon process: which server to run, for which
// project, where to listen, and where to record itself.
type StartConfig struct {
	Spec        *registry.Spec
	ProjectRoot string
	SocketPath  string

	Store    *store.Store
	StoreKey string

	IdleDelay time.Duration
	LogWriter io.Writer
	Logger    logr.Logger
}

// Supervisor owns one running server child and its socket listener.
type Supervisor struct {
	mu sync.Mutex

	mux      *mux.Mux
	listener net.Listener
	cmd      *exec.Cmd

	socketPath string
	st         *store.Store
	key        string
	logger     logr.Logger

	done chan struct{}
}

// Start resolves the server's binary, spawns it, binds the socket, and
// begins accepting clients. The returned Supervisor's Wait blocks until the
// daemon has torn itself down (server exit or idle timeout).
func Start(cfg StartConfig) (*Supervisor, error) {
	binPath, err := discovery.Resolve(cfg.Spec.Binary)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resolve %s: %w", cfg.Spec.Name, err)
	}

	cmd := exec.Command(binPath, cfg.Spec.Args...)
	cmd.Dir = cfg.ProjectRoot
	cmd.Stderr = cfg.LogWriter

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lifecycle: start %s: %w", binPath, err)
	}

	os.Remove(cfg.SocketPath)
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("lifecycle: listen on %s: %w", cfg.SocketPath, err)
	}

	sup := &Supervisor{
		listener:   listener,
		cmd:        cmd,
		socketPath: cfg.SocketPath,
		st:         cfg.Store,
		key:        cfg.StoreKey,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
	}

	sup.mux = mux.New(mux.Config{
		Spec:           cfg.Spec,
		ProjectRoot:    cfg.ProjectRoot,
		ServerStdin:    stdin,
		ServerStdout:   stdout,
		KillServer:     func() error { return cmd.Process.Kill() },
		WaitServer:     func() (int, string) { return waitProcess(cmd) },
		OnExit:         sup.onServerExit,
		OnIdleShutdown: sup.onIdleShutdown,
		IdleDelay:      cfg.IdleDelay,
		Logger:         cfg.Logger,
	})

	if cfg.Store != nil {
		rec := store.Record{
			Server:      cfg.Spec.Name,
			ProjectRoot: cfg.ProjectRoot,
			SocketPath:  cfg.SocketPath,
			UpdatedAt:   time.Now(),
			PID:         os.Getpid(),
			Key:         cfg.StoreKey,
		}
		if err := cfg.Store.Write(rec); err != nil {
			sup.logger.Error(err, "persist daemon metadata")
		}
	}

	go sup.acceptLoop()
	return sup, nil
}

func (s *Supervisor) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mux.AddClient(conn)
	}
}

func (s *Supervisor) onServerExit(code int, sig string) {
	s.logger.Info("server process exited", "code", code, "signal", sig)
	s.shutdown()
}

func (s *Supervisor) onIdleShutdown() {
	s.logger.Info("idle shutdown: no clients connected within idle delay")
	s.shutdown()
}

// shutdown is idempotent: both onServerExit and a concurrent external Stop
// call may race to run it. done is closed only after the listener, socket
// and metadata record are gone, so Wait returns after teardown completes.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}

	s.listener.Close()
	os.Remove(s.socketPath)
	if s.st != nil {
		if err := s.st.Remove(s.key); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error(err, "remove daemon metadata")
		}
	}
	close(s.done)
}

// Stop tears the daemon down from the outside (e.g. a signal handler).
func (s *Supervisor) Stop() {
	s.cmd.Process.Kill()
	s.shutdown()
}

// Wait blocks until the daemon has shut down.
func (s *Supervisor) Wait() {
	<-s.done
}

func waitProcess(cmd *exec.Cmd) (int, string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, ws.Signal().String()
			}
			return ws.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
