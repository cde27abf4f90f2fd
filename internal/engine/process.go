package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// stopGracePeriod is how long a host gets to exit after an interrupt.
const stopGracePeriod = 5 * time.Second

// ProcessOptions describes how to spawn an engine host.
type ProcessOptions struct {
	// Binary is the engine host executable.
	Binary string
	// SocketPath is the Unix socket the host listens on.
	SocketPath string
	// ScriptPath optionally scripts the host's behavior.
	ScriptPath string
	// LogPath receives the host's stdout and stderr. Empty discards them.
	LogPath string
	// Env is appended to the current environment.
	Env []string
}

// Process is a spawned engine host.
type Process struct {
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{}
	waitErr error
}

// StartProcess spawns the engine host described by opts.
func StartProcess(opts ProcessOptions) (*Process, error) {
	if opts.Binary == "" {
		return nil, errors.New("engine host binary is required")
	}
	if opts.SocketPath == "" {
		return nil, errors.New("engine host socket path is required")
	}

	// A stale socket from a crashed run would make the host's listen fail.
	if err := os.Remove(opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	args := []string{"--socket", opts.SocketPath}
	if opts.ScriptPath != "" {
		args = append(args, "--script", opts.ScriptPath)
	}
	cmd := exec.Command(opts.Binary, args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	p := &Process{cmd: cmd, exited: make(chan struct{})}
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open engine log: %w", err)
		}
		p.logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		p.closeLog()
		return nil, fmt.Errorf("start engine host: %w", err)
	}

	go func() {
		p.waitErr = cmd.Wait()
		p.closeLog()
		close(p.exited)
	}()

	return p, nil
}

// Pid returns the host's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the host process has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Stop interrupts the host and waits for it to exit, killing it if it is
// still running after the grace period or when ctx is done.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Already gone between the check above and the signal.
		<-p.exited
		return nil
	}

	timer := time.NewTimer(stopGracePeriod)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill engine host: %w", err)
	}
	<-p.exited
	return nil
}

func (p *Process) closeLog() {
	if p.logFile != nil {
		p.logFile.Close()
	}
}

// Host is a spawned engine host together with the client connected to it.
type Host struct {
	*Client
	proc *Process
}

// Launch spawns an engine host and connects to it.
func Launch(ctx context.Context, opts ProcessOptions, logger *slog.Logger) (*Host, error) {
	proc, err := StartProcess(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("engine host started", "pid", proc.Pid(), "socket", opts.SocketPath)

	client, err := Dial(ctx, opts.SocketPath, logger)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
		defer cancel()
		if stopErr := proc.Stop(stopCtx); stopErr != nil {
			logger.Error("stop engine host after failed dial", "error", stopErr)
		}
		return nil, err
	}

	return &Host{Client: client, proc: proc}, nil
}

// Process returns the underlying host process.
func (h *Host) Process() *Process {
	return h.proc
}

// Close disconnects from the host and stops the process.
func (h *Host) Close() error {
	clientErr := h.Client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*stopGracePeriod)
	defer cancel()
	if err := h.proc.Stop(ctx); err != nil {
		return err
	}
	if clientErr != nil {
		return fmt.Errorf("close engine connection: %w", clientErr)
	}
	return nil
}
