// Package recorder drives the per-channel recording state machines: a
// supervisor polls every registered channel on a fixed interval and each
// channel's session owns at most one capture subprocess at a time.
package recorder

import (
	"context"
	"os"
	"os/exec"
)

// Handle is a running subprocess owned by a session or download job.
// Done is closed when the process exits; Err reports the exit error after
// that. Termination is explicit through Terminate/Kill, not tied to a
// context, so the owner controls the graceful-stop escalation.
type Handle interface {
	Done() <-chan struct{}
	Err() error
	Terminate() error
	Kill() error
}

// Launcher spawns external capture/download tools. Substituted with a fake
// in tests.
type Launcher interface {
	Start(ctx context.Context, name string, args ...string) (Handle, error)
}

// ExecLauncher runs real subprocesses via os/exec.
type ExecLauncher struct{}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

// Err returns the process exit error. Only valid once Done is closed.
func (h *execHandle) Err() error { return h.err }

// Terminate asks the process to stop gracefully. streamlink and yt-dlp both
// finalize their output file on SIGINT.
func (h *execHandle) Terminate() error { return h.cmd.Process.Signal(os.Interrupt) }

func (h *execHandle) Kill() error { return h.cmd.Process.Kill() }

func (ExecLauncher) Start(_ context.Context, name string, args ...string) (Handle, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}
