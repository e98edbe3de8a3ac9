package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"
)

// killGrace bounds how long Wait keeps reading output once the worker has
// exited or been killed.
const killGrace = time.Second

// ExecLauncher runs the worker as a local child process.
type ExecLauncher struct {
	Path    string
	Args    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

func (l *ExecLauncher) Name() string {
	return "exec:" + l.Path
}

// Command returns the argv used for a run of the given workload size.
func (l *ExecLauncher) Command(workloadSize int) []string {
	argv := make([]string, 0, len(l.Args)+2)
	argv = append(argv, l.Path)
	argv = append(argv, l.Args...)
	return append(argv, strconv.Itoa(workloadSize))
}

func (l *ExecLauncher) Launch(ctx context.Context, index, workloadSize int) (Handle, error) {
	argv := l.Command(workloadSize)
	h := &execHandle{}
	h.cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	h.cmd.Stdout = &h.stdout
	h.cmd.Stderr = &h.stderr
	h.cmd.Dir = l.Dir
	setProcessGroup(h.cmd)
	h.cmd.Cancel = func() error { return killProcessGroup(h.cmd) }
	h.cmd.WaitDelay = killGrace
	if len(l.Env) > 0 {
		h.cmd.Env = os.Environ()
		for k, v := range l.Env {
			h.cmd.Env = append(h.cmd.Env, k+"="+v)
		}
	}

	h.start = time.Now()
	if err := h.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: run %d: %w", ErrLaunch, index, err)
	}
	if l.Timeout > 0 {
		h.timer = time.AfterFunc(l.Timeout, func() {
			h.timedOut.Store(true)
			_ = killProcessGroup(h.cmd)
		})
	}
	return h, nil
}

type execHandle struct {
	cmd      *exec.Cmd
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	start    time.Time
	timer    *time.Timer
	timedOut atomic.Bool
	waited   atomic.Bool
}

func (h *execHandle) Wait() (*Completion, error) {
	if !h.waited.CompareAndSwap(false, true) {
		return nil, ErrAlreadyWaited
	}
	err := h.cmd.Wait()
	if h.timer != nil {
		h.timer.Stop()
	}
	// Background children left in the worker's group go with it.
	_ = killProcessGroup(h.cmd)
	c := &Completion{
		Stdout:   h.stdout.String(),
		Stderr:   h.stderr.String(),
		Duration: time.Since(h.start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			c.ExitCode = exitErr.ExitCode()
		case h.cmd.ProcessState != nil:
			// Killed through the launch context, or output cut off after
			// killGrace. Wait reports that instead of the exit status.
			c.ExitCode = h.cmd.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("waiting for worker: %w", err)
		}
	}
	// The timer may fire between a clean exit and Stop; only a kill counts.
	if h.timedOut.Load() && h.cmd.ProcessState != nil && h.cmd.ProcessState.ExitCode() == -1 {
		c.TimedOut = true
		c.ExitCode = TimeoutExitCode
	}
	return c, nil
}
