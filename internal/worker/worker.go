// Package worker launches benchmark worker processes and collects their output.
package worker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLaunch marks a worker that could not be started. It is fatal for
	// the batch that tried to start it.
	ErrLaunch = errors.New("launching worker")

	ErrAlreadyWaited = errors.New("worker already waited on")
)

// TimeoutExitCode is reported for runs killed by the per-run timeout.
const TimeoutExitCode = 124

// Launcher starts one worker for the given batch slot. The workload size is
// passed to the worker as its last argument.
type Launcher interface {
	Launch(ctx context.Context, index, workloadSize int) (Handle, error)
	Name() string
}

// Handle is a started worker. Wait blocks until the worker exits and its
// output has been read, and may be called once.
type Handle interface {
	Wait() (*Completion, error)
}

// Completion is what a finished worker left behind.
type Completion struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// ExitReason names how the worker ended.
func (c *Completion) ExitReason() string {
	return ExitReasonFromCode(c.ExitCode, c.TimedOut)
}

func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	if code == 0 {
		return "completed"
	}
	return "failed"
}
