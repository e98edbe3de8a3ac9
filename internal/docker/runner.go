// Package docker runs benchmark workers inside containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"github.com/signalnine/fiberbench/internal/worker"
)

// Launcher starts one container per worker run. The workload size is
// appended to Command.
type Launcher struct {
	Image       string
	Command     []string
	Env         map[string]string
	Timeout     time.Duration
	CPULimit    float64
	MemoryLimit int64

	cli *client.Client
}

func NewLauncher(l Launcher) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	l.cli = cli
	return &l, nil
}

func (l *Launcher) Name() string {
	return "docker:" + l.Image
}

func (l *Launcher) Close() error {
	if l.cli == nil {
		return nil
	}
	return l.cli.Close()
}

// Cmd returns the container command for a run of the given workload size.
func (l *Launcher) Cmd(workloadSize int) []string {
	cmd := append([]string(nil), l.Command...)
	return append(cmd, strconv.Itoa(workloadSize))
}

func (l *Launcher) Launch(ctx context.Context, index, workloadSize int) (worker.Handle, error) {
	envSlice := make([]string, 0, len(l.Env))
	for k, v := range l.Env {
		envSlice = append(envSlice, k+"="+v)
	}

	initTrue := true
	hostCfg := &container.HostConfig{Init: &initTrue}
	if l.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(l.CPULimit * 1e9)
	}
	if l.MemoryLimit > 0 {
		hostCfg.Memory = l.MemoryLimit
	}

	containerCfg := &container.Config{
		Image: l.Image,
		Cmd:   l.Cmd(workloadSize),
		Env:   envSlice,
		Labels: map[string]string{
			"fiberbench":     "true",
			"fiberbench.run": strconv.Itoa(index),
		},
	}

	createResp, err := l.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: run %d: creating container: %w", worker.ErrLaunch, index, err)
	}
	h := &handle{ctx: ctx, cli: l.cli, id: createResp.ID, timeout: l.Timeout}

	h.start = time.Now()
	if _, err := l.cli.ContainerStart(ctx, h.id, client.ContainerStartOptions{}); err != nil {
		h.remove()
		return nil, fmt.Errorf("%w: run %d: starting container: %w", worker.ErrLaunch, index, err)
	}
	return h, nil
}

type handle struct {
	ctx     context.Context
	cli     *client.Client
	id      string
	timeout time.Duration
	start   time.Time
	waited  atomic.Bool
}

func (h *handle) Wait() (*worker.Completion, error) {
	if !h.waited.CompareAndSwap(false, true) {
		return nil, worker.ErrAlreadyWaited
	}
	defer h.remove()

	waitCtx := h.ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(h.ctx, h.timeout)
		defer cancel()
	}

	c := &worker.Completion{}
	waitResult := h.cli.ContainerWait(waitCtx, h.id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	errCh := waitResult.Error
wait:
	for {
		select {
		case err := <-errCh:
			if err == nil {
				// nil error means no error on this channel; wait for result
				errCh = nil
				continue
			}
			h.cli.ContainerKill(context.Background(), h.id, client.ContainerKillOptions{Signal: "SIGKILL"})
			if h.ctx.Err() != nil {
				c.ExitCode = -1
			} else {
				c.TimedOut = true
				c.ExitCode = worker.TimeoutExitCode
			}
			break wait
		case status := <-waitResult.Result:
			c.ExitCode = int(status.StatusCode)
			break wait
		}
	}
	c.Duration = time.Since(h.start)

	if err := h.collectLogs(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *handle) collectLogs(c *worker.Completion) error {
	logReader, err := h.cli.ContainerLogs(context.Background(), h.id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("reading container logs: %w", err)
	}
	defer logReader.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logReader); err != nil {
		return fmt.Errorf("demultiplexing container logs: %w", err)
	}
	c.Stdout = stdout.String()
	c.Stderr = stderr.String()
	return nil
}

func (h *handle) remove() {
	h.cli.ContainerRemove(context.Background(), h.id, client.ContainerRemoveOptions{Force: true})
}
