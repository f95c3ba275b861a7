package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Process is a long-running engine subcommand whose stdout is streamed.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// Follow starts a streaming subcommand such as `logs -f` or `events`.
// The caller must call Wait (directly or through Terminate) to release it.
func (c *CLI) Follow(ctx context.Context, args ...string) (*Process, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.SysProcAttr = processGroupAttr()
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process)
	}
	cmd.WaitDelay = defaultWaitDelay

	p := &Process{cmd: cmd, exited: make(chan struct{})}
	cmd.Stderr = &p.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	p.stdout = stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s %v: %w", c.binary, args, err)
	}
	return p, nil
}

// FollowLogs tails the container's stdout and stderr.
func (c *CLI) FollowLogs(ctx context.Context, containerID string) (*Process, error) {
	return c.Follow(ctx, "logs", "-f", containerID)
}

// FollowEvents tails the container's lifecycle events as JSON lines.
func (c *CLI) FollowEvents(ctx context.Context, containerID string) (*Process, error) {
	return c.Follow(ctx, "events", "--filter", "container="+containerID, "--format", "{{json .}}")
}

// Stdout returns the stream of the subprocess output.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Wait waits for the subprocess to exit. It is safe to call more than once.
// Stdout must be fully consumed or the process terminated before calling Wait.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
	return p.waitErr
}

// Exited is closed once Wait has returned.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Terminate signals the subprocess group to stop.
func (p *Process) Terminate() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return terminateProcessGroup(p.cmd.Process)
}

// Kill force-stops the subprocess group.
func (p *Process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return killProcessGroup(p.cmd.Process)
}

// Stderr returns what the subprocess itself wrote to stderr. Only valid after Wait.
func (p *Process) Stderr() string {
	select {
	case <-p.exited:
		return p.stderr.String()
	default:
		return ""
	}
}
