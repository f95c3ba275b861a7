// Package engine drives an external container engine through its command-line interface.
// Every invocation is fail-soft: launch failures, non-zero exits and timeouts are
// returned as CommandResult data rather than Go errors.
package engine

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

const (
	defaultBinary         = "docker"
	defaultCommandTimeout = 60 * time.Second
	defaultWaitDelay      = 2 * time.Second

	// rcLaunchFailed marks an invocation that never produced an exit status.
	rcLaunchFailed = -1
)

// Config holds engine CLI settings.
type Config struct {
	// Binary is the engine executable, "docker" when empty.
	Binary string
	// CommandTimeout bounds short-lived subcommands (create, start, inspect, kill).
	CommandTimeout time.Duration
}

// CLI invokes engine subcommands as subprocesses.
type CLI struct {
	binary  string
	timeout time.Duration
}

// NewCLI creates an engine CLI wrapper.
func NewCLI(cfg Config) *CLI {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &CLI{binary: cfg.Binary, timeout: cfg.CommandTimeout}
}

// CommandResult is the raw outcome of one engine invocation.
type CommandResult struct {
	Cmd      []string `json:"cmd,omitempty"`
	RC       int      `json:"rc"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Error    string   `json:"error,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`
}

// OK reports a zero exit status.
func (r CommandResult) OK() bool {
	return r.RC == 0 && r.Error == ""
}

// Exec runs one engine subcommand to completion. A non-positive timeout uses the
// configured command timeout.
func (c *CLI) Exec(ctx context.Context, timeout time.Duration, args ...string) CommandResult {
	if timeout <= 0 {
		timeout = c.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.binary, args...)
	cmd.WaitDelay = defaultWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{
		Cmd:    append([]string{c.binary}, args...),
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		res.RC = exitErr.ExitCode()
	} else {
		res.RC = rcLaunchFailed
		res.Error = err.Error()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.RC = rcLaunchFailed
		if res.Error == "" {
			res.Error = runCtx.Err().Error()
		}
	}
	return res
}

// Version probes the engine self-description.
func (c *CLI) Version(ctx context.Context) Document {
	return decodeDocument(c.Exec(ctx, 0, "version", "--format", "{{json .}}"))
}

// Pull fetches an image.
func (c *CLI) Pull(ctx context.Context, image string, timeout time.Duration) CommandResult {
	return c.Exec(ctx, timeout, "pull", image)
}

// Create runs `create` with prebuilt arguments (without the subcommand name).
func (c *CLI) Create(ctx context.Context, args []string) CommandResult {
	return c.Exec(ctx, 0, append([]string{"create"}, args...)...)
}

// Start starts a created container.
func (c *CLI) Start(ctx context.Context, containerID string) CommandResult {
	return c.Exec(ctx, 0, "start", containerID)
}

// Inspect returns the full inspect document of a container.
func (c *CLI) Inspect(ctx context.Context, containerID string) InspectResult {
	return decodeInspect(c.Exec(ctx, 0, "inspect", containerID))
}

// State returns the container's State object.
func (c *CLI) State(ctx context.Context, containerID string) StateResult {
	return decodeState(c.Exec(ctx, 0, "inspect", "--format", "{{json .State}}", containerID))
}

// Kill sends SIGKILL to the container.
func (c *CLI) Kill(ctx context.Context, containerID string) CommandResult {
	return c.Exec(ctx, 0, "kill", containerID)
}

// Wait blocks until the container stops or the timeout elapses.
func (c *CLI) Wait(ctx context.Context, containerID string, timeout time.Duration) CommandResult {
	return c.Exec(ctx, timeout, "wait", containerID)
}
