// Package launcher turns a run request into engine create/start invocations.
package launcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"diagrun/internal/diagrun/engine"
	"diagrun/internal/diagrun/spec"
)

const minPullTimeout = 120 * time.Second

// Engine is the subset of the engine CLI used to launch containers.
type Engine interface {
	Pull(ctx context.Context, image string, timeout time.Duration) engine.CommandResult
	Create(ctx context.Context, args []string) engine.CommandResult
	Start(ctx context.Context, containerID string) engine.CommandResult
}

// Config holds launcher settings.
type Config struct {
	// PullTimeout is the lower bound for image pulls; the request timeout wins when larger.
	PullTimeout time.Duration
}

// Launcher issues pull, create and start for one request.
type Launcher struct {
	engine      Engine
	pullTimeout time.Duration
}

// New creates a launcher.
func New(eng Engine, cfg Config) *Launcher {
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = minPullTimeout
	}
	return &Launcher{engine: eng, pullTimeout: cfg.PullTimeout}
}

// Pull fetches the request image. Failure is returned as data and never aborts a run.
func (l *Launcher) Pull(ctx context.Context, req spec.RunRequest) engine.CommandResult {
	timeout := l.pullTimeout
	if t := req.Timeout(); t > timeout {
		timeout = t
	}
	return l.engine.Pull(ctx, req.Image, timeout)
}

// Create creates the container. The returned id is empty when create failed.
func (l *Launcher) Create(ctx context.Context, req spec.RunRequest) (string, engine.CommandResult) {
	res := l.engine.Create(ctx, BuildCreateArgs(req))
	if !res.OK() {
		return "", res
	}
	return ContainerID(res.Stdout), res
}

// Start starts a created container.
func (l *Launcher) Start(ctx context.Context, containerID string) engine.CommandResult {
	return l.engine.Start(ctx, containerID)
}

// ContainerID returns the last non-empty line of create output.
func ContainerID(stdout string) string {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if id := strings.TrimSpace(lines[i]); id != "" {
			return id
		}
	}
	return ""
}

// BuildCreateArgs renders the create arguments, without the subcommand name.
// Env and labels are emitted in key order so that captured arguments are stable.
func BuildCreateArgs(req spec.RunRequest) []string {
	args := []string{"--init", "--rm"}
	if req.WorkDir != "" {
		args = append(args, "-w", req.WorkDir)
	}
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "-e", k+"="+req.Env[k])
	}
	for _, m := range req.Mounts {
		args = append(args, "--mount", MountArg(m))
	}
	for _, k := range sortedKeys(req.Labels) {
		args = append(args, "--label", k+"="+req.Labels[k])
	}

	r := req.Resources
	if r.Memory != "" {
		args = append(args, "--memory", r.Memory)
	}
	if r.CPUs != "" {
		args = append(args, "--cpus", r.CPUs)
	}
	if r.PidsLimit != nil {
		args = append(args, "--pids-limit", strconv.FormatInt(*r.PidsLimit, 10))
	}
	if r.UlimitNofile != nil {
		n := strconv.FormatInt(*r.UlimitNofile, 10)
		args = append(args, "--ulimit", fmt.Sprintf("nofile=%s:%s", n, n))
	}

	args = append(args, req.Image)
	return append(args, req.Command...)
}

// MountArg renders one bind mount with an absolute host path.
func MountArg(m spec.MountSpec) string {
	out := fmt.Sprintf("type=bind,src=%s,dst=%s", resolveHostPath(m.HostPath), m.ContainerPath)
	if m.ReadOnly {
		out += ",readonly"
	}
	return out
}

func resolveHostPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
