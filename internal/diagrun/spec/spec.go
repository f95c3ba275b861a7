// Package spec defines the run request submitted to the orchestrator.
package spec

import (
	"strings"
	"time"

	appErr "diagrun/pkg/errors"

	"github.com/google/shlex"
)

// DefaultTimeoutSeconds applies when a request carries no positive timeout.
const DefaultTimeoutSeconds = 600.0

// DockerResources describes optional engine resource flags.
// Unset fields are omitted from the create invocation.
type DockerResources struct {
	Memory       string `json:"memory,omitempty" yaml:"memory"`
	CPUs         string `json:"cpus,omitempty" yaml:"cpus"`
	PidsLimit    *int64 `json:"pids_limit,omitempty" yaml:"pidsLimit"`
	UlimitNofile *int64 `json:"ulimit_nofile,omitempty" yaml:"ulimitNofile"`
}

// MountSpec describes a bind mount inside the container.
type MountSpec struct {
	HostPath      string `json:"host_path" yaml:"hostPath"`
	ContainerPath string `json:"container_path" yaml:"containerPath"`
	ReadOnly      bool   `json:"read_only" yaml:"readOnly"`
}

// RunRequest describes one diagnostic run.
type RunRequest struct {
	Image   string   `json:"image" yaml:"image"`
	Command []string `json:"command" yaml:"command"`
	// CommandLine is split with shell quoting rules when Command is empty.
	CommandLine    string            `json:"command_line,omitempty" yaml:"commandLine"`
	Name           string            `json:"name,omitempty" yaml:"name"`
	WorkDir        string            `json:"workdir,omitempty" yaml:"workdir"`
	Mounts         []MountSpec       `json:"mounts" yaml:"mounts"`
	Env            map[string]string `json:"env" yaml:"env"`
	Resources      DockerResources   `json:"resources" yaml:"resources"`
	TimeoutSeconds float64           `json:"timeout_s" yaml:"timeoutSeconds"`
	Pull           bool              `json:"pull" yaml:"pull"`
	Labels         map[string]string `json:"labels" yaml:"labels"`
}

// Validate checks the fields the engine cannot run without.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.Image) == "" {
		return appErr.ValidationError("image", "required")
	}
	if r.TimeoutSeconds < 0 {
		return appErr.ValidationError("timeout_s", "must not be negative")
	}
	for i, m := range r.Mounts {
		if m.HostPath == "" || m.ContainerPath == "" {
			return appErr.ValidationError("mounts", "host and container path are required").
				WithDetail("index", i)
		}
	}
	if r.Resources.PidsLimit != nil && *r.Resources.PidsLimit == 0 {
		return appErr.ValidationError("resources.pids_limit", "must not be zero")
	}
	if r.Resources.UlimitNofile != nil && *r.Resources.UlimitNofile <= 0 {
		return appErr.ValidationError("resources.ulimit_nofile", "must be positive")
	}
	return nil
}

// Normalized returns a deep copy with defaults applied and the command resolved.
// The caller's request is never mutated.
func (r RunRequest) Normalized() (RunRequest, error) {
	out := r
	out.Command = append([]string(nil), r.Command...)
	out.Mounts = append([]MountSpec(nil), r.Mounts...)
	out.Env = copyMap(r.Env)
	out.Labels = copyMap(r.Labels)
	if r.Resources.PidsLimit != nil {
		v := *r.Resources.PidsLimit
		out.Resources.PidsLimit = &v
	}
	if r.Resources.UlimitNofile != nil {
		v := *r.Resources.UlimitNofile
		out.Resources.UlimitNofile = &v
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if len(out.Command) == 0 && strings.TrimSpace(out.CommandLine) != "" {
		fields, err := shlex.Split(out.CommandLine)
		if err != nil {
			return RunRequest{}, appErr.Wrapf(err, appErr.CommandParseError, "split command line failed")
		}
		out.Command = fields
	}
	return out, nil
}

// Timeout returns the request timeout as a duration.
func (r RunRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
