package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"diagrun/internal/diagrun/spec"
	appErr "diagrun/pkg/errors"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// runOptions holds the `run` flags. Flags override fields loaded from --request.
type runOptions struct {
	requestPath  string
	image        string
	name         string
	workdir      string
	commandLine  string
	mounts       []string
	env          []string
	labels       []string
	memory       string
	cpus         string
	pidsLimit    int64
	ulimitNofile int64
	timeout      float64
	pull         bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.requestPath, "request", "", "Load the run request from a YAML or JSON file")
	f.StringVar(&o.image, "image", "", "Image to run")
	f.StringVar(&o.name, "name", "", "Run name used for the artifacts directory")
	f.StringVarP(&o.workdir, "workdir", "w", "", "Working directory inside the container")
	f.StringVar(&o.commandLine, "cmd", "", "Command as a single shell-quoted string")
	f.StringArrayVar(&o.mounts, "mount", nil, "Bind mount host:container[:ro] (repeatable)")
	f.StringArrayVarP(&o.env, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	f.StringArrayVar(&o.labels, "label", nil, "Container label KEY=VALUE (repeatable)")
	f.StringVar(&o.memory, "memory", "", "Memory limit, e.g. 512m")
	f.StringVar(&o.cpus, "cpus", "", "CPU limit, e.g. 1.5")
	f.Int64Var(&o.pidsLimit, "pids-limit", 0, "Process limit (-1 for unlimited)")
	f.Int64Var(&o.ulimitNofile, "ulimit-nofile", 0, "Open file limit")
	f.Float64Var(&o.timeout, "timeout", 0, "Run timeout in seconds (default 600)")
	f.BoolVar(&o.pull, "pull", false, "Pull the image before creating the container")
}

// buildRequest merges the request file, the flags and the trailing command.
// changed reports whether a flag was set on the command line.
func (o *runOptions) buildRequest(changed func(string) bool, args []string) (spec.RunRequest, error) {
	var req spec.RunRequest
	if o.requestPath != "" {
		loaded, err := loadRequest(o.requestPath)
		if err != nil {
			return spec.RunRequest{}, err
		}
		req = loaded
	}

	if changed("image") {
		req.Image = o.image
	}
	if changed("name") {
		req.Name = o.name
	}
	if changed("workdir") {
		req.WorkDir = o.workdir
	}
	if changed("cmd") {
		req.CommandLine = o.commandLine
		req.Command = nil
	}
	if len(args) > 0 {
		req.Command = append([]string(nil), args...)
	}
	for _, raw := range o.mounts {
		m, err := parseMount(raw)
		if err != nil {
			return spec.RunRequest{}, err
		}
		req.Mounts = append(req.Mounts, m)
	}
	if err := mergeKV(&req.Env, o.env, "env"); err != nil {
		return spec.RunRequest{}, err
	}
	if err := mergeKV(&req.Labels, o.labels, "label"); err != nil {
		return spec.RunRequest{}, err
	}
	if changed("memory") {
		req.Resources.Memory = o.memory
	}
	if changed("cpus") {
		req.Resources.CPUs = o.cpus
	}
	if changed("pids-limit") {
		v := o.pidsLimit
		req.Resources.PidsLimit = &v
	}
	if changed("ulimit-nofile") {
		v := o.ulimitNofile
		req.Resources.UlimitNofile = &v
	}
	if changed("timeout") {
		req.TimeoutSeconds = o.timeout
	}
	if changed("pull") {
		req.Pull = o.pull
	}
	return req, nil
}

// loadRequest decodes a request file; .json files use the snake_case field names,
// everything else is read as YAML.
func loadRequest(path string) (spec.RunRequest, error) {
	var req spec.RunRequest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, appErr.Wrapf(err, appErr.InvalidParams, "read request file failed")
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, appErr.Wrapf(err, appErr.InvalidFormat, "parse request file failed")
		}
		return req, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return req, appErr.Wrapf(err, appErr.InvalidParams, "read request file failed")
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, appErr.Wrapf(err, appErr.InvalidFormat, "parse request file failed")
	}
	return req, nil
}

// parseMount parses host:container[:ro|rw].
func parseMount(raw string) (spec.MountSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return spec.MountSpec{}, appErr.ValidationError("mount", "expected host:container[:ro]").WithDetail("value", raw)
	}
	m := spec.MountSpec{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return spec.MountSpec{}, appErr.ValidationError("mount", "mode must be ro or rw").WithDetail("value", raw)
		}
	}
	return m, nil
}

func mergeKV(dst *map[string]string, pairs []string, field string) error {
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return appErr.ValidationError(field, "expected KEY=VALUE").WithDetail("value", pair)
		}
		if *dst == nil {
			*dst = make(map[string]string)
		}
		(*dst)[k] = v
	}
	return nil
}
