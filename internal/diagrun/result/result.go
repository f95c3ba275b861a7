// Package result defines run outcomes, lifecycle states and outcome classification.
package result

import (
	"fmt"
	"strings"

	appErr "diagrun/pkg/errors"
)

// RunState represents the lifecycle state of a run.
type RunState string

const (
	StateRequested      RunState = "REQUESTED"
	StatePulling        RunState = "PULLING"
	StateCreated        RunState = "CREATED"
	StateStarting       RunState = "STARTING"
	StateRunning        RunState = "RUNNING"
	StateExited         RunState = "EXITED"
	StateTimedOutKilled RunState = "TIMED_OUT_KILLED"
	StateDead           RunState = "DEAD"
	StateFinalized      RunState = "FINALIZED"
)

// Terminal reports whether the container has stopped in this state.
func (s RunState) Terminal() bool {
	switch s {
	case StateExited, StateTimedOutKilled, StateDead, StateFinalized:
		return true
	}
	return false
}

// Error classification values written to RunResult.Error.
const (
	ErrTimeout              = "timeout"
	ErrArtifactsUnavailable = "artifacts_unavailable"
	ErrInvalidRequest       = "invalid_request"
)

// RunResult is the single outcome of one run. It is built once by Assemble and
// never mutated afterwards.
type RunResult struct {
	OK           bool    `json:"ok"`
	ContainerID  string  `json:"container_id"`
	ExitCode     *int    `json:"exit_code"`
	TimedOut     bool    `json:"timed_out"`
	StartMs      int64   `json:"start_ms"`
	EndMs        int64   `json:"end_ms"`
	ArtifactsDir string  `json:"artifacts_dir"`
	Error        *string `json:"error"`
}

// ErrorString returns the error classification or "".
func (r RunResult) ErrorString() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Stage identifies where a run stopped making progress.
type Stage int

const (
	StageCreateFailed Stage = iota + 1
	StageStartFailed
	StageTerminated
	StageInvalid
	StageNoArtifacts
)

// Outcome is the raw material collected by the launcher, poller and guard.
type Outcome struct {
	Stage        Stage
	RC           int
	ContainerID  string
	ExitCode     *int
	TimedOut     bool
	StartMs      int64
	EndMs        int64
	ArtifactsDir string
}

// Assemble folds an outcome into a RunResult. Error classes are mutually
// exclusive and checked in order: create_failed, start_failed, timeout, exit_code.
func Assemble(o Outcome) RunResult {
	res := RunResult{
		ContainerID:  o.ContainerID,
		TimedOut:     o.TimedOut,
		StartMs:      o.StartMs,
		EndMs:        o.EndMs,
		ArtifactsDir: o.ArtifactsDir,
	}
	if res.EndMs < res.StartMs {
		res.EndMs = res.StartMs
	}
	if o.ExitCode != nil {
		code := *o.ExitCode
		res.ExitCode = &code
	}

	var msg string
	switch {
	case o.Stage == StageInvalid:
		msg = ErrInvalidRequest
	case o.Stage == StageNoArtifacts:
		msg = ErrArtifactsUnavailable
	case o.Stage == StageCreateFailed:
		msg = fmt.Sprintf("create_failed rc=%d", o.RC)
	case o.Stage == StageStartFailed:
		msg = fmt.Sprintf("start_failed rc=%d", o.RC)
	case o.TimedOut:
		msg = ErrTimeout
	case res.ExitCode == nil:
		msg = "exit_code=null"
	case *res.ExitCode != 0:
		msg = fmt.Sprintf("exit_code=%d", *res.ExitCode)
	default:
		res.OK = true
		return res
	}
	res.Error = &msg
	return res
}

// Code maps a run result to the error taxonomy.
func Code(r RunResult) appErr.ErrorCode {
	if r.OK {
		return appErr.Success
	}
	switch {
	case r.Error == nil:
		return appErr.InternalServerError
	case *r.Error == ErrTimeout:
		return appErr.RunTimeout
	case *r.Error == ErrInvalidRequest:
		return appErr.RunRequestInvalid
	case *r.Error == ErrArtifactsUnavailable:
		return appErr.ArtifactsUnavailable
	case strings.HasPrefix(*r.Error, "create_failed"):
		return appErr.ContainerCreateFailed
	case strings.HasPrefix(*r.Error, "start_failed"):
		return appErr.ContainerStartFailed
	default:
		return appErr.NonzeroExit
	}
}

// Kind returns a low-cardinality label for the outcome, suitable for metrics.
func Kind(r RunResult) string {
	switch Code(r) {
	case appErr.Success:
		return "ok"
	case appErr.RunTimeout:
		return ErrTimeout
	case appErr.RunRequestInvalid:
		return ErrInvalidRequest
	case appErr.ArtifactsUnavailable:
		return ErrArtifactsUnavailable
	case appErr.ContainerCreateFailed:
		return "create_failed"
	case appErr.ContainerStartFailed:
		return "start_failed"
	case appErr.NonzeroExit:
		return "nonzero_exit"
	default:
		return "unknown"
	}
}
