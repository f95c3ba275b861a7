// Package monitor polls container state until it terminates or a deadline forces a kill.
package monitor

import (
	"context"
	"strings"
	"time"

	"diagrun/internal/diagrun/artifact"
	"diagrun/internal/diagrun/engine"
	"diagrun/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultInterval  = 250 * time.Millisecond
	defaultKillGrace = 200 * time.Millisecond

	// StatusVanished marks a container the engine no longer knows about,
	// typically removed by --rm between two polls.
	StatusVanished = "vanished"

	ReasonDeadline  = "deadline"
	ReasonCancelled = "cancelled"
)

// Engine is the subset of the engine CLI used while a container runs.
type Engine interface {
	State(ctx context.Context, containerID string) engine.StateResult
	Kill(ctx context.Context, containerID string) engine.CommandResult
}

// Recorder persists snapshots; write failures are logged and never stop polling.
type Recorder interface {
	WriteJSON(name string, v interface{}) error
}

// Config holds polling settings.
type Config struct {
	Interval  time.Duration
	KillGrace time.Duration
}

// TimeoutMarker is persisted when the guard fires.
type TimeoutMarker struct {
	AtMs     int64   `json:"at_ms"`
	TimeoutS float64 `json:"timeout_s"`
	Reason   string  `json:"reason"`
}

// Outcome describes how monitoring ended.
type Outcome struct {
	Terminal bool
	Status   string
	ExitCode *int
	TimedOut bool
	Reason   string
	Polls    int
	EndMs    int64
	Kill     *engine.CommandResult
}

// Poller drives the state loop for one container.
type Poller struct {
	engine   Engine
	recorder Recorder
	cfg      Config
	now      func() time.Time
}

// New creates a poller.
func New(eng Engine, recorder Recorder, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	return &Poller{engine: eng, recorder: recorder, cfg: cfg, now: time.Now}
}

// Watch polls until the container reaches a terminal state or startedAt+timeout passes.
// Cancelling ctx acts as an early deadline: the container is killed rather than leaked.
func (p *Poller) Watch(ctx context.Context, containerID string, startedAt time.Time, timeout time.Duration) Outcome {
	engineCtx := context.WithoutCancel(ctx)
	deadline := startedAt.Add(timeout)
	var out Outcome
	// exit code seen while --rm tears the container down; the next poll may find nothing
	var lastExit *int

	for {
		st := p.engine.State(engineCtx, containerID)
		out.Polls++
		p.write(ctx, artifact.FileStateLast, st)

		if st.Terminal() {
			out.Terminal = true
			out.Status = st.Status()
			out.ExitCode = st.ExitCode()
			out.EndMs = p.now().UnixMilli()
			return out
		}
		if code := finishedExit(st); code != nil {
			lastExit = code
		}
		if vanished(st) {
			logger.Warn(ctx, "container disappeared while polling", zap.String("stderr", strings.TrimSpace(st.Raw.Stderr)))
			out.Terminal = true
			out.Status = StatusVanished
			out.ExitCode = lastExit
			out.EndMs = p.now().UnixMilli()
			return out
		}

		now := p.now()
		if !now.Before(deadline) {
			return p.expire(ctx, engineCtx, containerID, timeout, ReasonDeadline, out)
		}
		wait := deadline.Sub(now)
		if wait > p.cfg.Interval {
			wait = p.cfg.Interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.expire(ctx, engineCtx, containerID, timeout, ReasonCancelled, out)
		case <-timer.C:
		}
	}
}

// expire kills the container and captures the post-kill state. The run counts as
// timed out whatever exit code the kill produces.
func (p *Poller) expire(ctx, engineCtx context.Context, containerID string, timeout time.Duration, reason string, out Outcome) Outcome {
	out.TimedOut = true
	out.Reason = reason
	p.write(ctx, artifact.FileTimeout, TimeoutMarker{
		AtMs:     p.now().UnixMilli(),
		TimeoutS: timeout.Seconds(),
		Reason:   reason,
	})
	logger.Warn(ctx, "run deadline reached, killing container", zap.String("reason", reason), zap.Duration("timeout", timeout))

	kill := p.engine.Kill(engineCtx, containerID)
	out.Kill = &kill
	p.write(ctx, artifact.FileKill, kill)
	if !kill.OK() {
		logger.Warn(ctx, "kill container failed", zap.Int("rc", kill.RC), zap.String("stderr", strings.TrimSpace(kill.Stderr)))
	}

	time.Sleep(p.cfg.KillGrace)
	st := p.engine.State(engineCtx, containerID)
	p.write(ctx, artifact.FileStateAfterKill, st)
	out.Status = st.Status()
	out.Terminal = st.Terminal() || vanished(st)
	out.ExitCode = st.ExitCode()
	out.EndMs = p.now().UnixMilli()
	return out
}

func (p *Poller) write(ctx context.Context, name string, v interface{}) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.WriteJSON(name, v); err != nil {
		logger.Warn(ctx, "write run artifact failed", zap.String("artifact", name), zap.Error(err))
	}
}

// finishedExit returns the exit code of a container that stopped but is not yet
// reported as exited, such as one being removed.
func finishedExit(st engine.StateResult) *int {
	if st.State == nil || st.State.Running || st.State.Status != engine.StatusRemoving {
		return nil
	}
	return st.ExitCode()
}

func vanished(st engine.StateResult) bool {
	if st.Raw.RC == 0 {
		return false
	}
	msg := strings.ToLower(st.Raw.Stderr)
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no such object")
}
