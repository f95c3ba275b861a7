// Package diagrun drives one diagnostic container run from request to RunResult
// and leaves an artifact trail for every path through the lifecycle.
package diagrun

import (
	"context"
	"strings"
	"sync"
	"time"

	"diagrun/internal/diagrun/artifact"
	"diagrun/internal/diagrun/engine"
	"diagrun/internal/diagrun/launcher"
	"diagrun/internal/diagrun/monitor"
	"diagrun/internal/diagrun/observer"
	"diagrun/internal/diagrun/result"
	"diagrun/internal/diagrun/spec"
	"diagrun/internal/diagrun/stream"
	appErr "diagrun/pkg/errors"
	"diagrun/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultArtifactsRoot = "diagnostics"
	defaultJoinTimeout   = 2 * time.Second
	defaultWaitTimeout   = 5 * time.Second
	defaultHookTimeout   = 5 * time.Second
)

// Engine is the engine CLI surface a run needs.
type Engine interface {
	launcher.Engine
	monitor.Engine
	Version(ctx context.Context) engine.Document
	Inspect(ctx context.Context, containerID string) engine.InspectResult
	Wait(ctx context.Context, containerID string, timeout time.Duration) engine.CommandResult
	FollowLogs(ctx context.Context, containerID string) (*engine.Process, error)
	FollowEvents(ctx context.Context, containerID string) (*engine.Process, error)
}

// Config holds orchestrator settings. Zero values fall back to defaults.
type Config struct {
	ArtifactsRoot  string        `yaml:"artifactsRoot"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	KillGrace      time.Duration `yaml:"killGrace"`
	JoinTimeout    time.Duration `yaml:"joinTimeout"`
	WaitTimeout    time.Duration `yaml:"waitTimeout"`
	PullTimeout    time.Duration `yaml:"pullTimeout"`
	TerminateGrace time.Duration `yaml:"terminateGrace"`
	// DefaultTimeout applies to requests that leave the timeout unset.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	// HookTimeout bounds each status report and post-run hook.
	HookTimeout time.Duration `yaml:"hookTimeout"`
}

// Runner executes run requests. It is safe for concurrent use; runs share
// nothing but the artifacts root.
type Runner struct {
	engine    Engine
	launcher  *launcher.Launcher
	cfg       Config
	status    StatusReporter
	publisher ResultPublisher
	archiver  Archiver
	metrics   observer.MetricsRecorder
}

// Option customizes a Runner.
type Option func(*Runner)

// WithStatusReporter reports every lifecycle transition.
func WithStatusReporter(r StatusReporter) Option {
	return func(rn *Runner) { rn.status = r }
}

// WithResultPublisher publishes the final result after result.json is written.
func WithResultPublisher(p ResultPublisher) Option {
	return func(rn *Runner) { rn.publisher = p }
}

// WithArchiver uploads the run directory after result.json is written.
func WithArchiver(a Archiver) Option {
	return func(rn *Runner) { rn.archiver = a }
}

// WithMetrics records stage and run metrics.
func WithMetrics(m observer.MetricsRecorder) Option {
	return func(rn *Runner) {
		if m != nil {
			rn.metrics = m
		}
	}
}

// NewRunner creates a runner.
func NewRunner(eng Engine, cfg Config, opts ...Option) *Runner {
	if cfg.ArtifactsRoot == "" {
		cfg.ArtifactsRoot = defaultArtifactsRoot
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = defaultHookTimeout
	}
	r := &Runner{
		engine:   eng,
		launcher: launcher.New(eng, launcher.Config{PullTimeout: cfg.PullTimeout}),
		cfg:      cfg,
		metrics:  observer.NoopMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Probe captures the engine version document.
func (r *Runner) Probe(ctx context.Context) engine.Document {
	return r.engine.Version(ctx)
}

// requestRecord is persisted as request.json.
type requestRecord struct {
	RunID         string          `json:"run_id"`
	TraceID       string          `json:"trace_id"`
	Request       spec.RunRequest `json:"request"`
	EngineVersion engine.Document `json:"engine_version"`
	CreatedAtMs   int64           `json:"created_at_ms"`
}

// waitRecord is persisted as wait.json.
type waitRecord struct {
	engine.CommandResult
	ExitCode *int `json:"exit_code"`
}

// run carries the per-run state threaded through the lifecycle.
type run struct {
	id          string
	traceID     string
	req         spec.RunRequest
	writer      *artifact.Writer
	containerID string
	dieExit     dieExitCode
}

// Run executes one request to completion. Engine failures are reported in the
// returned RunResult; an error is returned only for an invalid request or an
// unusable artifacts root, and a RunResult accompanies it even then.
func (r *Runner) Run(ctx context.Context, req spec.RunRequest) (result.RunResult, error) {
	traceID := logger.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = logger.WithTraceID(ctx, traceID)
	}

	if err := req.Validate(); err != nil {
		logger.Warn(ctx, "reject run request", zap.Error(err))
		return r.abort(ctx, result.StageInvalid), err
	}
	if req.TimeoutSeconds == 0 && r.cfg.DefaultTimeout > 0 {
		req.TimeoutSeconds = r.cfg.DefaultTimeout.Seconds()
	}
	normalized, err := req.Normalized()
	if err != nil {
		logger.Warn(ctx, "reject run request", zap.Error(err))
		return r.abort(ctx, result.StageInvalid), err
	}

	createdAt := time.Now()
	layout, err := artifact.CreateRunDir(r.cfg.ArtifactsRoot, normalized.Name, createdAt.UnixMilli())
	if err != nil {
		logger.Error(ctx, "create run directory failed", zap.String("root", r.cfg.ArtifactsRoot), zap.Error(err))
		return r.abort(ctx, result.StageNoArtifacts), appErr.Wrapf(err, appErr.ArtifactsUnavailable, "create run directory failed")
	}

	rn := &run{
		id:      layout.RunID,
		traceID: traceID,
		req:     normalized,
		writer:  artifact.NewWriter(layout),
	}
	ctx = logger.WithRunID(ctx, rn.id)
	logger.Info(ctx, "run started", zap.String("image", normalized.Image), zap.String("dir", layout.Dir))
	r.report(ctx, rn, result.StateRequested, nil)

	r.write(ctx, rn, artifact.FileRequest, requestRecord{
		RunID:         rn.id,
		TraceID:       traceID,
		Request:       normalized,
		EngineVersion: r.engine.Version(ctx),
		CreatedAtMs:   createdAt.UnixMilli(),
	})

	res := r.execute(ctx, rn)
	r.finalize(ctx, rn, res)
	return res, nil
}

func (r *Runner) abort(ctx context.Context, stage result.Stage) result.RunResult {
	now := time.Now().UnixMilli()
	res := result.Assemble(result.Outcome{Stage: stage, StartMs: now, EndMs: now})
	r.metrics.ObserveRun(ctx, res)
	r.flushMetrics(ctx)
	return res
}

// execute walks the lifecycle and returns the assembled result. It never writes result.json.
func (r *Runner) execute(ctx context.Context, rn *run) result.RunResult {
	dir := rn.writer.Dir()

	if rn.req.Pull {
		r.report(ctx, rn, result.StatePulling, nil)
		began := time.Now()
		pull := r.launcher.Pull(ctx, rn.req)
		r.metrics.ObserveStage(ctx, "pull", pull.OK(), time.Since(began))
		r.write(ctx, rn, artifact.FilePull, pull)
		if !pull.OK() {
			logger.Warn(ctx, "image pull failed, continuing", zap.Int("rc", pull.RC), zap.String("stderr", strings.TrimSpace(pull.Stderr)))
		}
	}

	began := time.Now()
	containerID, create := r.launcher.Create(ctx, rn.req)
	r.metrics.ObserveStage(ctx, "create", create.OK() && containerID != "", time.Since(began))
	r.write(ctx, rn, artifact.FileCreate, create)
	if containerID == "" {
		logger.Warn(ctx, "create container failed", zap.Error(engineFailure(appErr.ContainerCreateFailed, create)))
		now := time.Now().UnixMilli()
		return result.Assemble(result.Outcome{
			Stage:        result.StageCreateFailed,
			RC:           create.RC,
			StartMs:      now,
			EndMs:        now,
			ArtifactsDir: dir,
		})
	}
	rn.containerID = containerID
	ctx = logger.WithContainerID(ctx, containerID)
	r.report(ctx, rn, result.StateCreated, nil)
	r.write(ctx, rn, artifact.FileInspectCreate, r.engine.Inspect(ctx, containerID))

	r.report(ctx, rn, result.StateStarting, nil)
	began = time.Now()
	start := r.launcher.Start(ctx, containerID)
	r.metrics.ObserveStage(ctx, "start", start.OK(), time.Since(began))
	r.write(ctx, rn, artifact.FileStart, start)
	if !start.OK() {
		logger.Warn(ctx, "start container failed", zap.Error(engineFailure(appErr.ContainerStartFailed, start)))
		r.write(ctx, rn, artifact.FileInspectStartFailed, r.engine.Inspect(context.WithoutCancel(ctx), containerID))
		return result.Assemble(result.Outcome{
			Stage:        result.StageStartFailed,
			RC:           start.RC,
			ContainerID:  containerID,
			StartMs:      began.UnixMilli(),
			EndMs:        time.Now().UnixMilli(),
			ArtifactsDir: dir,
		})
	}
	startedAt := time.Now()
	r.report(ctx, rn, result.StateRunning, nil)

	streamers := r.spawnStreamers(ctx, rn)

	poller := monitor.New(r.engine, rn.writer, monitor.Config{
		Interval:  r.cfg.PollInterval,
		KillGrace: r.cfg.KillGrace,
	})
	out := poller.Watch(ctx, containerID, startedAt, rn.req.Timeout())
	r.report(ctx, rn, terminalState(out), nil)

	// the run may have been cancelled; finishing the trail must not be
	engineCtx := context.WithoutCancel(ctx)
	r.write(ctx, rn, artifact.FileInspectFinal, r.engine.Inspect(engineCtx, containerID))
	began = time.Now()
	wait := r.engine.Wait(engineCtx, containerID, r.cfg.WaitTimeout)
	r.metrics.ObserveStage(ctx, "wait", wait.OK(), time.Since(began))
	waitExit := parseExitCode(wait)
	r.write(ctx, rn, artifact.FileWait, waitRecord{CommandResult: wait, ExitCode: waitExit})

	r.stopStreamers(ctx, streamers)

	exitCode := out.ExitCode
	if exitCode == nil {
		if code := rn.dieExit.get(); code != nil {
			logger.Info(ctx, "exit code recovered from die event", zap.Int("exit_code", *code))
			exitCode = code
		} else if !out.TimedOut && waitExit != nil {
			exitCode = waitExit
		}
	}
	return result.Assemble(result.Outcome{
		Stage:        result.StageTerminated,
		ContainerID:  containerID,
		ExitCode:     exitCode,
		TimedOut:     out.TimedOut,
		StartMs:      startedAt.UnixMilli(),
		EndMs:        out.EndMs,
		ArtifactsDir: dir,
	})
}

// finalize persists result.json, then runs the fail-soft post hooks.
func (r *Runner) finalize(ctx context.Context, rn *run, res result.RunResult) {
	if err := rn.writer.WriteJSON(artifact.FileResult, res); err != nil {
		logger.Error(ctx, "write run result failed", zap.Error(err))
	}
	logger.Info(ctx, "run finished",
		zap.Bool("ok", res.OK),
		zap.Bool("timed_out", res.TimedOut),
		zap.String("error", res.ErrorString()),
		zap.Int64("duration_ms", res.EndMs-res.StartMs),
	)

	r.report(ctx, rn, result.StateFinalized, &res)
	r.metrics.ObserveRun(ctx, res)
	r.flushMetrics(ctx)

	hookCtx := context.WithoutCancel(ctx)
	if r.publisher != nil {
		pubCtx, cancel := context.WithTimeout(hookCtx, r.cfg.HookTimeout)
		if err := r.publisher.PublishResult(pubCtx, rn.id, res); err != nil {
			logger.Warn(ctx, "publish run result failed", zap.Error(err))
		}
		cancel()
	}
	if r.archiver != nil {
		if err := r.archiver.Archive(hookCtx, rn.id, rn.writer.Dir()); err != nil {
			logger.Warn(ctx, "archive run artifacts failed", zap.Error(err))
		}
	}
}

func (r *Runner) flushMetrics(ctx context.Context) {
	f, ok := r.metrics.(interface{ Flush() error })
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		logger.Warn(ctx, "flush metrics failed", zap.Error(err))
	}
}

func (r *Runner) write(ctx context.Context, rn *run, name string, v interface{}) {
	if err := rn.writer.WriteJSON(name, v); err != nil {
		logger.Warn(ctx, "write run artifact failed", zap.String("artifact", name), zap.Error(err))
	}
}

func (r *Runner) report(ctx context.Context, rn *run, state result.RunState, res *result.RunResult) {
	if r.status == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.HookTimeout)
	defer cancel()
	err := r.status.ReportStatus(reportCtx, result.StatusUpdate{
		RunID:       rn.id,
		TraceID:     rn.traceID,
		State:       state,
		ContainerID: rn.containerID,
		AtMs:        time.Now().UnixMilli(),
		Result:      res,
	})
	if err != nil {
		logger.Warn(ctx, "report run status failed", zap.String("state", string(state)), zap.Error(err))
	}
}

func (r *Runner) spawnStreamers(ctx context.Context, rn *run) []*stream.Streamer {
	// streamers are stopped explicitly once the container is terminal
	streamCtx := context.WithoutCancel(ctx)
	layout := rn.writer.Layout()
	var out []*stream.Streamer

	follow := []struct {
		name   string
		file   string
		open   func(context.Context, string) (*engine.Process, error)
		onLine func(string)
	}{
		{name: "events", file: artifact.FileEvents, open: r.engine.FollowEvents, onLine: rn.dieExit.observe},
		{name: "logs", file: artifact.FileContainerLog, open: r.engine.FollowLogs},
	}
	for _, f := range follow {
		sink, err := rn.writer.OpenAppend(f.file)
		if err != nil {
			logger.Warn(ctx, "open stream artifact failed", zap.String("stream", f.name), zap.Error(err))
			continue
		}
		proc, err := f.open(streamCtx, rn.containerID)
		if err != nil {
			_ = sink.Close()
			logger.Warn(ctx, "start tailer failed", zap.String("stream", f.name), zap.Error(err))
			if werr := rn.writer.WriteText(f.file+artifact.StderrSuffix, err.Error()+"\n"); werr != nil {
				logger.Warn(ctx, "write tailer error failed", zap.String("stream", f.name), zap.Error(werr))
			}
			continue
		}
		out = append(out, stream.Start(streamCtx, stream.Config{
			Name:           f.name,
			StderrPath:     layout.StderrPath(f.file),
			TerminateGrace: r.cfg.TerminateGrace,
			OnLine:         f.onLine,
		}, proc, sink))
	}
	return out
}

// stopStreamers signals every worker first so that the joins overlap.
func (r *Runner) stopStreamers(ctx context.Context, streamers []*stream.Streamer) {
	for _, s := range streamers {
		s.Stop()
	}
	for _, s := range streamers {
		if !s.Join(r.cfg.JoinTimeout) {
			logger.Warn(ctx, "streamer did not stop in time, abandoning", zap.Duration("join_timeout", r.cfg.JoinTimeout))
		}
	}
}

func terminalState(out monitor.Outcome) result.RunState {
	switch {
	case out.TimedOut:
		return result.StateTimedOutKilled
	case out.Status == engine.StatusDead:
		return result.StateDead
	default:
		return result.StateExited
	}
}

// engineFailure turns a failed lifecycle invocation into a coded error for logging.
func engineFailure(code appErr.ErrorCode, res engine.CommandResult) error {
	stderr := strings.TrimSpace(res.Stderr)
	if stderr == "" {
		stderr = res.Error
	}
	return appErr.EngineError(code, res.RC, stderr)
}

func parseExitCode(res engine.CommandResult) *int {
	if !res.OK() {
		return nil
	}
	return parseInt(strings.TrimSpace(res.Stdout))
}

// dieExitCode remembers the exit code carried by the container's die event.
type dieExitCode struct {
	mu   sync.Mutex
	code *int
}

func (d *dieExitCode) observe(line string) {
	code, ok := exitCodeFromEvent(line)
	if !ok {
		return
	}
	d.mu.Lock()
	d.code = &code
	d.mu.Unlock()
}

func (d *dieExitCode) get() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.code == nil {
		return nil
	}
	code := *d.code
	return &code
}
