package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"diagrun/internal/diagrun/artifact"
	"diagrun/internal/diagrun/engine"
)

type fakeEngine struct {
	mu        sync.Mutex
	states    []engine.StateResult
	afterKill engine.StateResult
	polls     int
	kills     int
}

func (f *fakeEngine) State(ctx context.Context, containerID string) engine.StateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kills > 0 {
		return f.afterKill
	}
	idx := f.polls
	f.polls++
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	return f.states[idx]
}

func (f *fakeEngine) Kill(ctx context.Context, containerID string) engine.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return engine.CommandResult{Stdout: containerID + "\n"}
}

type fakeRecorder struct {
	mu     sync.Mutex
	writes []string
	fail   bool
}

func (r *fakeRecorder) WriteJSON(name string, v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, name)
	if r.fail {
		return errors.New("disk full")
	}
	return nil
}

func (r *fakeRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.writes {
		if w == name {
			return true
		}
	}
	return false
}

func state(status string, exitCode *int) engine.StateResult {
	fields := map[string]interface{}{"Status": status}
	return engine.StateResult{
		State:  &engine.ContainerState{Status: status, Running: status == engine.StatusRunning, ExitCode: exitCode},
		Fields: fields,
	}
}

func intPtr(v int) *int { return &v }

func TestWatchReturnsOnExit(t *testing.T) {
	eng := &fakeEngine{states: []engine.StateResult{
		state(engine.StatusRunning, intPtr(0)),
		state(engine.StatusRunning, intPtr(0)),
		state(engine.StatusExited, intPtr(3)),
	}}
	rec := &fakeRecorder{}
	p := New(eng, rec, Config{Interval: 5 * time.Millisecond})

	out := p.Watch(context.Background(), "c1", time.Now(), 10*time.Second)
	if !out.Terminal || out.TimedOut {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.ExitCode == nil || *out.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", out.ExitCode)
	}
	if out.Polls != 3 {
		t.Fatalf("expected 3 polls, got %d", out.Polls)
	}
	if eng.kills != 0 {
		t.Fatalf("unexpected kill")
	}
	if rec.has(artifact.FileTimeout) {
		t.Fatalf("timeout marker written for normal exit")
	}
}

func TestWatchDeadStateIsTerminal(t *testing.T) {
	eng := &fakeEngine{states: []engine.StateResult{state(engine.StatusDead, nil)}}
	out := New(eng, &fakeRecorder{}, Config{}).Watch(context.Background(), "c1", time.Now(), time.Second)
	if !out.Terminal || out.ExitCode != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestWatchTimeoutKillsAndTakesPostKillExitCode(t *testing.T) {
	eng := &fakeEngine{
		states:    []engine.StateResult{state(engine.StatusRunning, intPtr(0))},
		afterKill: state(engine.StatusExited, intPtr(137)),
	}
	rec := &fakeRecorder{}
	p := New(eng, rec, Config{Interval: 10 * time.Millisecond, KillGrace: 5 * time.Millisecond})

	start := time.Now()
	timeout := 120 * time.Millisecond
	out := p.Watch(context.Background(), "c1", start, timeout)

	if !out.TimedOut || out.Reason != ReasonDeadline {
		t.Fatalf("expected deadline timeout, got %+v", out)
	}
	if eng.kills != 1 || out.Kill == nil {
		t.Fatalf("expected one kill, got %d", eng.kills)
	}
	if out.ExitCode == nil || *out.ExitCode != 137 {
		t.Fatalf("expected post-kill exit code, got %v", out.ExitCode)
	}
	if out.EndMs-start.UnixMilli() < timeout.Milliseconds() {
		t.Fatalf("end %d is earlier than deadline %d", out.EndMs-start.UnixMilli(), timeout.Milliseconds())
	}
	for _, name := range []string{artifact.FileStateLast, artifact.FileTimeout, artifact.FileKill, artifact.FileStateAfterKill} {
		if !rec.has(name) {
			t.Fatalf("missing artifact %s in %v", name, rec.writes)
		}
	}
}

func TestWatchCancelKillsContainer(t *testing.T) {
	eng := &fakeEngine{
		states:    []engine.StateResult{state(engine.StatusRunning, intPtr(0))},
		afterKill: state(engine.StatusExited, intPtr(137)),
	}
	p := New(eng, &fakeRecorder{}, Config{Interval: 10 * time.Millisecond, KillGrace: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	out := p.Watch(ctx, "c1", time.Now(), time.Hour)
	if !out.TimedOut || out.Reason != ReasonCancelled {
		t.Fatalf("expected cancellation to act as timeout, got %+v", out)
	}
	if eng.kills != 1 {
		t.Fatalf("expected kill on cancel, got %d", eng.kills)
	}
}

func TestWatchVanishedContainer(t *testing.T) {
	gone := engine.StateResult{Raw: engine.CommandResult{RC: 1, Stderr: "Error: No such container: c1"}}
	eng := &fakeEngine{states: []engine.StateResult{state(engine.StatusRunning, intPtr(0)), gone}}
	out := New(eng, &fakeRecorder{}, Config{Interval: time.Millisecond}).Watch(context.Background(), "c1", time.Now(), time.Second)
	if !out.Terminal || out.Status != StatusVanished || out.ExitCode != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestWatchVanishedAfterRemovingKeepsExitCode(t *testing.T) {
	gone := engine.StateResult{Raw: engine.CommandResult{RC: 1, Stderr: "Error: No such container: c1"}}
	eng := &fakeEngine{states: []engine.StateResult{state(engine.StatusRemoving, intPtr(0)), gone}}
	out := New(eng, &fakeRecorder{}, Config{Interval: time.Millisecond}).Watch(context.Background(), "c1", time.Now(), time.Second)
	if !out.Terminal || out.Status != StatusVanished {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("expected exit code 0 from removing state, got %v", out.ExitCode)
	}
	if out.Polls != 2 {
		t.Fatalf("expected 2 polls, got %d", out.Polls)
	}
}

func TestWatchUnparsedStateKeepsPolling(t *testing.T) {
	garbled := engine.StateResult{ParseError: true, Raw: engine.CommandResult{Stdout: "garbage"}}
	eng := &fakeEngine{states: []engine.StateResult{garbled, garbled, state(engine.StatusExited, intPtr(0))}}
	rec := &fakeRecorder{fail: true}
	out := New(eng, rec, Config{Interval: time.Millisecond}).Watch(context.Background(), "c1", time.Now(), time.Second)
	if !out.Terminal || out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
