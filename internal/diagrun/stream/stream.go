// Package stream tails engine subprocess output into append-only run artifacts.
package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"diagrun/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultTerminateGrace = time.Second
	readBufferSize        = 64 * 1024
)

// Source is a running tailer subprocess.
type Source interface {
	Stdout() io.Reader
	Wait() error
	Terminate() error
	Kill() error
	Stderr() string
}

// Config describes one streamer.
type Config struct {
	// Name identifies the stream in logs, e.g. "logs" or "events".
	Name string
	// StderrPath receives the subprocess's own stderr when non-empty.
	StderrPath string
	// TerminateGrace bounds the wait between SIGTERM and SIGKILL on stop.
	TerminateGrace time.Duration
	// OnLine, when set, observes every line before it is appended.
	OnLine func(line string)
}

// Streamer copies a subprocess's stdout line by line into a sink.
// A streamer owns its sink exclusively and closes it on exit.
type Streamer struct {
	cfg  Config
	src  Source
	sink io.WriteCloser

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// mu serializes sink writes against abandonment.
	mu        sync.Mutex
	abandoned atomic.Bool
	lines     atomic.Int64
}

// Start begins copying src into sink on a background goroutine.
func Start(ctx context.Context, cfg Config, src Source, sink io.WriteCloser) *Streamer {
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = defaultTerminateGrace
	}
	s := &Streamer{
		cfg:  cfg,
		src:  src,
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Stop signals the worker to terminate its subprocess. Safe to call more than once.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Done is closed when the worker has exited.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

// Lines returns the number of lines appended so far.
func (s *Streamer) Lines() int64 {
	return s.lines.Load()
}

// Join waits up to timeout for the worker to exit. On timeout the worker is
// abandoned: it keeps draining its subprocess but writes nothing further.
func (s *Streamer) Join(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
	}
	s.abandoned.Store(true)
	// wait out an in-flight write so nothing lands after the caller moves on
	s.mu.Lock()
	s.mu.Unlock()
	return false
}

// Abandoned reports whether a join timed out.
func (s *Streamer) Abandoned() bool {
	return s.abandoned.Load()
}

func (s *Streamer) run(ctx context.Context) {
	defer close(s.done)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.copyLines()
	}()

	select {
	case <-readDone:
	case <-s.stop:
		s.shutdown(readDone)
	case <-ctx.Done():
		s.shutdown(readDone)
	}

	if err := s.src.Wait(); err != nil {
		logger.Debug(ctx, "tailer subprocess exited", zap.String("stream", s.cfg.Name), zap.Error(err))
	}
	<-readDone
	s.finish(ctx)
}

// shutdown stops the subprocess, escalating to SIGKILL when it ignores SIGTERM.
func (s *Streamer) shutdown(readDone <-chan struct{}) {
	_ = s.src.Terminate()
	timer := time.NewTimer(s.cfg.TerminateGrace)
	defer timer.Stop()
	select {
	case <-readDone:
	case <-timer.C:
		_ = s.src.Kill()
	}
}

func (s *Streamer) copyLines() {
	r := bufio.NewReaderSize(s.src.Stdout(), readBufferSize)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			s.append(line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Streamer) append(line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if s.cfg.OnLine != nil {
		s.cfg.OnLine(strings.TrimRight(line, "\r\n"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned.Load() {
		return
	}
	if _, err := io.WriteString(s.sink, line); err == nil {
		s.lines.Add(1)
	}
}

func (s *Streamer) finish(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn(ctx, "close stream artifact failed", zap.String("stream", s.cfg.Name), zap.Error(err))
	}
	if s.abandoned.Load() || s.cfg.StderrPath == "" {
		return
	}
	stderr := s.src.Stderr()
	if stderr == "" {
		return
	}
	f, err := os.OpenFile(s.cfg.StderrPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(ctx, "open tailer stderr artifact failed", zap.String("stream", s.cfg.Name), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(stderr); err != nil {
		logger.Warn(ctx, "write tailer stderr artifact failed", zap.String("stream", s.cfg.Name), zap.Error(err))
	}
}
