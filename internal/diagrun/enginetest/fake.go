// Package enginetest installs a scripted stand-in for the container engine CLI.
package enginetest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// FakeEngine describes how the scripted engine answers each subcommand.
type FakeEngine struct {
	ContainerID string
	// VersionJSON is printed by `version`; empty makes the probe fail.
	VersionJSON string
	PullRC      int
	CreateRC    int
	StartRC     int
	ExitCode    int
	// ExitAfterPolls makes the container exit on the Nth state poll; 0 keeps it
	// running until killed.
	ExitAfterPolls int
	// StateRaw replaces the state poll output verbatim.
	StateRaw string
	// StateSequence answers the Nth state poll with its Nth entry before the
	// default behavior applies.
	StateSequence []string
	// RemoveAfterPolls makes the container disappear on the Nth state poll, as
	// --rm does; inspect and wait then report "No such container".
	RemoveAfterPolls int
	// WaitSurvivesRemove keeps answering wait with ExitCode after removal, like a
	// wait that attached before the container went away.
	WaitSurvivesRemove bool
	LogLines     []string
	KeepLogsOpen bool
	EventLines   []string
}

// Installed is a fake engine written to disk.
type Installed struct {
	Binary   string
	StateDir string
}

// Install writes the script and skips the test when no POSIX shell is available.
func (f FakeEngine) Install(t testing.TB) Installed {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	if f.ContainerID == "" {
		f.ContainerID = "c0ffee000001"
	}
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatalf("create fake engine state dir: %v", err)
	}
	binary := filepath.Join(dir, "fake-engine")
	if err := os.WriteFile(binary, []byte(f.script(stateDir)), 0755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	return Installed{Binary: binary, StateDir: stateDir}
}

// Calls returns the argument lines the engine was invoked with, in order.
func (i Installed) Calls(t testing.TB) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(i.StateDir, "calls.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read fake engine calls: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Called reports whether any invocation started with the given subcommand.
func (i Installed) Called(t testing.TB, subcommand string) bool {
	t.Helper()
	for _, call := range i.Calls(t) {
		if call == subcommand || strings.HasPrefix(call, subcommand+" ") {
			return true
		}
	}
	return false
}

func (f FakeEngine) script(stateDir string) string {
	var b strings.Builder
	w := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}
	w("#!/bin/sh")
	w("STATE=%s", quote(stateDir))
	w(`echo "$*" >> "$STATE/calls.log"`)
	w(`sub="$1"; shift`)
	w(`case "$sub" in`)

	w("version|info)")
	if f.VersionJSON == "" {
		w(`  echo "Cannot connect to the engine daemon" >&2; exit 1 ;;`)
	} else {
		w("  printf '%%s\\n' %s; exit 0 ;;", quote(f.VersionJSON))
	}

	w("pull)")
	w("  echo \"pulling $1\"")
	if f.PullRC != 0 {
		w("  echo \"pull access denied for $1\" >&2")
	}
	w("  exit %d ;;", f.PullRC)

	w("create)")
	if f.CreateRC != 0 {
		w(`  echo "Unable to find image locally" >&2; exit %d ;;`, f.CreateRC)
	} else {
		w("  printf '%%s\\n' %s; exit 0 ;;", quote(f.ContainerID))
	}

	w("start)")
	if f.StartRC != 0 {
		w(`  echo "OCI runtime create failed" >&2; exit %d ;;`, f.StartRC)
	} else {
		w(`  touch "$STATE/started"; printf '%%s\n' "$1"; exit 0 ;;`)
	}

	gone := `echo "Error response from daemon: No such container" >&2; exit 1`
	w("inspect)")
	w(`  if [ -f "$STATE/removed" ]; then %s; fi`, gone)
	w(`  if [ "$1" = "--format" ]; then`)
	if f.StateRaw != "" {
		w("    printf '%%s\\n' %s; exit 0", quote(f.StateRaw))
	} else {
		w(`    if [ -f "$STATE/killed" ]; then echo '{"Status":"exited","Running":false,"ExitCode":137,"OOMKilled":false}'; exit 0; fi`)
		w(`    n=$(cat "$STATE/polls" 2>/dev/null || echo 0); n=$((n+1)); echo "$n" > "$STATE/polls"`)
		if f.RemoveAfterPolls > 0 {
			w(`    if [ "$n" -ge %d ]; then touch "$STATE/removed"; %s; fi`, f.RemoveAfterPolls, gone)
		}
		for i, st := range f.StateSequence {
			w(`    if [ "$n" -eq %d ]; then printf '%%s\n' %s; exit 0; fi`, i+1, quote(st))
		}
		if f.ExitAfterPolls > 0 {
			w(`    if [ "$n" -ge %d ]; then echo '{"Status":"exited","Running":false,"ExitCode":%d,"Pid":0}'; exit 0; fi`, f.ExitAfterPolls, f.ExitCode)
		}
		w(`    echo '{"Status":"running","Running":true,"ExitCode":0,"Pid":4242}'; exit 0`)
	}
	w("  fi")
	w(`  printf '[{"Id":"%%s","Image":"sha256:fake","State":{"Status":"created"}}]\n' "$1"; exit 0 ;;`)

	w("kill)")
	w(`  touch "$STATE/killed"; printf '%%s\n' "$1"; exit 0 ;;`)

	w("wait)")
	if !f.WaitSurvivesRemove {
		w(`  if [ -f "$STATE/removed" ]; then %s; fi`, gone)
	}
	w(`  if [ -f "$STATE/killed" ]; then echo 137; else echo %d; fi; exit 0 ;;`, f.ExitCode)

	w("logs)")
	for i, line := range f.LogLines {
		if i == len(f.LogLines)-1 && !f.KeepLogsOpen {
			// last line without newline exercises normalization
			w("  printf '%%s' %s", quote(line))
		} else {
			w("  printf '%%s\\n' %s", quote(line))
		}
	}
	w(`  echo "tail warning: log driver buffering" >&2`)
	if f.KeepLogsOpen {
		w("  exec sleep 30 ;;")
	} else {
		w("  exit 0 ;;")
	}

	w("events)")
	for _, line := range f.EventLines {
		w("  printf '%%s\\n' %s", quote(line))
	}
	w("  exec sleep 30 ;;")

	w("*)")
	w(`  echo "unknown command: $sub" >&2; exit 2 ;;`)
	w("esac")
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
