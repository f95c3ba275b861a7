package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"diagrun/internal/diagrun/enginetest"
	"diagrun/internal/diagrun/result"

	"github.com/alicebob/miniredis/v2"
)

func writeStatusConfig(t *testing.T, binary, redisAddr string) string {
	t.Helper()
	dir := t.TempDir()
	return writeFile(t, dir, "diagrun.yaml", fmt.Sprintf(`
logger:
  level: error
engine:
  binary: %s
runner:
  artifactsRoot: %s
  pollInterval: 20ms
  killGrace: 20ms
redis:
  addr: %s
status:
  timeout: 2s
`, binary, filepath.Join(dir, "artifacts"), redisAddr))
}

func TestExecuteStatusReadsRecordedRun(t *testing.T) {
	srv := miniredis.RunT(t)
	inst := enginetest.FakeEngine{VersionJSON: `{"Version":"24.0.7"}`, ExitAfterPolls: 1}.Install(t)
	cfgPath := writeStatusConfig(t, inst.Binary, srv.Addr())

	var stdout, stderr bytes.Buffer
	if code := execute([]string{"run", "--config", cfgPath, "--image", "alpine", "--name", "st", "--", "true"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run exit %d stderr=%s", code, stderr.String())
	}
	var res result.RunResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode run output: %v", err)
	}
	runID := filepath.Base(res.ArtifactsDir)

	stdout.Reset()
	if code := execute([]string{"status", "--config", cfgPath, "--history", runID}, &stdout, &stderr); code != 0 {
		t.Fatalf("status exit %d stderr=%s", code, stderr.String())
	}
	var view statusView
	if err := json.Unmarshal(stdout.Bytes(), &view); err != nil {
		t.Fatalf("decode status output: %v\n%s", err, stdout.String())
	}
	if view.Latest.State != result.StateFinalized || view.Latest.Result == nil || !view.Latest.Result.OK {
		t.Fatalf("unexpected latest status %+v", view.Latest)
	}
	if len(view.History) == 0 || view.History[0].State != result.StateRequested {
		t.Fatalf("unexpected history %+v", view.History)
	}
	if last := view.History[len(view.History)-1]; last.State != result.StateFinalized {
		t.Fatalf("history must end with the final state, got %s", last.State)
	}
}

func TestExecuteStatusUnknownRun(t *testing.T) {
	srv := miniredis.RunT(t)
	cfgPath := writeStatusConfig(t, "docker", srv.Addr())
	var stdout, stderr bytes.Buffer
	if code := execute([]string{"status", "--config", cfgPath, "nope-1"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 for an unknown run, got %d", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("unexpected output %s", stdout.String())
	}
}

func TestExecuteStatusRequiresStore(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, "docker")
	var stdout, stderr bytes.Buffer
	if code := execute([]string{"status", "--config", cfgPath, "run-1"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 without a status store, got %d", code)
	}
	if code := execute([]string{"status", "--config", cfgPath}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected usage exit 2 without a run id, got %d", code)
	}
}
