package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"diagrun/internal/diagrun/enginetest"
	"diagrun/internal/diagrun/result"
)

func writeTestConfig(t *testing.T, binary string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "artifacts")
	path := writeFile(t, dir, "diagrun.yaml", fmt.Sprintf(`
logger:
  level: error
engine:
  binary: %s
runner:
  artifactsRoot: %s
  pollInterval: 20ms
  killGrace: 20ms
  joinTimeout: 2s
metrics:
  textfile: %s
`, binary, root, filepath.Join(dir, "diagrun.prom")))
	return path, root
}

func TestExecuteRunSuccess(t *testing.T) {
	inst := enginetest.FakeEngine{VersionJSON: `{"Version":"24.0.7"}`, ExitAfterPolls: 1}.Install(t)
	cfgPath, root := writeTestConfig(t, inst.Binary)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"run", "--config", cfgPath, "--image", "alpine", "--name", "cli", "--", "true"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var res result.RunResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode stdout: %v\n%s", err, stdout.String())
	}
	if !res.OK || filepath.Dir(res.ArtifactsDir) != root {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteRunCreateFailureExitCode(t *testing.T) {
	inst := enginetest.FakeEngine{VersionJSON: `{"Version":"24.0.7"}`, CreateRC: 125}.Install(t)
	cfgPath, _ := writeTestConfig(t, inst.Binary)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"run", "--config", cfgPath, "--image", "missing:latest", "--cmd", "true"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	var res result.RunResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode stdout: %v", err)
	}
	if res.ErrorString() != "create_failed rc=125" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteRunInvalidRequest(t *testing.T) {
	inst := enginetest.FakeEngine{VersionJSON: `{"Version":"24.0.7"}`}.Install(t)
	cfgPath, _ := writeTestConfig(t, inst.Binary)
	var stdout, stderr bytes.Buffer
	if code := execute([]string{"run", "--config", cfgPath, "--", "true"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for a missing image, got %d", code)
	}
	if code := execute([]string{"run", "--config", cfgPath, "--mount", "bad"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for a bad mount, got %d", code)
	}
}

func TestExecuteProbe(t *testing.T) {
	up := enginetest.FakeEngine{VersionJSON: `{"Version":"24.0.7"}`}.Install(t)
	cfgPath, _ := writeTestConfig(t, up.Binary)
	var stdout, stderr bytes.Buffer
	if code := execute([]string{"probe", "--config", cfgPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !bytes.Contains(stdout.Bytes(), []byte(`"Version": "24.0.7"`)) {
		t.Fatalf("unexpected probe output %s", stdout.String())
	}

	down := enginetest.FakeEngine{}.Install(t)
	cfgPath, _ = writeTestConfig(t, down.Binary)
	stdout.Reset()
	if code := execute([]string{"probe", "--config", cfgPath}, &stdout, &stderr); code != 3 {
		t.Fatalf("expected exit 3 for an unavailable engine, got %d", code)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := execute([]string{"bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
