package result

import (
	"encoding/json"
	"testing"

	appErr "diagrun/pkg/errors"
)

func intPtr(v int) *int { return &v }

func TestAssembleClassification(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		ok      bool
		err     string
		code    appErr.ErrorCode
		kind    string
	}{
		{"success", Outcome{Stage: StageTerminated, ExitCode: intPtr(0)}, true, "", appErr.Success, "ok"},
		{"create failed", Outcome{Stage: StageCreateFailed, RC: 125}, false, "create_failed rc=125", appErr.ContainerCreateFailed, "create_failed"},
		{"start failed", Outcome{Stage: StageStartFailed, RC: 127, ContainerID: "c1"}, false, "start_failed rc=127", appErr.ContainerStartFailed, "start_failed"},
		{"timeout with zero exit", Outcome{Stage: StageTerminated, TimedOut: true, ExitCode: intPtr(0)}, false, "timeout", appErr.RunTimeout, "timeout"},
		{"timeout with kill exit", Outcome{Stage: StageTerminated, TimedOut: true, ExitCode: intPtr(137)}, false, "timeout", appErr.RunTimeout, "timeout"},
		{"nonzero", Outcome{Stage: StageTerminated, ExitCode: intPtr(2)}, false, "exit_code=2", appErr.NonzeroExit, "nonzero_exit"},
		{"unknown exit", Outcome{Stage: StageTerminated}, false, "exit_code=null", appErr.NonzeroExit, "nonzero_exit"},
		{"invalid", Outcome{Stage: StageInvalid}, false, ErrInvalidRequest, appErr.RunRequestInvalid, ErrInvalidRequest},
		{"no artifacts", Outcome{Stage: StageNoArtifacts}, false, ErrArtifactsUnavailable, appErr.ArtifactsUnavailable, ErrArtifactsUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Assemble(tt.outcome)
			if res.OK != tt.ok {
				t.Fatalf("ok = %v, want %v", res.OK, tt.ok)
			}
			if res.ErrorString() != tt.err {
				t.Fatalf("error = %q, want %q", res.ErrorString(), tt.err)
			}
			if tt.ok && res.Error != nil {
				t.Fatalf("ok result must carry a null error")
			}
			if got := Code(res); got != tt.code {
				t.Fatalf("code = %d, want %d", got, tt.code)
			}
			if got := Kind(res); got != tt.kind {
				t.Fatalf("kind = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestAssembleOkMatchesInvariant(t *testing.T) {
	for _, timedOut := range []bool{false, true} {
		for _, code := range []*int{nil, intPtr(0), intPtr(1)} {
			res := Assemble(Outcome{Stage: StageTerminated, TimedOut: timedOut, ExitCode: code})
			want := !timedOut && code != nil && *code == 0
			if res.OK != want {
				t.Fatalf("timedOut=%v code=%v: ok=%v want %v", timedOut, code, res.OK, want)
			}
		}
	}
}

func TestAssembleClampsEndBeforeStart(t *testing.T) {
	res := Assemble(Outcome{Stage: StageCreateFailed, StartMs: 200, EndMs: 100})
	if res.EndMs != 200 {
		t.Fatalf("expected end clamped to start, got %d", res.EndMs)
	}
}

func TestAssembleCopiesExitCode(t *testing.T) {
	code := 0
	res := Assemble(Outcome{Stage: StageTerminated, ExitCode: &code})
	code = 9
	if *res.ExitCode != 0 {
		t.Fatalf("result shares exit code pointer with outcome")
	}
}

func TestRunResultJSONFields(t *testing.T) {
	res := Assemble(Outcome{Stage: StageCreateFailed, RC: 1, StartMs: 1, EndMs: 2, ArtifactsDir: "/a"})
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"ok", "container_id", "exit_code", "timed_out", "start_ms", "end_ms", "artifacts_dir", "error"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing field %s in %s", key, data)
		}
	}
	if fields["exit_code"] != nil {
		t.Fatalf("expected null exit code, got %v", fields["exit_code"])
	}
}

func TestRunStateTerminal(t *testing.T) {
	if StateRunning.Terminal() || StateCreated.Terminal() {
		t.Fatalf("running states must not be terminal")
	}
	if !StateTimedOutKilled.Terminal() || !StateFinalized.Terminal() {
		t.Fatalf("expected terminal states")
	}
}
