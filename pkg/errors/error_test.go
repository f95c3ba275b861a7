package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	. "diagrun/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{ContainerCreateFailed, "Failed to create container"},
		{InvalidParams, "Invalid parameters"},
		{RunTimeout, "Run timed out"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_ExitCode(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{Success, 0},
		{InvalidParams, 2},
		{ValidationFailed, 2},
		{RunRequestInvalid, 2},
		{RuntimeUnavailable, 3},
		{RunTimeout, 124},
		{NonzeroExit, 1},
		{ArtifactsUnavailable, 1},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	err := New(ContainerStartFailed)

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Code != ContainerStartFailed {
		t.Errorf("Code = %v, want %v", err.Code, ContainerStartFailed)
	}
	if err.Error() != ContainerStartFailed.Message() {
		t.Errorf("Error() = %v, want %v", err.Error(), ContainerStartFailed.Message())
	}
	if !strings.Contains(err.Stack, "TestNew") {
		t.Errorf("Stack should start at the caller, got %q", err.Stack)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(NonzeroExit, "exit_code=%d", 3)

	want := "exit_code=3"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestWrapf(t *testing.T) {
	cause := errors.New("exec: docker: not found")
	wrapped := Wrapf(cause, RuntimeUnavailable, "probe %s failed", "docker")

	if wrapped.Code != RuntimeUnavailable {
		t.Errorf("Code = %v, want %v", wrapped.Code, RuntimeUnavailable)
	}
	if wrapped.Error() != "probe docker failed" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should find the cause")
	}
	if Wrapf(nil, RuntimeUnavailable, "unused") != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestError_WithDetail(t *testing.T) {
	err := New(ValidationFailed).
		WithDetail("field", "image").
		WithDetail("reason", "required")

	if err.Details["field"] != "image" {
		t.Error("Field detail not set correctly")
	}
	if err.Details["reason"] != "required" {
		t.Error("Reason detail not set correctly")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(RunTimeout), want: RunTimeout},
		{name: "wrapped custom error", err: fmt.Errorf("outer: %w", New(ArtifactWriteFailed)), want: ArtifactWriteFailed},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(ContainerCreateFailed)

	if !Is(err, ContainerCreateFailed) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, ContainerStartFailed) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, ContainerCreateFailed) {
		t.Error("Is() should return false for nil error")
	}
}

func TestEngineError(t *testing.T) {
	err := EngineError(ContainerCreateFailed, 125, "no such image")
	if err.Code != ContainerCreateFailed {
		t.Fatalf("unexpected code %v", err.Code)
	}
	if err.Details["rc"] != 125 {
		t.Errorf("rc detail = %v", err.Details["rc"])
	}
	if err.Error() != "Failed to create container (rc=125)" {
		t.Errorf("Error() = %q", err.Error())
	}
}
