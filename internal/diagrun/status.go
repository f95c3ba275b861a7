package diagrun

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"diagrun/internal/diagrun/result"
)

// StatusReporter receives lifecycle transitions. Failures are logged and never
// affect the run.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update result.StatusUpdate) error
}

// ResultPublisher announces a finished run.
type ResultPublisher interface {
	PublishResult(ctx context.Context, runID string, res result.RunResult) error
}

// Archiver ships a finished run directory elsewhere.
type Archiver interface {
	Archive(ctx context.Context, runID, dir string) error
}

// engineEvent is the subset of an engine event line used for exit code recovery.
type engineEvent struct {
	Status string `json:"status"`
	Action string `json:"Action"`
	Actor  struct {
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
}

// exitCodeFromEvent extracts the exit code of a "die" event line.
func exitCodeFromEvent(line string) (int, bool) {
	if !strings.Contains(line, "die") {
		return 0, false
	}
	var ev engineEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return 0, false
	}
	if ev.Action != "die" && ev.Status != "die" {
		return 0, false
	}
	code := parseInt(ev.Actor.Attributes["exitCode"])
	if code == nil {
		return 0, false
	}
	return *code, true
}

func parseInt(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
