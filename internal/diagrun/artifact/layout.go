// Package artifact defines the per-run directory layout and persists stage artifacts.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Stage artifact file names.
const (
	FileRequest            = "request.json"
	FilePull               = "pull.json"
	FileCreate             = "create.json"
	FileInspectCreate      = "inspect.create.json"
	FileStart              = "start.json"
	FileInspectStartFailed = "inspect.start_failed.json"
	FileEvents             = "events.jsonl"
	FileContainerLog       = "container.log"
	FileStateLast          = "state.last.json"
	FileTimeout            = "timeout.json"
	FileKill               = "kill.json"
	FileStateAfterKill     = "state.after_kill.json"
	FileInspectFinal       = "inspect.final.json"
	FileWait               = "wait.json"
	FileResult             = "result.json"

	// StderrSuffix names the sibling file holding a tailer subprocess's own stderr.
	StderrSuffix = ".stderr.txt"
)

const (
	defaultRunName  = "diagnostic"
	emptyRunName    = "run"
	maxRunNameLen   = 80
	maxCollisionTry = 1000
)

// Layout describes the filesystem layout for one run.
type Layout struct {
	Root  string
	Dir   string
	RunID string
}

// Path returns the absolute path of a stage file.
func (l Layout) Path(name string) string {
	return filepath.Join(l.Dir, name)
}

// StderrPath returns the sibling stderr file of a streamed artifact.
func (l Layout) StderrPath(name string) string {
	return l.Path(name + StderrSuffix)
}

// SanitizeName keeps [A-Za-z0-9-_.], replaces everything else with '_', trims
// surrounding underscores and caps the length.
func SanitizeName(name string) string {
	if name == "" {
		name = defaultRunName
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return emptyRunName
	}
	if len(out) > maxRunNameLen {
		out = out[:maxRunNameLen]
	}
	return out
}

// RunID composes the run directory name from the request name and the start time.
func RunID(name string, startMs int64) string {
	return fmt.Sprintf("%s-%d", SanitizeName(name), startMs)
}

// CreateRunDir creates a fresh run directory under root. The directory is created
// exclusively; when another run already holds the name a numeric suffix is appended.
func CreateRunDir(root, name string, startMs int64) (Layout, error) {
	if strings.TrimSpace(root) == "" {
		return Layout{}, errors.New("artifacts root is empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve artifacts root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return Layout{}, fmt.Errorf("create artifacts root: %w", err)
	}

	base := RunID(name, startMs)
	runID := base
	for i := 1; i <= maxCollisionTry; i++ {
		dir := filepath.Join(absRoot, runID)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return Layout{Root: absRoot, Dir: dir, RunID: runID}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return Layout{}, fmt.Errorf("create run dir: %w", err)
		}
		runID = fmt.Sprintf("%s-%d", base, i)
	}
	return Layout{}, fmt.Errorf("create run dir: %s is exhausted", base)
}
