package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Writer persists the artifacts of one run directory.
// JSON artifacts are replaced atomically; streams are append-only.
type Writer struct {
	layout Layout

	mu      sync.Mutex
	journal []string
}

// NewWriter creates a writer bound to a run directory.
func NewWriter(layout Layout) *Writer {
	return &Writer{layout: layout}
}

// Layout returns the run directory layout.
func (w *Writer) Layout() Layout {
	return w.layout
}

// Dir returns the run directory.
func (w *Writer) Dir() string {
	return w.layout.Dir
}

// WriteJSON serializes v with two-space indentation, sorted object keys and a
// trailing newline, then renames it into place.
func (w *Writer) WriteJSON(name string, v interface{}) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return w.WriteFile(name, data)
}

// WriteText writes a plain text artifact atomically.
func (w *Writer) WriteText(name, text string) error {
	return w.WriteFile(name, []byte(text))
}

// WriteFile writes data to a temporary file in the run directory and renames it over name.
func (w *Writer) WriteFile(name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.layout.Dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, w.layout.Path(name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	w.record(name)
	return nil
}

// OpenAppend opens a stream artifact for appending, creating it when missing.
func (w *Writer) OpenAppend(name string) (*os.File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(w.layout.Path(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	w.record(name)
	return f, nil
}

// Journal returns the artifact names in the order they were last written or opened.
func (w *Writer) Journal() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.journal))
	copy(out, w.journal)
	return out
}

func (w *Writer) record(name string) {
	w.mu.Lock()
	w.journal = append(w.journal, name)
	w.mu.Unlock()
}

func checkName(name string) error {
	if name == "" || strings.ContainsRune(name, filepath.Separator) || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

// EncodeJSON renders v the way every run artifact is stored. Struct fields are
// re-keyed through a generic map so that object keys come out sorted.
func EncodeJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
