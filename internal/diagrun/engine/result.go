package engine

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Container status values reported by the engine.
const (
	StatusCreated    = "created"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusRestarting = "restarting"
	StatusRemoving   = "removing"
	StatusExited     = "exited"
	StatusDead       = "dead"
)

// Document is a JSON object emitted by a probe subcommand (version, info).
// When the output does not decode, Fields is nil and the raw command result is kept.
type Document struct {
	Fields     map[string]interface{}
	ParseError bool
	Raw        CommandResult
}

// MarshalJSON writes the decoded object, or the raw invocation when decoding failed.
func (d Document) MarshalJSON() ([]byte, error) {
	if d.Fields != nil {
		return json.Marshal(d.Fields)
	}
	return json.Marshal(rawView(d.Raw, d.ParseError))
}

// Available reports whether the engine answered the probe.
func (d Document) Available() bool {
	return d.Fields != nil
}

func decodeDocument(res CommandResult) Document {
	doc := Document{Raw: res}
	if !res.OK() || strings.TrimSpace(res.Stdout) == "" {
		return doc
	}
	fields, err := decodeObject([]byte(res.Stdout))
	if err != nil {
		doc.ParseError = true
		return doc
	}
	doc.Fields = fields
	return doc
}

// InspectResult is the decoded output of `inspect <id>`.
type InspectResult struct {
	Fields     map[string]interface{}
	ParseError bool
	Raw        CommandResult
}

// MarshalJSON writes the first inspected object, or the raw invocation.
func (r InspectResult) MarshalJSON() ([]byte, error) {
	if r.Fields != nil {
		return json.Marshal(r.Fields)
	}
	return json.Marshal(rawView(r.Raw, r.ParseError))
}

func decodeInspect(res CommandResult) InspectResult {
	out := InspectResult{Raw: res}
	if !res.OK() || strings.TrimSpace(res.Stdout) == "" {
		return out
	}
	dec := json.NewDecoder(strings.NewReader(res.Stdout))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		out.ParseError = true
		return out
	}
	switch doc := v.(type) {
	case []interface{}:
		if len(doc) == 0 {
			out.ParseError = true
			return out
		}
		obj, ok := doc[0].(map[string]interface{})
		if !ok {
			out.ParseError = true
			return out
		}
		out.Fields = obj
	case map[string]interface{}:
		out.Fields = doc
	default:
		out.ParseError = true
	}
	return out
}

// ContainerState is the typed view of the engine State object.
// Missing fields keep their zero value; unknown fields are ignored.
type ContainerState struct {
	Status     string
	Running    bool
	OOMKilled  bool
	Dead       bool
	Pid        int
	ExitCode   *int
	Error      string
	StartedAt  string
	FinishedAt string
}

// StateResult is the decoded output of `inspect --format {{json .State}}`.
type StateResult struct {
	State      *ContainerState
	Fields     map[string]interface{}
	ParseError bool
	Raw        CommandResult
}

// MarshalJSON writes the State object as the engine reported it, or the raw invocation.
func (r StateResult) MarshalJSON() ([]byte, error) {
	if r.Fields != nil {
		return json.Marshal(r.Fields)
	}
	return json.Marshal(rawView(r.Raw, r.ParseError))
}

// Terminal reports whether the engine considers the container finished.
func (r StateResult) Terminal() bool {
	if r.State == nil {
		return false
	}
	return r.State.Status == StatusExited || r.State.Status == StatusDead
}

// Status returns the reported status or "".
func (r StateResult) Status() string {
	if r.State == nil {
		return ""
	}
	return r.State.Status
}

// ExitCode returns the reported exit code when present.
func (r StateResult) ExitCode() *int {
	if r.State == nil || r.State.ExitCode == nil {
		return nil
	}
	code := *r.State.ExitCode
	return &code
}

func decodeState(res CommandResult) StateResult {
	out := StateResult{Raw: res}
	if !res.OK() || strings.TrimSpace(res.Stdout) == "" {
		return out
	}
	fields, err := decodeObject([]byte(res.Stdout))
	if err != nil {
		out.ParseError = true
		return out
	}
	out.Fields = fields
	out.State = &ContainerState{
		Status:     lowerString(fields["Status"]),
		Running:    boolField(fields["Running"]),
		OOMKilled:  boolField(fields["OOMKilled"]),
		Dead:       boolField(fields["Dead"]),
		Pid:        intOrZero(fields["Pid"]),
		ExitCode:   intField(fields["ExitCode"]),
		Error:      stringField(fields["Error"]),
		StartedAt:  stringField(fields["StartedAt"]),
		FinishedAt: stringField(fields["FinishedAt"]),
	}
	return out
}

func decodeObject(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(data)))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

const errNotObject = decodeError("engine output is not a JSON object")

func rawView(res CommandResult, parseError bool) map[string]interface{} {
	view := map[string]interface{}{
		"rc":     res.RC,
		"stdout": res.Stdout,
		"stderr": res.Stderr,
	}
	if parseError {
		view["parse_error"] = true
	}
	if res.Error != "" {
		view["error"] = res.Error
	}
	return view
}

func stringField(v interface{}) string {
	s, _ := v.(string)
	return s
}

func lowerString(v interface{}) string {
	return strings.ToLower(stringField(v))
}

func boolField(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func intField(v interface{}) *int {
	var n int
	switch x := v.(type) {
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return nil
			}
			i = int64(f)
		}
		n = int(i)
	case float64:
		n = int(x)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

func intOrZero(v interface{}) int {
	if p := intField(v); p != nil {
		return *p
	}
	return 0
}
