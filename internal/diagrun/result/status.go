package result

// StatusUpdate reports one lifecycle transition of a run.
type StatusUpdate struct {
	RunID       string   `json:"run_id"`
	TraceID     string   `json:"trace_id,omitempty"`
	State       RunState `json:"state"`
	ContainerID string   `json:"container_id,omitempty"`
	AtMs        int64    `json:"at_ms"`
	// Result is set on the FINALIZED transition only.
	Result *RunResult `json:"result,omitempty"`
}
