package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID     key = "trace_id"
	RunID       key = "run_id"
	ContainerID key = "container_id"
)
