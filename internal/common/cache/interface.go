package cache

import (
	"context"
	"time"
)

// Cache defines the cache operations used by run status tracking.
// The abstraction keeps the status store independent of the Redis client.
type Cache interface {
	BasicOps
	ListOps
	PipelineOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key; a missing key yields "" and no error
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of given keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// ListOps defines list operations
type ListOps interface {
	// RPush appends values to the list stored at key
	RPush(ctx context.Context, key string, values ...interface{}) error

	// LRange returns the specified elements of the list stored at key
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LTrim trims the list to the specified range
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	// Pipeline queues the commands issued by fn and executes them in one round trip
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner queues commands inside a pipeline
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	RPush(key string, values ...interface{}) error
	LTrim(key string, start, stop int64) error
	Expire(key string, ttl time.Duration) error
}
