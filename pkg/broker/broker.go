// Package broker is the pluggable transport between pipeline stages
// (spec.md §6.2): either in-process bounded channels, or a durable broker
// built on Redis streams, a FIFO list, and a TTL key-value store. The rest
// of the system depends only on the EventBroker / JobBroker / KVStore
// interfaces defined here, never on a concrete backend.
package broker

import (
	"context"
	"time"

	"github.com/ipcasj/ethhook/pkg/types"
)

// EventBroker carries ProcessedEvent values from C2 to C3, one stream per
// chain so per-chain ordering (spec.md invariant 5) is preserved.
type EventBroker interface {
	// PublishEvent appends event to the chain's stream.
	PublishEvent(ctx context.Context, chainID uint32, event types.ProcessedEvent) error

	// ConsumeEvents delivers events for chainID to handler until ctx is
	// cancelled. Handler errors do not stop the loop; neither backend
	// redelivers the event (the in-memory broker drops it, the Redis broker
	// acknowledges it regardless of the handler's result).
	ConsumeEvents(ctx context.Context, chainID uint32, group string, handler func(types.ProcessedEvent) error) error

	Close() error
}

// JobBroker carries DeliveryJobs from C3/C4 to C5 workers via a single
// FIFO queue, per spec.md §4.4.
type JobBroker interface {
	// PushJob enqueues a job for immediate dispatch.
	PushJob(ctx context.Context, job types.DeliveryJob) error

	// PushDelayedJob enqueues a job to become visible after delay, a
	// broker-level retry primitive. Delivery retries go through
	// scheduler.ScheduleRetry instead; nothing in this repository calls it.
	PushDelayedJob(ctx context.Context, job types.DeliveryJob, delay time.Duration) error

	// PopJob blocks until a job is available or ctx is cancelled.
	PopJob(ctx context.Context) (types.DeliveryJob, error)

	Close() error
}

// KVStore backs dedup identities (SET with TTL) and per-endpoint circuit
// breaker state, per spec.md §6.2.
type KVStore interface {
	// SetIfAbsent returns true if key was newly set (i.e. not a duplicate),
	// false if it already existed. Used by the deduplicator (C2).
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// GetCircuit returns the stored circuit state for endpointID, or the
	// zero value and false if none is stored.
	GetCircuit(ctx context.Context, endpointID string) (types.EndpointCircuit, bool, error)

	// PutCircuit stores circuit state with a TTL so a crashed process
	// doesn't wedge an endpoint open forever.
	PutCircuit(ctx context.Context, circuit types.EndpointCircuit, ttl time.Duration) error

	Close() error
}
