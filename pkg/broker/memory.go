package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ipcasj/ethhook/pkg/types"
)

// MemoryEventBroker fans per-chain events out to exactly one consumer group
// each, backed by a bounded channel per chain (capacity ~10,000 per
// spec.md §4.2). It implements EventBroker for the single-process
// deployment variant.
type MemoryEventBroker struct {
	capacity int

	mu      sync.Mutex
	streams map[uint32]chan types.ProcessedEvent
	closed  bool
}

// NewMemoryEventBroker creates an in-process event broker. capacity bounds
// each per-chain channel; zero selects the spec's default of 10,000.
func NewMemoryEventBroker(capacity int) *MemoryEventBroker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryEventBroker{
		capacity: capacity,
		streams:  make(map[uint32]chan types.ProcessedEvent),
	}
}

func (b *MemoryEventBroker) stream(chainID uint32) chan types.ProcessedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.streams[chainID]
	if !ok {
		ch = make(chan types.ProcessedEvent, b.capacity)
		b.streams[chainID] = ch
	}
	return ch
}

// PublishEvent blocks once the channel is full, exerting backpressure back
// to the chain subscriber, per spec.md §4.2.
func (b *MemoryEventBroker) PublishEvent(ctx context.Context, chainID uint32, event types.ProcessedEvent) error {
	ch := b.stream(chainID)
	select {
	case ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeEvents ignores group: a single process has exactly one matcher
// reading each chain's channel, so there is nothing to fan out to.
func (b *MemoryEventBroker) ConsumeEvents(ctx context.Context, chainID uint32, group string, handler func(types.ProcessedEvent) error) error {
	ch := b.stream(chainID)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(event); err != nil {
				// In-memory variant has no redelivery queue; the event is
				// dropped and the error is not logged here.
				continue
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes every per-chain channel; consumers observe end-of-stream.
func (b *MemoryEventBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.streams {
		close(ch)
	}
	return nil
}

// MemoryJobBroker is a bounded-channel FIFO for DeliveryJobs, implementing
// JobBroker for the single-process deployment variant.
type MemoryJobBroker struct {
	jobs chan types.DeliveryJob

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewMemoryJobBroker creates an in-process job queue with the given bound.
func NewMemoryJobBroker(capacity int) *MemoryJobBroker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryJobBroker{jobs: make(chan types.DeliveryJob, capacity)}
}

// PushJob enqueues immediately; blocks if the queue is full.
func (b *MemoryJobBroker) PushJob(ctx context.Context, job types.DeliveryJob) error {
	select {
	case b.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushDelayedJob sleeps in its own goroutine before enqueueing, per the
// in-memory variant's "sleeping task" scheduling model (spec.md §4.5).
func (b *MemoryJobBroker) PushDelayedJob(ctx context.Context, job types.DeliveryJob, delay time.Duration) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case b.jobs <- job:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

// PopJob blocks until a job is available or ctx is cancelled.
func (b *MemoryJobBroker) PopJob(ctx context.Context) (types.DeliveryJob, error) {
	select {
	case job, ok := <-b.jobs:
		if !ok {
			return types.DeliveryJob{}, errors.New("broker: job queue closed")
		}
		return job, nil
	case <-ctx.Done():
		return types.DeliveryJob{}, ctx.Err()
	}
}

// Close waits for in-flight delayed jobs to be scheduled or abandoned, then
// closes the queue.
func (b *MemoryJobBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.wg.Wait()
	close(b.jobs)
	return nil
}

// MemoryKVStore is a mutex-guarded map implementing KVStore for the
// single-process deployment variant. An expired dedup key is only
// overwritten when the same key is set again; no entry is ever removed, so
// the map grows with every distinct identity seen.
type MemoryKVStore struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	circuits map[string]circuitEntry
}

type circuitEntry struct {
	circuit types.EndpointCircuit
	expires time.Time
}

// NewMemoryKVStore creates an empty in-process KV store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{
		seen:     make(map[string]time.Time),
		circuits: make(map[string]circuitEntry),
	}
}

// SetIfAbsent implements dedup: returns true the first time key is seen
// within ttl, false on every subsequent call until it expires.
func (s *MemoryKVStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := s.seen[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

// GetCircuit returns stored circuit state, treating an expired entry as
// absent.
func (s *MemoryKVStore) GetCircuit(ctx context.Context, endpointID string) (types.EndpointCircuit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.circuits[endpointID]
	if !ok || time.Now().After(entry.expires) {
		return types.EndpointCircuit{}, false, nil
	}
	return entry.circuit, true, nil
}

// PutCircuit stores circuit state with a TTL.
func (s *MemoryKVStore) PutCircuit(ctx context.Context, circuit types.EndpointCircuit, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.circuits[circuit.EndpointID] = circuitEntry{circuit: circuit, expires: time.Now().Add(ttl)}
	return nil
}

// Close is a no-op; the store holds no external resources.
func (s *MemoryKVStore) Close() error {
	return nil
}
