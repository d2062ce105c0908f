package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/types"
)

func testJob(endpointID string, attempt uint8) types.DeliveryJob {
	return types.DeliveryJob{
		Event:    types.ProcessedEvent{ID: "evt-1"},
		Endpoint: types.Endpoint{ID: endpointID, IsActive: true},
		Attempt:  attempt,
	}
}

func TestScheduler_DispatchesToJobBroker(t *testing.T) {
	jobs := broker.NewMemoryJobBroker(10)
	s := NewScheduler(jobs, nil, 10)
	ctx := context.Background()

	s.Submit(ctx, testJob("ep-1", 1))

	got, err := jobs.PopJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ep-1", got.Endpoint.ID)
}

// blockingJobBroker blocks every PushJob until unblock is closed, so tests
// can deterministically fill an endpoint's bounded waiting queue.
type blockingJobBroker struct {
	unblock chan struct{}
}

func (b *blockingJobBroker) PushJob(ctx context.Context, job types.DeliveryJob) error {
	<-b.unblock
	return nil
}
func (b *blockingJobBroker) PushDelayedJob(ctx context.Context, job types.DeliveryJob, delay time.Duration) error {
	return nil
}
func (b *blockingJobBroker) PopJob(ctx context.Context) (types.DeliveryJob, error) {
	<-ctx.Done()
	return types.DeliveryJob{}, ctx.Err()
}
func (b *blockingJobBroker) Close() error { return nil }

func TestScheduler_OverflowDrop(t *testing.T) {
	jobs := &blockingJobBroker{unblock: make(chan struct{})}
	defer close(jobs.unblock)

	s := NewScheduler(jobs, nil, 1) // endpoint's waiting queue holds just 1

	var dropped []DropReason
	s.OnDrop(func(job types.DeliveryJob, reason DropReason) {
		dropped = append(dropped, reason)
	})

	ctx := context.Background()
	blocking := types.Endpoint{ID: "ep-block", IsActive: true}

	// First submit is picked up by the dispatch loop and blocks on PushJob.
	// Remaining submits fill (and overflow) the size-1 waiting queue.
	for i := 0; i < 5; i++ {
		s.Submit(ctx, types.DeliveryJob{Event: types.ProcessedEvent{ID: "e"}, Endpoint: blocking, Attempt: 1})
	}

	require.Eventually(t, func() bool { return len(dropped) > 0 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, dropped, DropOverloaded)
}

func TestScheduler_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	jobs := broker.NewMemoryJobBroker(100)
	s := NewScheduler(jobs, nil, 100)
	ctx := context.Background()

	var dropped []DropReason
	s.OnDrop(func(job types.DeliveryJob, reason DropReason) {
		dropped = append(dropped, reason)
	})

	endpoint := types.Endpoint{ID: "ep-flaky", IsActive: true}

	for i := 1; i <= circuitFailureThreshold; i++ {
		job := types.DeliveryJob{Event: types.ProcessedEvent{ID: "e"}, Endpoint: endpoint, Attempt: uint8(i)}
		s.Submit(ctx, job)
		popped, err := jobs.PopJob(ctx)
		require.NoError(t, err)
		s.CompleteJob(popped, false)
	}

	require.Eventually(t, func() bool {
		return s.EndpointCircuits()["ep-flaky"] == "open"
	}, time.Second, 10*time.Millisecond)

	// One more job should be rejected without reaching the broker.
	s.Submit(ctx, types.DeliveryJob{Event: types.ProcessedEvent{ID: "e"}, Endpoint: endpoint, Attempt: 99})
	require.Eventually(t, func() bool { return len(dropped) > 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, DropCircuitOpen, dropped[len(dropped)-1])
}

func TestScheduler_SharedCircuitGatesOtherReplicas(t *testing.T) {
	kv := broker.NewMemoryKVStore()
	endpoint := types.Endpoint{ID: "ep-shared", IsActive: true}

	tripped := broker.NewMemoryJobBroker(100)
	s1 := NewScheduler(tripped, kv, 100)
	ctx := context.Background()

	for i := 1; i <= circuitFailureThreshold; i++ {
		job := types.DeliveryJob{Event: types.ProcessedEvent{ID: "e"}, Endpoint: endpoint, Attempt: uint8(i)}
		s1.Submit(ctx, job)
		popped, err := tripped.PopJob(ctx)
		require.NoError(t, err)
		s1.CompleteJob(popped, false)
	}
	require.Eventually(t, func() bool {
		return s1.EndpointCircuits()["ep-shared"] == "open"
	}, time.Second, 10*time.Millisecond)

	// A second scheduler instance (standing in for a sibling replica) has
	// never seen a failure itself, but shares the same kv store, so it
	// must still refuse jobs for ep-shared.
	fresh := broker.NewMemoryJobBroker(100)
	s2 := NewScheduler(fresh, kv, 100)

	var dropped []DropReason
	s2.OnDrop(func(job types.DeliveryJob, reason DropReason) {
		dropped = append(dropped, reason)
	})

	s2.Submit(ctx, types.DeliveryJob{Event: types.ProcessedEvent{ID: "e"}, Endpoint: endpoint, Attempt: 1})

	require.Eventually(t, func() bool { return len(dropped) > 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, DropCircuitOpen, dropped[0])

	ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := fresh.PopJob(ctx2)
	assert.Error(t, err, "a circuit-open job must never reach the broker")
}

func TestScheduler_CompleteJobResetsOnSuccess(t *testing.T) {
	jobs := broker.NewMemoryJobBroker(100)
	s := NewScheduler(jobs, nil, 100)
	ctx := context.Background()

	endpoint := types.Endpoint{ID: "ep-recover", IsActive: true}
	attempt := uint8(0)
	complete := func(success bool) {
		attempt++
		job := testJob(endpoint.ID, attempt)
		job.Endpoint = endpoint
		s.Submit(ctx, job)
		popped, err := jobs.PopJob(ctx)
		require.NoError(t, err)
		s.CompleteJob(popped, success)
	}

	// threshold-1 failures, a success, then threshold-1 more failures: the
	// circuit only stays closed if the success reset the failure count.
	for i := 0; i < circuitFailureThreshold-1; i++ {
		complete(false)
	}
	complete(true)
	for i := 0; i < circuitFailureThreshold-1; i++ {
		complete(false)
	}

	assert.Equal(t, "closed", s.EndpointCircuits()["ep-recover"])
}
