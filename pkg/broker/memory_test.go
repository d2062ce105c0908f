package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcasj/ethhook/pkg/types"
)

func TestMemoryKVStore_SetIfAbsent(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	fresh, err := store.SetIfAbsent(ctx, "1:0xabc:0", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "first insert should be fresh")

	fresh, err = store.SetIfAbsent(ctx, "1:0xabc:0", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh, "second insert of the same identity is a duplicate")
}

func TestMemoryKVStore_SetIfAbsent_ExpiresAfterTTL(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, "1:0xabc:0", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	fresh, err := store.SetIfAbsent(ctx, "1:0xabc:0", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "identity should be fresh again once its ttl elapses")
}

func TestMemoryKVStore_Circuit_RoundTrip(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	_, ok, err := store.GetCircuit(ctx, "ep-1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := types.EndpointCircuit{EndpointID: "ep-1", State: types.CircuitOpen, ConsecutiveFailures: 5}
	require.NoError(t, store.PutCircuit(ctx, want, time.Minute))

	got, ok, err := store.GetCircuit(ctx, "ep-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestMemoryJobBroker_PushPop(t *testing.T) {
	b := NewMemoryJobBroker(10)
	ctx := context.Background()

	job := types.DeliveryJob{
		Event:    types.ProcessedEvent{ID: "evt-1"},
		Endpoint: types.Endpoint{ID: "ep-1"},
		Attempt:  1,
	}
	require.NoError(t, b.PushJob(ctx, job))

	got, err := b.PopJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Key(), got.Key())
}

func TestMemoryJobBroker_PushDelayedJob(t *testing.T) {
	b := NewMemoryJobBroker(10)
	ctx := context.Background()

	job := types.DeliveryJob{Event: types.ProcessedEvent{ID: "evt-1"}, Endpoint: types.Endpoint{ID: "ep-1"}, Attempt: 2}
	require.NoError(t, b.PushDelayedJob(ctx, job, 20*time.Millisecond))

	popCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	got, err := b.PopJob(popCtx)
	require.NoError(t, err)
	assert.Equal(t, job.Key(), got.Key())
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestMemoryEventBroker_PublishConsume_PerChainOrder(t *testing.T) {
	b := NewMemoryEventBroker(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, b.PublishEvent(ctx, 1, types.ProcessedEvent{BlockNumber: i}))
	}

	var received []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.ConsumeEvents(ctx, 1, "matcher", func(e types.ProcessedEvent) error {
			received = append(received, e.BlockNumber)
			if len(received) == 5 {
				cancel()
			}
			return nil
		})
	}()

	<-done
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, received)
}

func TestMemoryEventBroker_SeparatesChains(t *testing.T) {
	b := NewMemoryEventBroker(10)
	ctx := context.Background()

	require.NoError(t, b.PublishEvent(ctx, 1, types.ProcessedEvent{ChainID: 1}))
	require.NoError(t, b.PublishEvent(ctx, 2, types.ProcessedEvent{ChainID: 2}))

	chain1Ctx, cancel1 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel1()
	_ = b.ConsumeEvents(chain1Ctx, 1, "matcher", func(e types.ProcessedEvent) error {
		assert.Equal(t, uint32(1), e.ChainID)
		return nil
	})
}
