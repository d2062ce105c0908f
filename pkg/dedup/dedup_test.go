package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/types"
)

// failingKV always errors, exercising the fall-back-to-fresh path
// (spec.md §4.2: a dedup store outage must not stall the pipeline).
type failingKV struct{ broker.KVStore }

func (failingKV) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, assert.AnError
}

type recordingAnalytics struct {
	mu     sync.Mutex
	events []types.ProcessedEvent
	err    error
}

func (r *recordingAnalytics) WriteEvents(ctx context.Context, events []types.ProcessedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, events...)
	return nil
}

func newMemoryStore() *broker.MemoryKVStore {
	return broker.NewMemoryKVStore()
}

func TestProcess_NormalizesAndPublishes(t *testing.T) {
	kv := newMemoryStore()
	events := broker.NewMemoryEventBroker(10)
	analytics := &recordingAnalytics{}
	p := NewProcessor(kv, events, analytics)

	raw := types.RawLog{
		ChainID:         1,
		BlockNumber:     100,
		BlockHash:       "0xABC123",
		TransactionHash: "0xDEF456",
		LogIndex:        0,
		Address:         "0xAbCdEf0000000000000000000000000000000001",
		Topics:          []string{"0xFEED"},
		Data:            "0x00",
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p.Process(ctx, raw)

	require.Len(t, analytics.events, 1)
	event := analytics.events[0]
	assert.Equal(t, "0xabc123", event.BlockHash)
	assert.Equal(t, "0xdef456", event.TransactionHash)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", event.ContractAddress)
	assert.Equal(t, []string{"0xfeed"}, event.Topics)
	assert.NotEmpty(t, event.ID)

	var published []types.ProcessedEvent
	consumeCtx, stopConsume := context.WithTimeout(ctx, 100*time.Millisecond)
	defer stopConsume()
	_ = events.ConsumeEvents(consumeCtx, 1, "test", func(e types.ProcessedEvent) error {
		published = append(published, e)
		stopConsume()
		return nil
	})
	require.Len(t, published, 1)
	assert.Equal(t, event.ID, published[0].ID)
}

func TestProcess_DuplicateIsSuppressed(t *testing.T) {
	kv := newMemoryStore()
	events := broker.NewMemoryEventBroker(10)
	analytics := &recordingAnalytics{}
	p := NewProcessor(kv, events, analytics)

	raw := types.RawLog{ChainID: 1, TransactionHash: "0xabc", LogIndex: 0}
	ctx := context.Background()

	p.Process(ctx, raw)
	p.Process(ctx, raw)

	assert.Len(t, analytics.events, 1)
}

func TestProcess_StoreFailureFallsBackToFresh(t *testing.T) {
	events := broker.NewMemoryEventBroker(10)
	analytics := &recordingAnalytics{}
	p := NewProcessor(failingKV{}, events, analytics)

	raw := types.RawLog{ChainID: 1, TransactionHash: "0xabc", LogIndex: 0}
	ctx := context.Background()

	p.Process(ctx, raw)

	assert.Len(t, analytics.events, 1, "a dedup store error must not drop the event")
}

func TestProcess_AnalyticsFailureDoesNotBlockPublish(t *testing.T) {
	kv := newMemoryStore()
	events := broker.NewMemoryEventBroker(10)
	analytics := &recordingAnalytics{err: assert.AnError}
	p := NewProcessor(kv, events, analytics)

	raw := types.RawLog{ChainID: 7, TransactionHash: "0xabc", LogIndex: 0}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p.Process(ctx, raw)

	var received types.ProcessedEvent
	done := make(chan struct{})
	go func() {
		_ = events.ConsumeEvents(ctx, 7, "test", func(e types.ProcessedEvent) error {
			received = e
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("expected event to be published downstream despite analytics failure")
	}
	assert.Equal(t, uint32(7), received.ChainID)
}

func TestCanonicalHex(t *testing.T) {
	assert.Equal(t, "0xabc", canonicalHex("0xABC"))
	assert.Equal(t, "0xabc", canonicalHex("ABC"))
}

func TestRun_ProcessesUntilChannelClosed(t *testing.T) {
	kv := newMemoryStore()
	events := broker.NewMemoryEventBroker(10)
	analytics := &recordingAnalytics{}
	p := NewProcessor(kv, events, analytics)

	in := make(chan types.RawLog, 2)
	in <- types.RawLog{ChainID: 1, TransactionHash: "0x1", LogIndex: 0}
	in <- types.RawLog{ChainID: 1, TransactionHash: "0x2", LogIndex: 0}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx, in)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Run did not return after input channel closed")
	}
	assert.Len(t, analytics.events, 2)
}
