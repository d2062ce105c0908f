// Package dedup implements the Deduplicator & Normalizer (C2): it drops
// RawLogs already seen within the retention window and turns the rest into
// canonical ProcessedEvent records, writing them to the analytics store and
// publishing them downstream to the matcher (C3).
package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/metrics"
	"github.com/ipcasj/ethhook/pkg/types"
)

// retentionWindow is the minimum dedup TTL required by invariant 1
// (spec.md §3): 48 hours.
const retentionWindow = 48 * time.Hour

// AnalyticsWriter is the subset of analyticsstore.Store the deduplicator
// needs; satisfied by *analyticsstore.Store.
type AnalyticsWriter interface {
	WriteEvents(ctx context.Context, events []types.ProcessedEvent) error
}

// Processor turns a stream of RawLogs into deduplicated, normalized
// ProcessedEvents published through an EventBroker.
type Processor struct {
	kv        broker.KVStore
	events    broker.EventBroker
	analytics AnalyticsWriter
	logger    zerolog.Logger
}

// NewProcessor wires a Processor. analytics may be nil to skip the
// best-effort analytics write (e.g. in tests).
func NewProcessor(kv broker.KVStore, events broker.EventBroker, analytics AnalyticsWriter) *Processor {
	return &Processor{
		kv:        kv,
		events:    events,
		analytics: analytics,
		logger:    log.WithComponent("dedup"),
	}
}

// Run reads raw logs from in and blocks until in is closed or ctx is
// cancelled. Per spec.md §4.2, downstream backpressure (a full bounded
// channel, or a broker publish failure the caller chooses to retry)
// propagates back to the caller of Process via blocking, all the way to
// the chain subscriber's WebSocket reader.
func (p *Processor) Run(ctx context.Context, in <-chan types.RawLog) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			p.Process(ctx, raw)
		}
	}
}

// Process normalizes and deduplicates a single RawLog, publishing it
// downstream if it is fresh.
func (p *Processor) Process(ctx context.Context, raw types.RawLog) {
	identity := raw.Identity()

	fresh, err := p.kv.SetIfAbsent(ctx, identity, retentionWindow)
	if err != nil {
		p.logger.Warn().Err(err).Str("identity", identity).Msg("dedup store failed, treating as fresh")
		fresh = true
	}
	if !fresh {
		metrics.DuplicateEventsTotal.WithLabelValues(chainLabel(raw.ChainID)).Inc()
		return
	}

	event := normalize(raw)
	metrics.EventsIngestedTotal.WithLabelValues(chainLabel(raw.ChainID)).Inc()

	if p.analytics != nil {
		if err := p.analytics.WriteEvents(ctx, []types.ProcessedEvent{event}); err != nil {
			p.logger.Warn().Err(err).Str("event_id", event.ID).Msg("analytics write failed, dropping")
			metrics.AnalyticsWriteFailuresTotal.WithLabelValues("event").Inc()
		}
	}

	if err := p.events.PublishEvent(ctx, event.ChainID, event); err != nil {
		p.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to publish event downstream")
	}
}

// normalize canonicalizes addresses and topics to lowercase 0x-prefixed
// hex and assigns a fresh identity, per spec.md §4.2.
func normalize(raw types.RawLog) types.ProcessedEvent {
	topics := make([]string, len(raw.Topics))
	for i, t := range raw.Topics {
		topics[i] = canonicalHex(t)
	}

	return types.ProcessedEvent{
		ID:              uuid.NewString(),
		ChainID:         raw.ChainID,
		BlockNumber:     raw.BlockNumber,
		BlockHash:       canonicalHex(raw.BlockHash),
		TransactionHash: canonicalHex(raw.TransactionHash),
		LogIndex:        raw.LogIndex,
		ContractAddress: canonicalHex(raw.Address),
		Topics:          topics,
		Data:            raw.Data,
		IngestedAt:      time.Now().UTC(),
	}
}

func canonicalHex(s string) string {
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

func chainLabel(chainID uint32) string {
	return strings.TrimSpace(uint32ToString(chainID))
}

func uint32ToString(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := make([]byte, 0, 10)
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}
