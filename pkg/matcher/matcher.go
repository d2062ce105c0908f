// Package matcher implements the Endpoint Matcher (C3): an in-memory,
// periodically refreshed snapshot of active endpoints, matched against
// incoming ProcessedEvents to produce DeliveryJobs, per spec.md §4.3.
package matcher

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/metrics"
	"github.com/ipcasj/ethhook/pkg/types"
)

const (
	// batchWindow is the accumulation window invariant 4 (spec.md §4.3)
	// requires: events arriving within this window are matched together.
	batchWindow = 100 * time.Millisecond

	// maxBatchSize bounds how long a single batch can grow before being
	// flushed early, so one very bursty chain can't delay its own match.
	maxBatchSize = 500

	// staleThreshold is how long the cache may go without a successful
	// refresh before Healthy reports failure (spec.md §4.3 failure
	// semantics: "after a configurable staleness threshold").
	staleThreshold = 60 * time.Second
)

// ConfigStore is the subset of configstore.Store the matcher needs.
type ConfigStore interface {
	ActiveEndpoints(ctx context.Context) ([]types.Endpoint, error)
}

// JobSubmitter accepts a freshly matched DeliveryJob for dispatch. The
// matcher routes every job through this rather than pushing straight onto
// a broker queue, so a first attempt is subject to the same per-endpoint
// circuit breaker and rate limiter as a retry (satisfied by
// *scheduler.Scheduler).
type JobSubmitter interface {
	Submit(ctx context.Context, job types.DeliveryJob)
}

// snapshot is an immutable view of the active endpoint set, indexed for
// O(1)-per-event lookup.
type snapshot struct {
	byContract map[string][]types.Endpoint
	wildcard   []types.Endpoint
	loadedAt   time.Time
}

// Matcher holds the current endpoint snapshot and matches events against
// it, submitting DeliveryJobs to a JobSubmitter.
type Matcher struct {
	store ConfigStore
	jobs  JobSubmitter

	refreshInterval time.Duration
	logger          zerolog.Logger

	current     atomic.Pointer[snapshot]
	lastSuccess atomic.Pointer[time.Time]
}

// New constructs a Matcher. Call LoadInitial once before Run/RefreshLoop so
// the first batch of events has a populated cache to match against.
func New(store ConfigStore, jobs JobSubmitter, refreshInterval time.Duration) *Matcher {
	m := &Matcher{
		store:           store,
		jobs:            jobs,
		refreshInterval: refreshInterval,
		logger:          log.WithComponent("matcher"),
	}
	m.current.Store(&snapshot{byContract: map[string][]types.Endpoint{}})
	return m
}

// LoadInitial performs the startup query described in spec.md §4.3.
func (m *Matcher) LoadInitial(ctx context.Context) error {
	return m.refresh(ctx)
}

// RefreshLoop ticks every refreshInterval, rebuilding the snapshot. A query
// failure is logged and the stale snapshot kept in place, per spec.md §4.3.
func (m *Matcher) RefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("endpoint cache refresh failed, serving stale cache")
			}
		}
	}
}

func (m *Matcher) refresh(ctx context.Context) error {
	endpoints, err := m.store.ActiveEndpoints(ctx)
	if err != nil {
		return err
	}

	next := &snapshot{
		byContract: make(map[string][]types.Endpoint, len(endpoints)),
		loadedAt:   time.Now(),
	}
	for _, e := range endpoints {
		if len(e.ContractAddresses) == 0 {
			next.wildcard = append(next.wildcard, e)
			continue
		}
		for _, addr := range e.ContractAddresses {
			key := strings.ToLower(addr)
			next.byContract[key] = append(next.byContract[key], e)
		}
	}

	m.current.Store(next)
	now := time.Now()
	m.lastSuccess.Store(&now)
	return nil
}

// CacheSize implements metrics.MatcherStats.
func (m *Matcher) CacheSize() int {
	snap := m.current.Load()
	total := len(snap.wildcard)
	for _, endpoints := range snap.byContract {
		total += len(endpoints)
	}
	return total
}

// CacheAge implements metrics.MatcherStats.
func (m *Matcher) CacheAge() time.Duration {
	snap := m.current.Load()
	if snap.loadedAt.IsZero() {
		return 0
	}
	return time.Since(snap.loadedAt)
}

// Healthy reports whether the cache has refreshed successfully within
// staleThreshold, per spec.md §4.3's health-check failure surface.
func (m *Matcher) Healthy() bool {
	last := m.lastSuccess.Load()
	if last == nil {
		return false
	}
	return time.Since(*last) < staleThreshold
}

// candidates returns every endpoint that could match event, without
// re-checking the full Matches rule (the caller does that).
func (m *Matcher) candidates(event types.ProcessedEvent) []types.Endpoint {
	snap := m.current.Load()
	key := strings.ToLower(event.ContractAddress)

	out := make([]types.Endpoint, 0, len(snap.wildcard)+len(snap.byContract[key]))
	out = append(out, snap.wildcard...)
	out = append(out, snap.byContract[key]...)
	return out
}

// MatchBatch matches every event in batch against the current cache
// snapshot in one pass and emits a DeliveryJob per matching pair. This is
// the single-lookup-per-batch contract spec.md §4.3 requires.
func (m *Matcher) MatchBatch(ctx context.Context, batch []types.ProcessedEvent) error {
	if len(batch) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MatchLatency)
	metrics.MatchBatchSize.Observe(float64(len(batch)))

	for _, event := range batch {
		for _, endpoint := range m.candidates(event) {
			if !endpoint.Matches(event) {
				continue
			}
			job := types.DeliveryJob{
				Event:       event,
				Endpoint:    endpoint,
				Attempt:     1,
				ScheduledAt: time.Now(),
			}
			m.jobs.Submit(ctx, job)
			metrics.DeliveryJobsCreatedTotal.Inc()
		}
	}
	return nil
}

// Run accumulates events from in into windows of at most batchWindow (or
// maxBatchSize events, whichever comes first) and matches each window as a
// single batch. Returns when in is closed or ctx is cancelled.
func (m *Matcher) Run(ctx context.Context, in <-chan types.ProcessedEvent) {
	var batch []types.ProcessedEvent
	timer := time.NewTimer(batchWindow)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.MatchBatch(ctx, batch); err != nil {
			m.logger.Error().Err(err).Msg("match batch failed")
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case event, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= maxBatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(batchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(batchWindow)
		}
	}
}
