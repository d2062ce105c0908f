// Package scheduler implements the Delivery Scheduler (C4): per-endpoint
// circuit breaking, optional per-endpoint rate limiting, and a bounded
// dispatch queue feeding the delivery worker pool (C5).
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/metrics"
	"github.com/ipcasj/ethhook/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultMaxQueue         = 1000
	circuitFailureThreshold = 5
	circuitCoolOffBase      = 30 * time.Second
	circuitHalfOpenProbes   = 1
	rateLimiterDefaultBurst = 1

	// sharedCircuitTTL bounds how long a shared-store circuit entry keeps
	// gating other replicas after a state change, so a replica that
	// crashed mid-open doesn't wedge an endpoint open for every other
	// replica forever (spec.md §4.4's transition rules).
	sharedCircuitTTL = circuitCoolOffBase * 2
)

// DropReason is attached to a job the scheduler refuses to dispatch.
type DropReason string

const (
	DropCircuitOpen  DropReason = "circuit open"
	DropOverloaded   DropReason = "endpoint overloaded"
	DropBrokerFailed DropReason = "broker push failed"
)

// Scheduler owns per-endpoint circuit-breaker and rate-limiter state and
// dispatches DeliveryJobs into the job broker once both gates pass.
type Scheduler struct {
	jobs     broker.JobBroker
	kv       broker.KVStore
	logger   zerolog.Logger
	maxQueue int

	onDrop func(job types.DeliveryJob, reason DropReason)

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

type endpointState struct {
	limiter *rate.Limiter
	breaker *gobreaker.TwoStepCircuitBreaker[any]
	queue   chan types.DeliveryJob

	pendingMu sync.Mutex
	pending   map[string]func(bool)

	started bool
}

// NewScheduler creates a scheduler dispatching through jobs. maxQueue
// bounds each endpoint's waiting queue (default 1000, spec.md §4.4).
//
// kv, when non-nil, is a shared key-value store that circuit state is
// written to and consulted against on every dispatch, so that every
// replica sharing kv refuses a tripped endpoint even though each replica
// otherwise runs its own in-process breaker (spec.md §4.4, §9's durable
// three-service deployment). pipeline.New passes its own kv here as well;
// with nil, only the in-process breaker gates dispatch.
func NewScheduler(jobs broker.JobBroker, kv broker.KVStore, maxQueue int) *Scheduler {
	if maxQueue <= 0 {
		maxQueue = defaultMaxQueue
	}
	return &Scheduler{
		jobs:      jobs,
		kv:        kv,
		logger:    log.WithComponent("scheduler"),
		maxQueue:  maxQueue,
		endpoints: make(map[string]*endpointState),
	}
}

// OnDrop registers a callback invoked whenever a job is refused dispatch
// (circuit open, queue overloaded, or a broker push failure). The scheduler
// writes no DeliveryAttempt for a dropped job; the callbacks registered by
// pipeline.New and cmd/ethhook only log the drop.
func (s *Scheduler) OnDrop(fn func(job types.DeliveryJob, reason DropReason)) {
	s.onDrop = fn
}

// Submit enqueues job for dispatch to its endpoint, starting that
// endpoint's dispatch loop on first use. Returns immediately; dispatch
// happens asynchronously.
func (s *Scheduler) Submit(ctx context.Context, job types.DeliveryJob) {
	st := s.endpointState(ctx, job.Endpoint)

	select {
	case st.queue <- job:
	default:
		s.drop(job, DropOverloaded)
		metrics.JobsDroppedTotal.WithLabelValues(string(DropOverloaded)).Inc()
	}
}

// CompleteJob reports the terminal outcome of a previously-dispatched
// attempt back to the endpoint's circuit breaker. Called by the delivery
// worker pool (C5) once the HTTP attempt concludes.
func (s *Scheduler) CompleteJob(job types.DeliveryJob, success bool) {
	s.mu.Lock()
	st, ok := s.endpoints[job.Endpoint.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	key := attemptKey(job)
	st.pendingMu.Lock()
	done, ok := st.pending[key]
	if ok {
		delete(st.pending, key)
	}
	st.pendingMu.Unlock()

	if ok {
		done(success)
	}
}

// ScheduleRetry re-submits job after delay, using an in-process sleeping
// task (spec.md §4.5's in-memory scheduling model). Routing retries back
// through Submit keeps them subject to the same circuit-breaker and
// rate-limiter gates as a first attempt, so an endpoint that trips its
// breaker mid-retry-storm still short-circuits later attempts per S3.
func (s *Scheduler) ScheduleRetry(ctx context.Context, job types.DeliveryJob, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.Submit(ctx, job)
		case <-ctx.Done():
		}
	}()
}

// EndpointCircuits implements metrics.SchedulerStats.
func (s *Scheduler) EndpointCircuits() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.endpoints))
	for id, st := range s.endpoints {
		out[id] = string(toCircuitState(st.breaker.State()))
	}
	return out
}

func (s *Scheduler) endpointState(ctx context.Context, endpoint types.Endpoint) *endpointState {
	s.mu.Lock()
	st, ok := s.endpoints[endpoint.ID]
	if !ok {
		st = s.newEndpointState(endpoint)
		s.endpoints[endpoint.ID] = st
	}
	s.mu.Unlock()

	if !st.started {
		s.mu.Lock()
		if !st.started {
			st.started = true
			go s.dispatchLoop(ctx, endpoint.ID, st)
		}
		s.mu.Unlock()
	}
	return st
}

func (s *Scheduler) newEndpointState(endpoint types.Endpoint) *endpointState {
	var limiter *rate.Limiter
	if endpoint.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(endpoint.RateLimitPerSecond), rateLimiterDefaultBurst)
	}

	settings := gobreaker.Settings{
		Name:        endpoint.ID,
		MaxRequests: circuitHalfOpenProbes,
		Timeout:     circuitCoolOffBase,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= circuitFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithEndpoint(name).Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("endpoint circuit state changed")
			state := toCircuitState(to)
			metrics.EndpointCircuitState.WithLabelValues(name).Set(metrics.CircuitGaugeValue(string(state)))
			s.putSharedCircuit(name, state)
		},
	}

	return &endpointState{
		limiter: limiter,
		breaker: gobreaker.NewTwoStepCircuitBreaker[any](settings),
		queue:   make(chan types.DeliveryJob, s.maxQueue),
		pending: make(map[string]func(bool)),
	}
}

// putSharedCircuit writes endpointID's new circuit state to the shared
// store, if one is configured, so sibling replicas observe the trip
// without each running their own independent breaker to the same
// conclusion. Uses a background context since OnStateChange carries none.
func (s *Scheduler) putSharedCircuit(endpointID string, state types.CircuitState) {
	if s.kv == nil {
		return
	}
	circuit := types.EndpointCircuit{EndpointID: endpointID, State: state}
	if state == types.CircuitOpen {
		circuit.OpenedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.kv.PutCircuit(ctx, circuit, sharedCircuitTTL); err != nil {
		s.logger.Error().Err(err).Str("endpoint_id", endpointID).Msg("failed to write shared circuit state")
	}
}

func toCircuitState(s gobreaker.State) types.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return types.CircuitOpen
	case gobreaker.StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context, endpointID string, st *endpointState) {
	for {
		select {
		case job, ok := <-st.queue:
			if !ok {
				return
			}
			s.dispatch(ctx, st, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, st *endpointState, job types.DeliveryJob) {
	if s.kv != nil {
		shared, ok, err := s.kv.GetCircuit(ctx, job.Endpoint.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("endpoint_id", job.Endpoint.ID).Msg("failed to read shared circuit state")
		} else if ok && shared.State == types.CircuitOpen && time.Since(shared.OpenedAt) < circuitCoolOffBase {
			s.drop(job, DropCircuitOpen)
			metrics.JobsDroppedTotal.WithLabelValues(string(DropCircuitOpen)).Inc()
			return
		}
	}

	if st.limiter != nil {
		timer := metrics.NewTimer()
		if err := st.limiter.Wait(ctx); err != nil {
			return
		}
		timer.ObserveDuration(metrics.RateLimitWaitSeconds)
	}

	done, err := st.breaker.Allow()
	if err != nil {
		s.drop(job, DropCircuitOpen)
		metrics.JobsDroppedTotal.WithLabelValues(string(DropCircuitOpen)).Inc()
		return
	}

	key := attemptKey(job)
	st.pendingMu.Lock()
	st.pending[key] = done
	st.pendingMu.Unlock()

	if err := s.jobs.PushJob(ctx, job); err != nil {
		st.pendingMu.Lock()
		delete(st.pending, key)
		st.pendingMu.Unlock()
		done(false)
		s.drop(job, DropBrokerFailed)
		metrics.JobsDroppedTotal.WithLabelValues(string(DropBrokerFailed)).Inc()
		s.logger.Error().Err(err).Str("endpoint_id", job.Endpoint.ID).Msg("failed to push delivery job")
	}
}

func (s *Scheduler) drop(job types.DeliveryJob, reason DropReason) {
	if s.onDrop != nil {
		s.onDrop(job, reason)
	}
}

func attemptKey(job types.DeliveryJob) string {
	return fmt.Sprintf("%s:%s", job.Key(), strconv.Itoa(int(job.Attempt)))
}
