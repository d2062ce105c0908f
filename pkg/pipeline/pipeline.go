// Package pipeline wires C1 through C5 together inside a single process,
// using the in-memory broker implementations (spec.md §5: "a single
// process may host all five components"). The three-service deployment
// shape wires the same component constructors against broker.Redis*
// instead; see cmd/ethhook.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipcasj/ethhook/pkg/analyticsstore"
	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/chainsub"
	"github.com/ipcasj/ethhook/pkg/configstore"
	"github.com/ipcasj/ethhook/pkg/dedup"
	"github.com/ipcasj/ethhook/pkg/delivery"
	"github.com/ipcasj/ethhook/pkg/health"
	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/matcher"
	"github.com/ipcasj/ethhook/pkg/metrics"
	"github.com/ipcasj/ethhook/pkg/scheduler"
	"github.com/ipcasj/ethhook/pkg/types"
)

const (
	eventChannelCapacity = 10000
	jobQueueCapacity     = 10000
)

// Config bundles everything Pipeline needs beyond the chain list.
type Config struct {
	Chains            []types.ChainConfig
	WorkerCount       int
	MaxRetries        int
	RetryBase         time.Duration
	RetryMax          time.Duration
	CacheRefreshEvery time.Duration
}

// Pipeline owns one instance of every component and the in-memory
// channels/brokers connecting them.
type Pipeline struct {
	cfg Config

	subscribers []*chainsub.Subscriber
	dedupProc   *dedup.Processor
	matcherC    *matcher.Matcher
	schedulerC  *scheduler.Scheduler
	deliveryC   *delivery.Pool

	events broker.EventBroker
	jobs   broker.JobBroker
	kv     broker.KVStore

	collector *metrics.Collector
	Health    *health.Server

	logger zerolog.Logger
}

// New builds a Pipeline over the in-memory broker implementations. kv is
// typically a *storage.BoltKVStore; configStore and analytics back the
// matcher cache and the analytics sink respectively.
func New(cfg Config, kv broker.KVStore, configStore matcher.ConfigStore, analytics *analyticsstore.Store) *Pipeline {
	events := broker.NewMemoryEventBroker(eventChannelCapacity)
	jobs := broker.NewMemoryJobBroker(jobQueueCapacity)

	sched := scheduler.NewScheduler(jobs, kv, 0)
	pool := delivery.NewPool(jobs, sched, analytics, cfg.WorkerCount, cfg.MaxRetries, cfg.RetryBase, cfg.RetryMax)

	refreshEvery := cfg.CacheRefreshEvery
	if refreshEvery <= 0 {
		refreshEvery = 10 * time.Second
	}
	m := matcher.New(configStore, sched, refreshEvery)

	subscribers := make([]*chainsub.Subscriber, 0, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		subscribers = append(subscribers, chainsub.NewSubscriber(chainCfg))
	}

	collector := metrics.NewCollector(15 * time.Second)
	for _, sub := range subscribers {
		collector.AddSubscriber(sub)
	}
	collector.SetMatcher(m)
	collector.SetScheduler(sched)

	healthSrv := health.NewServer()
	healthSrv.Register("endpoint_cache", health.FuncChecker(func(ctx context.Context) health.Result {
		if m.Healthy() {
			return health.Result{Healthy: true, Message: "cache fresh"}
		}
		return health.Result{Healthy: false, Message: "endpoint cache stale"}
	}))
	for _, sub := range subscribers {
		sub := sub
		healthSrv.Register("subscriber_"+sub.ChainName(), health.FuncChecker(func(ctx context.Context) health.Result {
			state := sub.CircuitState()
			return health.Result{Healthy: state != string(types.CircuitOpen), Message: "circuit " + state}
		}))
	}
	for _, chainCfg := range cfg.Chains {
		if chainCfg.HTTPURL == "" {
			continue
		}
		// A JSON-RPC endpoint rejects a bare GET (usually 404/405); any
		// response at all still proves the provider is reachable, which
		// is what this check is for.
		healthSrv.Register("chain_rpc_"+chainCfg.Name, health.NewHTTPChecker(chainCfg.HTTPURL).WithStatusRange(200, 599))
	}

	p := &Pipeline{
		cfg:         cfg,
		subscribers: subscribers,
		dedupProc:   dedup.NewProcessor(kv, events, analytics),
		matcherC:    m,
		schedulerC:  sched,
		deliveryC:   pool,
		events:      events,
		jobs:        jobs,
		kv:          kv,
		collector:   collector,
		Health:      healthSrv,
		logger:      log.WithComponent("pipeline"),
	}

	sched.OnDrop(func(job types.DeliveryJob, reason scheduler.DropReason) {
		p.logger.Warn().Str("endpoint_id", job.Endpoint.ID).Str("event_id", job.Event.ID).Str("reason", string(reason)).Msg("delivery job dropped before dispatch")
	})

	return p
}

// Run starts every component and blocks until ctx is cancelled, then waits
// for all of them to exit and closes the job queue. Every component sees
// the same cancellation at once: there is no stop order, the deduplicator
// does not drain raw logs still buffered, and in-flight HTTP attempts are
// cancelled with ctx.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.matcherC.LoadInitial(ctx); err != nil {
		return err
	}
	p.collector.Start()
	defer p.collector.Stop()

	var wg sync.WaitGroup

	for _, sub := range p.subscribers {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.dedupProc.Run(ctx, p.mergedRawLogs())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.matcherC.RefreshLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runMatcherConsumers(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.deliveryC.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return p.jobs.Close()
}

// mergedRawLogs fans every subscriber's RawLog channel into one, preserving
// each subscriber's own emission order (per-chain FIFO, spec.md §5); order
// across chains is unspecified, matching the contract.
func (p *Pipeline) mergedRawLogs() <-chan types.RawLog {
	out := make(chan types.RawLog, eventChannelCapacity)
	var wg sync.WaitGroup
	for _, sub := range p.subscribers {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range sub.RawLogs() {
				out <- raw
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// runMatcherConsumers consumes ProcessedEvents for every configured chain
// and feeds them into the matcher's batching loop.
func (p *Pipeline) runMatcherConsumers(ctx context.Context) {
	in := make(chan types.ProcessedEvent, eventChannelCapacity)

	var wg sync.WaitGroup
	for _, chainCfg := range p.cfg.Chains {
		chainID := chainCfg.ChainID
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.events.ConsumeEvents(ctx, chainID, "matcher", func(event types.ProcessedEvent) error {
				select {
				case in <- event:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Uint32("chain_id", chainID).Msg("event consumer exited unexpectedly")
			}
		}()
	}

	go func() {
		wg.Wait()
		close(in)
	}()

	p.matcherC.Run(ctx, in)
}

// ConfigStoreFromURL opens a configstore.Store for databaseURL, a small
// convenience wrapper around configstore.Open (cmd/ethhook calls
// configstore.Open directly).
func ConfigStoreFromURL(databaseURL string) (*configstore.Store, error) {
	return configstore.Open(databaseURL)
}
