// Command ethhook runs the EthHook webhook pipeline, either as a single
// process hosting every component (run) or as one of the three services
// of the durable-broker deployment (subscriber, matcher, delivery),
// per spec.md §5 / §9's deployment-shape discussion.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ipcasj/ethhook/pkg/analyticsstore"
	"github.com/ipcasj/ethhook/pkg/broker"
	"github.com/ipcasj/ethhook/pkg/chainsub"
	"github.com/ipcasj/ethhook/pkg/config"
	"github.com/ipcasj/ethhook/pkg/configstore"
	"github.com/ipcasj/ethhook/pkg/dedup"
	"github.com/ipcasj/ethhook/pkg/delivery"
	"github.com/ipcasj/ethhook/pkg/health"
	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/matcher"
	"github.com/ipcasj/ethhook/pkg/metrics"
	"github.com/ipcasj/ethhook/pkg/pipeline"
	"github.com/ipcasj/ethhook/pkg/scheduler"
	"github.com/ipcasj/ethhook/pkg/storage"
	"github.com/ipcasj/ethhook/pkg/types"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// logger is populated once config.Load succeeds, before any component
// starts; wiring.go's brokerSubmitter reads it.
var logger zerolog.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ethhook",
	Short:   "EthHook - blockchain event webhook delivery service",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(subscriberCmd)
	rootCmd.AddCommand(matcherCmd)
	rootCmd.AddCommand(deliveryCmd)

	runCmd.Flags().String("data-dir", "./ethhook-data", "Directory for the embedded BoltDB dedup/circuit store (single-process deployment only)")
}

// loadConfig reads configuration and initializes the global logger; every
// subcommand calls this first so a misconfigured environment fails fast
// with a clear message rather than partway through startup.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger = log.WithComponent("cmd")
	return cfg, nil
}

// serveHealthAndMetrics starts the process's /metrics, /health, /ready
// HTTP surface (spec.md §6.6) in the background and returns a shutdown
// func. A listen failure is logged, not fatal: the pipeline still runs
// without observability rather than refusing to start.
func serveHealthAndMetrics(addr string, healthSrv *health.Server) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", healthSrv.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics/health server exited")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics and health endpoints listening")
	return srv.Shutdown
}

// waitForShutdown blocks until SIGINT/SIGTERM, then cancels ctx.
func waitForShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")
	cancel()
}

// mergeRawLogs fans every subscriber's RawLog channel into one, the same
// pattern pipeline.mergedRawLogs uses for the single-process deployment.
func mergeRawLogs(subscribers []*chainsub.Subscriber) <-chan types.RawLog {
	out := make(chan types.RawLog, 1024)
	var wg sync.WaitGroup
	for _, sub := range subscribers {
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

// runMatcherAgainstAllChains consumes ProcessedEvents for every configured
// chain from events and feeds them into m's batching loop, blocking until
// ctx is cancelled.
func runMatcherAgainstAllChains(ctx context.Context, events broker.EventBroker, m *matcher.Matcher, cfg *config.Config) error {
	in := make(chan types.ProcessedEvent, 1024)

	var wg sync.WaitGroup
	for _, chainCfg := range cfg.Chains {
		chainID := chainCfg.ChainID
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := events.ConsumeEvents(ctx, chainID, "matcher", func(event types.ProcessedEvent) error {
				select {
				case in <- event:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Uint32("chain_id", chainID).Msg("event consumer exited unexpectedly")
			}
		}()
	}

	go func() {
		wg.Wait()
		close(in)
	}()

	m.Run(ctx, in)
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every component in a single process over in-memory channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		kv, err := storage.NewBoltKVStore(dataDir)
		if err != nil {
			return fmt.Errorf("opening dedup/circuit store: %w", err)
		}
		defer kv.Close()

		configStore, err := configstore.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening endpoint config store: %w", err)
		}
		defer configStore.Close()

		analyticsCtx, analyticsCancel := context.WithTimeout(ctx, 10*time.Second)
		analytics, err := analyticsstore.Open(analyticsCtx, cfg.DatabaseURL)
		analyticsCancel()
		if err != nil {
			return fmt.Errorf("opening analytics store: %w", err)
		}
		defer analytics.Close()

		p := pipeline.New(pipeline.Config{
			Chains:            cfg.Chains,
			WorkerCount:       cfg.WorkerCount,
			MaxRetries:        cfg.MaxRetries,
			RetryBase:         cfg.RetryBase(),
			RetryMax:          cfg.RetryMax(),
			CacheRefreshEvery: cfg.CacheRefreshInterval(),
		}, kv, configStore, analytics)

		shutdownHTTP := serveHealthAndMetrics(cfg.MetricsAddr, p.Health)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdownHTTP(shutdownCtx)
		}()

		go waitForShutdown(cancel)

		logger.Info().Int("chains", len(cfg.Chains)).Msg("starting single-process pipeline")
		return p.Run(ctx)
	},
}

var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Run the chain subscriber and deduplicator (C1+C2) against the shared broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.BrokerURL == "" {
			return fmt.Errorf("BROKER_URL is required for the subscriber service")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client, err := redisClientFrom(ctx, cfg.BrokerURL)
		if err != nil {
			return err
		}
		defer client.Close()

		kv := broker.NewRedisKVStore(client)
		defer kv.Close()
		events := broker.NewRedisEventBroker(client)
		defer events.Close()

		analyticsCtx, analyticsCancel := context.WithTimeout(ctx, 10*time.Second)
		analytics, err := analyticsstore.Open(analyticsCtx, cfg.DatabaseURL)
		analyticsCancel()
		if err != nil {
			return fmt.Errorf("opening analytics store: %w", err)
		}
		defer analytics.Close()

		subscribers := make([]*chainsub.Subscriber, 0, len(cfg.Chains))
		for _, chainCfg := range cfg.Chains {
			subscribers = append(subscribers, chainsub.NewSubscriber(chainCfg))
		}

		dedupProc := dedup.NewProcessor(kv, events, analytics)

		collector := metrics.NewCollector(15 * time.Second)
		for _, sub := range subscribers {
			collector.AddSubscriber(sub)
		}
		collector.Start()
		defer collector.Stop()

		healthSrv := health.NewServer()
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
			healthSrv.Register("chain_rpc_"+chainCfg.Name, health.NewHTTPChecker(chainCfg.HTTPURL).WithStatusRange(200, 599))
		}
		healthSrv.Register("broker_tcp", health.NewTCPChecker(client.Options().Addr))
		shutdownHTTP := serveHealthAndMetrics(cfg.MetricsAddr, healthSrv)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdownHTTP(shutdownCtx)
		}()

		go waitForShutdown(cancel)

		for _, sub := range subscribers {
			sub := sub
			go sub.Run(ctx)
		}

		logger.Info().Int("chains", len(cfg.Chains)).Msg("starting subscriber service")
		dedupProc.Run(ctx, mergeRawLogs(subscribers))
		return nil
	},
}

var matcherCmd = &cobra.Command{
	Use:   "matcher",
	Short: "Run the endpoint matcher (C3) against the shared broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.BrokerURL == "" {
			return fmt.Errorf("BROKER_URL is required for the matcher service")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client, err := redisClientFrom(ctx, cfg.BrokerURL)
		if err != nil {
			return err
		}
		defer client.Close()

		events := broker.NewRedisEventBroker(client)
		defer events.Close()
		jobs := broker.NewRedisJobBroker(client)
		defer jobs.Close()

		configStore, err := configstore.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening endpoint config store: %w", err)
		}
		defer configStore.Close()

		m := matcher.New(configStore, brokerSubmitter{jobs: jobs}, cfg.CacheRefreshInterval())
		if err := m.LoadInitial(ctx); err != nil {
			return fmt.Errorf("loading initial endpoint cache: %w", err)
		}
		go m.RefreshLoop(ctx)

		healthSrv := health.NewServer()
		healthSrv.Register("endpoint_cache", health.FuncChecker(func(ctx context.Context) health.Result {
			if m.Healthy() {
				return health.Result{Healthy: true, Message: "cache fresh"}
			}
			return health.Result{Healthy: false, Message: "endpoint cache stale"}
		}))
		healthSrv.Register("broker_tcp", health.NewTCPChecker(client.Options().Addr))
		shutdownHTTP := serveHealthAndMetrics(cfg.MetricsAddr, healthSrv)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdownHTTP(shutdownCtx)
		}()

		go waitForShutdown(cancel)

		logger.Info().Msg("starting matcher service")
		return runMatcherAgainstAllChains(ctx, events, m, cfg)
	},
}

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Run the delivery scheduler and worker pool (C4+C5) against the shared broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.BrokerURL == "" {
			return fmt.Errorf("BROKER_URL is required for the delivery service")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client, err := redisClientFrom(ctx, cfg.BrokerURL)
		if err != nil {
			return err
		}
		defer client.Close()

		inbound := broker.NewRedisJobBroker(client)
		defer inbound.Close()

		// circuits is the shared store backing cross-replica circuit
		// state: every "delivery" replica consults and updates it, so an
		// endpoint tripped by one replica is refused by all of them
		// (spec.md §4.4). localQueue is still purely in-process — it's
		// the handoff between the scheduler's gating decision and the
		// worker pool's HTTP dispatch, and never crosses the network.
		circuits := broker.NewRedisKVStore(client)
		defer circuits.Close()
		localQueue := broker.NewMemoryJobBroker(cfg.WorkerCount * 4)
		sched := scheduler.NewScheduler(localQueue, circuits, cfg.WorkerCount*4)
		sched.OnDrop(func(job types.DeliveryJob, reason scheduler.DropReason) {
			logger.Warn().Str("endpoint_id", job.Endpoint.ID).Str("event_id", job.Event.ID).Str("reason", string(reason)).Msg("delivery job dropped before dispatch")
		})

		analyticsCtx, analyticsCancel := context.WithTimeout(ctx, 10*time.Second)
		analytics, err := analyticsstore.Open(analyticsCtx, cfg.DatabaseURL)
		analyticsCancel()
		if err != nil {
			return fmt.Errorf("opening analytics store: %w", err)
		}
		defer analytics.Close()

		pool := delivery.NewPool(localQueue, sched, analytics, cfg.WorkerCount, cfg.MaxRetries, cfg.RetryBase(), cfg.RetryMax())

		collector := metrics.NewCollector(15 * time.Second)
		collector.SetScheduler(sched)
		collector.Start()
		defer collector.Stop()

		healthSrv := health.NewServer()
		healthSrv.Register("broker_tcp", health.NewTCPChecker(client.Options().Addr))
		shutdownHTTP := serveHealthAndMetrics(cfg.MetricsAddr, healthSrv)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdownHTTP(shutdownCtx)
		}()

		go waitForShutdown(cancel)
		go pool.Run(ctx)

		logger.Info().Msg("starting delivery service")
		for {
			job, err := inbound.PopJob(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error().Err(err).Msg("failed to pop matched job from broker")
				continue
			}
			sched.Submit(ctx, job)
		}
	},
}
