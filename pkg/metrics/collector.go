package metrics

import "time"

// SubscriberStats is implemented by the chain subscriber (C1) so the
// collector can sample its circuit state without importing that package.
type SubscriberStats interface {
	ChainName() string
	CircuitState() string
}

// MatcherStats is implemented by the endpoint matcher (C3).
type MatcherStats interface {
	CacheSize() int
	CacheAge() time.Duration
}

// SchedulerStats is implemented by the delivery scheduler (C4).
type SchedulerStats interface {
	EndpointCircuits() map[string]string // endpoint_id -> circuit state
}

// Collector periodically samples the running pipeline components and
// publishes their state as gauges. Sources are optional; a nil source is
// skipped on each tick.
type Collector struct {
	subscribers []SubscriberStats
	matcher     MatcherStats
	scheduler   SchedulerStats
	interval    time.Duration
	stopCh      chan struct{}
}

// NewCollector creates a collector sampling every interval (default 15s if
// interval is zero).
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// AddSubscriber registers a chain subscriber to be sampled.
func (c *Collector) AddSubscriber(s SubscriberStats) {
	c.subscribers = append(c.subscribers, s)
}

// SetMatcher registers the endpoint matcher to be sampled.
func (c *Collector) SetMatcher(m MatcherStats) {
	c.matcher = m
}

// SetScheduler registers the delivery scheduler to be sampled.
func (c *Collector) SetScheduler(s SchedulerStats) {
	c.scheduler = s
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, s := range c.subscribers {
		SubscriberCircuitState.WithLabelValues(s.ChainName()).Set(CircuitGaugeValue(s.CircuitState()))
	}

	if c.matcher != nil {
		EndpointCacheSize.Set(float64(c.matcher.CacheSize()))
		EndpointCacheAgeSeconds.Set(c.matcher.CacheAge().Seconds())
	}

	if c.scheduler != nil {
		for endpointID, state := range c.scheduler.EndpointCircuits() {
			EndpointCircuitState.WithLabelValues(endpointID).Set(CircuitGaugeValue(state))
		}
	}
}
