package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ipcasj/ethhook/pkg/types"
)

// redisClientFrom parses a redis:// URL (go-redis's own scheme, the
// natural pairing for the three-service deployment's shared broker) and
// verifies connectivity before handing the client back.
func redisClientFrom(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing BROKER_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return client, nil
}

// brokerSubmitter adapts a broker.JobBroker into a matcher.JobSubmitter
// for the three-service deployment, where the matcher and the delivery
// scheduler live in different processes and can only hand jobs to each
// other through the shared queue, not a direct method call. A push
// failure is dropped with a log line rather than surfaced to the caller,
// matching JobSubmitter's fire-and-forget contract.
type brokerSubmitter struct {
	jobs interface {
		PushJob(ctx context.Context, job types.DeliveryJob) error
	}
}

func (b brokerSubmitter) Submit(ctx context.Context, job types.DeliveryJob) {
	if err := b.jobs.PushJob(ctx, job); err != nil {
		logger.Error().Err(err).Str("endpoint_id", job.Endpoint.ID).Msg("failed to push matched job to broker")
	}
}
