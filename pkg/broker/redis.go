package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/types"
)

const (
	deliveryQueueKey   = "delivery_queue"
	delayedJobsZSetKey = "delivery_queue:delayed"
)

func eventStreamKey(chainID uint32) string {
	return "events:" + strconv.FormatUint(uint64(chainID), 10)
}

func circuitKey(endpointID string) string {
	return "circuit:" + endpointID
}

// RedisEventBroker implements EventBroker on top of Redis streams, one
// stream per chain (spec.md §6.2), with consumer-group delivery so
// multiple matcher processes can share the work.
type RedisEventBroker struct {
	client *redis.Client
}

// NewRedisEventBroker wraps an existing Redis client.
func NewRedisEventBroker(client *redis.Client) *RedisEventBroker {
	return &RedisEventBroker{client: client}
}

// PublishEvent appends event as a flat field map to its chain's stream.
func (b *RedisEventBroker) PublishEvent(ctx context.Context, chainID uint32, event types.ProcessedEvent) error {
	topics, err := json.Marshal(event.Topics)
	if err != nil {
		return fmt.Errorf("broker: marshal topics: %w", err)
	}

	values := map[string]interface{}{
		"id":               event.ID,
		"chain_id":         event.ChainID,
		"block_number":     event.BlockNumber,
		"block_hash":       event.BlockHash,
		"transaction_hash": event.TransactionHash,
		"log_index":        event.LogIndex,
		"contract_address": event.ContractAddress,
		"topics":           string(topics),
		"data":             event.Data,
		"ingested_at":      event.IngestedAt.Format(time.RFC3339Nano),
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStreamKey(chainID),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: publish event: %w", err)
	}
	return nil
}

// ConsumeEvents creates the consumer group if absent and reads with
// explicit acknowledgement, per spec.md §6.2.
func (b *RedisEventBroker) ConsumeEvents(ctx context.Context, chainID uint32, group string, handler func(types.ProcessedEvent) error) error {
	stream := eventStreamKey(chainID)

	if err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("broker: create consumer group: %w", err)
	}

	consumer := fmt.Sprintf("matcher-%d", time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Logger.Warn().Err(err).Str("stream", stream).Msg("broker: read consumer group failed, retrying")
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				event, parseErr := parseEventMessage(msg.Values)
				if parseErr == nil {
					_ = handler(event)
				}
				b.client.XAck(ctx, stream, group, msg.ID)
			}
		}
	}
}

func parseEventMessage(values map[string]interface{}) (types.ProcessedEvent, error) {
	get := func(k string) string {
		v, _ := values[k].(string)
		return v
	}

	var topics []string
	if err := json.Unmarshal([]byte(get("topics")), &topics); err != nil {
		return types.ProcessedEvent{}, fmt.Errorf("broker: unmarshal topics: %w", err)
	}

	chainID, _ := strconv.ParseUint(get("chain_id"), 10, 32)
	blockNumber, _ := strconv.ParseUint(get("block_number"), 10, 64)
	logIndex, _ := strconv.ParseUint(get("log_index"), 10, 64)
	ingestedAt, _ := time.Parse(time.RFC3339Nano, get("ingested_at"))

	return types.ProcessedEvent{
		ID:              get("id"),
		ChainID:         uint32(chainID),
		BlockNumber:     blockNumber,
		BlockHash:       get("block_hash"),
		TransactionHash: get("transaction_hash"),
		LogIndex:        uint(logIndex),
		ContractAddress: get("contract_address"),
		Topics:          topics,
		Data:            get("data"),
		IngestedAt:      ingestedAt,
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Close is a no-op; the caller owns the underlying *redis.Client.
func (b *RedisEventBroker) Close() error {
	return nil
}

// RedisJobBroker implements JobBroker using a FIFO list for ready jobs and
// a sorted set for delayed (retry) jobs, per spec.md §4.4.
type RedisJobBroker struct {
	client *redis.Client
}

// NewRedisJobBroker wraps an existing Redis client.
func NewRedisJobBroker(client *redis.Client) *RedisJobBroker {
	return &RedisJobBroker{client: client}
}

// PushJob appends job to the ready queue's tail.
func (b *RedisJobBroker) PushJob(ctx context.Context, job types.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	if err := b.client.RPush(ctx, deliveryQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("broker: push job: %w", err)
	}
	return nil
}

// PushDelayedJob adds job to the delayed sorted set, scored by the wall
// clock time it becomes ready. A promoter goroutine (PromoteDelayed) moves
// ready entries into the FIFO list.
func (b *RedisJobBroker) PushDelayedJob(ctx context.Context, job types.DeliveryJob, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: marshal delayed job: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).Unix())
	if err := b.client.ZAdd(ctx, delayedJobsZSetKey, redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
		return fmt.Errorf("broker: schedule delayed job: %w", err)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs into the ready queue. It is meant
// to be run in a loop (e.g. every second) by whichever process owns C4.
func (b *RedisJobBroker) PromoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := b.client.ZRangeByScore(ctx, delayedJobsZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("broker: scan delayed jobs: %w", err)
	}

	for _, payload := range due {
		removed, err := b.client.ZRem(ctx, delayedJobsZSetKey, payload).Result()
		if err != nil || removed == 0 {
			continue // another promoter already claimed it
		}
		if err := b.client.RPush(ctx, deliveryQueueKey, payload).Err(); err != nil {
			log.Logger.Warn().Err(err).Msg("broker: failed to promote delayed job")
		}
	}
	return nil
}

// PopJob blocks (up to 5s per poll, looping on ctx) until a job is ready.
func (b *RedisJobBroker) PopJob(ctx context.Context) (types.DeliveryJob, error) {
	for {
		result, err := b.client.BLPop(ctx, 5*time.Second, deliveryQueueKey).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return types.DeliveryJob{}, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			return types.DeliveryJob{}, fmt.Errorf("broker: pop job: %w", err)
		}

		// result[0] is the key name, result[1] is the payload.
		var job types.DeliveryJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Logger.Warn().Err(err).Msg("broker: dropping malformed job payload")
			continue
		}
		return job, nil
	}
}

// Close is a no-op; the caller owns the underlying *redis.Client.
func (b *RedisJobBroker) Close() error {
	return nil
}

// RedisKVStore implements KVStore on plain Redis keys with TTLs.
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore wraps an existing Redis client.
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

// SetIfAbsent is SET dedup:<key> "1" NX with ttl — atomic in Redis.
func (s *RedisKVStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, "dedup:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("broker: dedup set: %w", err)
	}
	return ok, nil
}

// GetCircuit reads and unmarshals the circuit JSON blob, if present.
func (s *RedisKVStore) GetCircuit(ctx context.Context, endpointID string) (types.EndpointCircuit, bool, error) {
	raw, err := s.client.Get(ctx, circuitKey(endpointID)).Result()
	if err == redis.Nil {
		return types.EndpointCircuit{}, false, nil
	}
	if err != nil {
		return types.EndpointCircuit{}, false, fmt.Errorf("broker: get circuit: %w", err)
	}

	var circuit types.EndpointCircuit
	if err := json.Unmarshal([]byte(raw), &circuit); err != nil {
		return types.EndpointCircuit{}, false, fmt.Errorf("broker: unmarshal circuit: %w", err)
	}
	return circuit, true, nil
}

// PutCircuit marshals and stores circuit state with a TTL.
func (s *RedisKVStore) PutCircuit(ctx context.Context, circuit types.EndpointCircuit, ttl time.Duration) error {
	payload, err := json.Marshal(circuit)
	if err != nil {
		return fmt.Errorf("broker: marshal circuit: %w", err)
	}
	if err := s.client.Set(ctx, circuitKey(circuit.EndpointID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("broker: put circuit: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the underlying *redis.Client.
func (s *RedisKVStore) Close() error {
	return nil
}
