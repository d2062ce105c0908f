// Package analyticsstore bulk-writes ProcessedEvent and DeliveryAttempt
// rows to Postgres using pgx's native COPY support, per spec.md §6.4. The
// analytics store is non-authoritative: callers log and continue on write
// failure rather than blocking the pipeline.
package analyticsstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/ipcasj/ethhook/pkg/types"
)

// Store writes analytics rows through a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres via pgxpool.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("analyticsstore: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteEvents bulk-inserts processed events via COPY. Safe to call with an
// empty slice.
func (s *Store) WriteEvents(ctx context.Context, events []types.ProcessedEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(events))
	for i, e := range events {
		rows[i] = []interface{}{
			e.ID, e.ChainID, e.BlockNumber, e.BlockHash, e.TransactionHash,
			e.LogIndex, e.ContractAddress, e.Topics, e.Data, e.IngestedAt,
		}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"processed_events"},
		[]string{"id", "chain_id", "block_number", "block_hash", "transaction_hash",
			"log_index", "contract_address", "topics", "data", "ingested_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("analyticsstore: copy processed_events: %w", err)
	}
	return nil
}

// WriteAttempts bulk-inserts delivery attempts via COPY. Safe to call with
// an empty slice.
func (s *Store) WriteAttempts(ctx context.Context, attempts []types.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(attempts))
	for i, a := range attempts {
		rows[i] = []interface{}{
			a.ID, a.EventID, a.EndpointID, a.AttemptNumber, a.Status,
			nullableInt(a.HTTPStatusCode), nullableInt64(a.ResponseTimeMS),
			nullableString(a.ErrorMessage), a.AttemptedAt,
		}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"delivery_attempts"},
		[]string{"id", "event_id", "endpoint_id", "attempt_number", "status",
			"http_status_code", "response_time_ms", "error_message", "attempted_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("analyticsstore: copy delivery_attempts: %w", err)
	}
	return nil
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
