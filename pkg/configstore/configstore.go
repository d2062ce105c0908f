// Package configstore reads endpoint subscriptions from Postgres for the
// endpoint matcher (C3), per spec.md §6.3.
package configstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ipcasj/ethhook/pkg/types"
)

const activeEndpointsQuery = `
SELECT id, application_id, user_id, webhook_url, hmac_secret,
       contract_addresses, event_signatures, chain_ids,
       is_active, rate_limit_per_second
FROM endpoints
WHERE is_active = true
`

// Store reads the active endpoint set from Postgres.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres using the pq driver (registered under "postgres").
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("configstore: connect: %w", err)
	}
	return New(db), nil
}

// endpointRow mirrors types.Endpoint but with array columns scanned through
// pq.Array wrappers, since Postgres TEXT[]/INTEGER[] don't map directly
// onto Go slices without them.
type endpointRow struct {
	ID                 string         `db:"id"`
	ApplicationID      string         `db:"application_id"`
	UserID             string         `db:"user_id"`
	WebhookURL         string         `db:"webhook_url"`
	HMACSecret         string         `db:"hmac_secret"`
	ContractAddresses  pq.StringArray `db:"contract_addresses"`
	EventSignatures    pq.StringArray `db:"event_signatures"`
	ChainIDs           pq.Int64Array  `db:"chain_ids"`
	IsActive           bool           `db:"is_active"`
	RateLimitPerSecond float64        `db:"rate_limit_per_second"`
}

func (r endpointRow) toEndpoint() types.Endpoint {
	chainIDs := make([]uint32, len(r.ChainIDs))
	for i, id := range r.ChainIDs {
		chainIDs[i] = uint32(id)
	}

	return types.Endpoint{
		ID:                 r.ID,
		ApplicationID:      r.ApplicationID,
		UserID:             r.UserID,
		WebhookURL:         r.WebhookURL,
		HMACSecret:         r.HMACSecret,
		ContractAddresses:  []string(r.ContractAddresses),
		EventSignatures:    []string(r.EventSignatures),
		ChainIDs:           chainIDs,
		IsActive:           r.IsActive,
		RateLimitPerSecond: r.RateLimitPerSecond,
	}
}

// ActiveEndpoints fetches every endpoint with is_active = true. Called on
// a refresh ticker by the matcher cache (spec.md §4.3); a query failure
// should leave the caller's existing cache in place.
func (s *Store) ActiveEndpoints(ctx context.Context) ([]types.Endpoint, error) {
	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, activeEndpointsQuery); err != nil {
		return nil, fmt.Errorf("configstore: query active endpoints: %w", err)
	}

	endpoints := make([]types.Endpoint, len(rows))
	for i, row := range rows {
		endpoints[i] = row.toEndpoint()
	}
	return endpoints, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
