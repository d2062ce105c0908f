// Command ethhook-migrate applies the Postgres schema (endpoints,
// processed_events, delivery_attempts) used by pkg/configstore and
// pkg/analyticsstore. It is meant to run once per environment, before the
// pipeline processes start, and is safe to re-run: every statement is
// idempotent (CREATE TABLE/INDEX IF NOT EXISTS).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/ipcasj/ethhook/pkg/log"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS endpoints (
		id                     UUID PRIMARY KEY,
		application_id         TEXT NOT NULL,
		user_id                TEXT NOT NULL,
		webhook_url            TEXT NOT NULL,
		hmac_secret            TEXT NOT NULL,
		contract_addresses     TEXT[] NOT NULL DEFAULT '{}',
		event_signatures       TEXT[] NOT NULL DEFAULT '{}',
		chain_ids              INTEGER[] NOT NULL DEFAULT '{}',
		is_active              BOOLEAN NOT NULL DEFAULT true,
		rate_limit_per_second  DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_endpoints_is_active ON endpoints (is_active) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		id                UUID PRIMARY KEY,
		chain_id          INTEGER NOT NULL,
		block_number      BIGINT NOT NULL,
		block_hash        TEXT NOT NULL,
		transaction_hash  TEXT NOT NULL,
		log_index         INTEGER NOT NULL,
		contract_address  TEXT NOT NULL,
		topics            TEXT[] NOT NULL DEFAULT '{}',
		data              TEXT NOT NULL DEFAULT '',
		ingested_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (chain_id, transaction_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_events_chain_block ON processed_events (chain_id, block_number)`,

	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id                UUID PRIMARY KEY,
		event_id          UUID NOT NULL REFERENCES processed_events (id),
		endpoint_id       UUID NOT NULL REFERENCES endpoints (id),
		attempt_number    SMALLINT NOT NULL,
		status            TEXT NOT NULL,
		http_status_code  INTEGER,
		response_time_ms  BIGINT,
		error_message     TEXT,
		attempted_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_event ON delivery_attempts (event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_endpoint ON delivery_attempts (endpoint_id, attempted_at)`,
}

func main() {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	dryRun := flag.Bool("dry-run", false, "Print the statements that would run, without executing them")
	flag.Parse()

	log.Init(log.Config{Level: log.InfoLevel})

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --database-url (or DATABASE_URL) is required")
		os.Exit(1)
	}

	if *dryRun {
		fmt.Println("Dry run: the following statements would be applied:")
		for i, stmt := range statements {
			fmt.Printf("\n-- statement %d --\n%s\n", i+1, stmt)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, *databaseURL)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("failed to begin migration transaction")
	}

	for i, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			log.Logger.Fatal().Err(err).Int("statement", i+1).Msg("migration failed, rolled back")
		}
		log.Logger.Info().Int("statement", i+1).Int("total", len(statements)).Msg("applied")
	}

	if err := tx.Commit(ctx); err != nil {
		log.Logger.Fatal().Err(err).Msg("failed to commit migration")
	}

	fmt.Println("✓ Schema migration complete")
}
