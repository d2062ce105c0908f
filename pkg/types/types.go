// Package types holds the data model shared across every stage of the
// event pipeline: chain configuration, raw provider logs, normalized
// events, endpoint subscriptions, delivery jobs and their outcomes.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChainConfig describes a single EVM-compatible chain the subscriber
// connects to. It is immutable for the lifetime of the process.
type ChainConfig struct {
	ChainID       uint32
	Name          string
	WSURL         string
	HTTPURL       string
	Confirmations uint64
	BackupWSURL   string // optional failover provider
}

// RawLog is the provider's native log payload, as produced by
// eth_getBlockReceipts / eth_getLogs / a newHeads-triggered fetch. It lives
// only long enough for the deduplicator to normalize it into a
// ProcessedEvent.
type RawLog struct {
	ChainID         uint32
	BlockNumber     uint64
	BlockHash       string
	TransactionHash string
	LogIndex        uint
	Address         string
	Topics          []string // up to 4 entries, topic0 first
	Data            string
	Removed         bool // true when emitted as part of a reorg retraction
}

// Identity returns the tuple that uniquely identifies the log within the
// dedup retention window: (chain_id, tx_hash, log_index).
func (r RawLog) Identity() string {
	return eventKey(r.ChainID, r.TransactionHash, r.LogIndex)
}

func eventKey(chainID uint32, txHash string, logIndex uint) string {
	return strconv.FormatUint(uint64(chainID), 10) + ":" + strings.ToLower(txHash) + ":" + strconv.FormatUint(uint64(logIndex), 10)
}

// ProcessedEvent is the canonical, normalized record produced by the
// deduplicator. Its identity is (ChainID, TransactionHash, LogIndex); once
// created it is immutable.
type ProcessedEvent struct {
	ID              string    `json:"id" db:"id"`
	ChainID         uint32    `json:"chain_id" db:"chain_id"`
	BlockNumber     uint64    `json:"block_number" db:"block_number"`
	BlockHash       string    `json:"block_hash" db:"block_hash"`
	TransactionHash string    `json:"transaction_hash" db:"transaction_hash"`
	LogIndex        uint      `json:"log_index" db:"log_index"`
	ContractAddress string    `json:"contract_address" db:"contract_address"`
	Topics          []string  `json:"topics" db:"topics"`
	Data            string    `json:"data" db:"data"`
	IngestedAt      time.Time `json:"ingested_at" db:"ingested_at"`
}

// Identity returns the event's dedup key.
func (e ProcessedEvent) Identity() string {
	return eventKey(e.ChainID, e.TransactionHash, e.LogIndex)
}

// Topic0 returns the event signature topic, or "" if the log carried no
// indexed topics.
func (e ProcessedEvent) Topic0() string {
	if len(e.Topics) == 0 {
		return ""
	}
	return e.Topics[0]
}

// Endpoint is a customer-owned webhook subscription, owned by the
// configuration store and read-only from the core's point of view. Empty
// filter sets match everything (wildcard semantics), per spec.md §4.3.
type Endpoint struct {
	ID                 string   `db:"id"`
	ApplicationID      string   `db:"application_id"`
	UserID             string   `db:"user_id"`
	WebhookURL         string   `db:"webhook_url"`
	HMACSecret         string   `db:"hmac_secret"`
	ContractAddresses  []string `db:"contract_addresses"`
	EventSignatures    []string `db:"event_signatures"`
	ChainIDs           []uint32 `db:"chain_ids"`
	IsActive           bool     `db:"is_active"`
	RateLimitPerSecond float64  `db:"rate_limit_per_second"`
}

// Matches reports whether the endpoint's subscription criteria accept the
// given event. All four clauses of spec.md §4.3 must hold.
func (e Endpoint) Matches(event ProcessedEvent) bool {
	if !e.IsActive {
		return false
	}
	if len(e.ChainIDs) > 0 && !containsUint32(e.ChainIDs, event.ChainID) {
		return false
	}
	if len(e.ContractAddresses) > 0 && !containsFold(e.ContractAddresses, event.ContractAddress) {
		return false
	}
	if len(e.EventSignatures) > 0 && !containsFold(e.EventSignatures, event.Topic0()) {
		return false
	}
	return true
}

func containsUint32(haystack []uint32, needle uint32) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, v := range haystack {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}

// DeliveryJob pairs a matched event with the endpoint it must be delivered
// to. It is created once by C3 (attempt 1) and re-created with an
// incremented attempt by C4/C5 on retry.
type DeliveryJob struct {
	Event       ProcessedEvent
	Endpoint    Endpoint
	Attempt     uint8
	ScheduledAt time.Time
}

// Key identifies the (event, endpoint) pair a job belongs to, independent
// of attempt number — used to track per-pair attempt monotonicity and
// circuit state.
func (j DeliveryJob) Key() string {
	return fmt.Sprintf("%s:%s", j.Event.ID, j.Endpoint.ID)
}

// AttemptStatus is the terminal or in-flight state of a DeliveryAttempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	AttemptExpired AttemptStatus = "expired"
	AttemptPending AttemptStatus = "pending"
)

// DeliveryAttempt is an append-only analytics record of a single delivery
// try. At least one terminal-status row must exist for every DeliveryJob
// that entered C5 (invariant 2, spec.md §3).
type DeliveryAttempt struct {
	ID             string        `json:"id" db:"id"`
	EventID        string        `json:"event_id" db:"event_id"`
	EndpointID     string        `json:"endpoint_id" db:"endpoint_id"`
	AttemptNumber  uint8         `json:"attempt_number" db:"attempt_number"`
	Status         AttemptStatus `json:"status" db:"status"`
	HTTPStatusCode int           `json:"http_status_code,omitempty" db:"http_status_code"`
	ResponseTimeMS int64         `json:"response_time_ms,omitempty" db:"response_time_ms"`
	ErrorMessage   string        `json:"error_message,omitempty" db:"error_message"`
	AttemptedAt    time.Time     `json:"attempted_at" db:"attempted_at"`
}

// CircuitState is the runtime state of a per-endpoint circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// EndpointCircuit is the runtime circuit-breaker state tracked per
// endpoint by the delivery scheduler (C4).
type EndpointCircuit struct {
	EndpointID          string
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
	Cycles              int // not set by the scheduler; its cool-off is a fixed 30s and does not grow
}
