// Package chainsub implements the Chain Subscriber (C1): one instance per
// configured chain, maintaining a WebSocket subscription to new block
// heads and turning each head into the block's RawLog events.
package chainsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/ipcasj/ethhook/pkg/log"
	"github.com/ipcasj/ethhook/pkg/metrics"
	"github.com/ipcasj/ethhook/pkg/types"
)

const (
	headIdleTimeout       = 120 * time.Second
	failureThreshold      = 3
	reconnectBase         = time.Second
	reconnectMax          = 300 * time.Second
	reconnectJitterFactor = 0.2
)

// Subscriber maintains a live connection to one EVM chain and emits its
// logs, in block order, onto the returned channel.
type Subscriber struct {
	cfg    types.ChainConfig
	logger zerolog.Logger

	logsCh chan types.RawLog

	stateMu          sync.Mutex
	circuit          types.CircuitState
	consecutiveFails int
	lastHeadAt       time.Time
	usingBackup      bool
	cycles           int
}

// NewSubscriber constructs a Subscriber for cfg. Call Run to start it; read
// RawLogs to receive output.
func NewSubscriber(cfg types.ChainConfig) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		logger:  log.WithChain(cfg.ChainID, cfg.Name),
		logsCh:  make(chan types.RawLog, 1000),
		circuit: types.CircuitClosed,
	}
}

// RawLogs returns the channel logs are emitted on. Never closed while Run
// is active; closed once Run returns.
func (s *Subscriber) RawLogs() <-chan types.RawLog {
	return s.logsCh
}

// ChainName implements metrics.SubscriberStats.
func (s *Subscriber) ChainName() string { return s.cfg.Name }

// CircuitState implements metrics.SubscriberStats.
func (s *Subscriber) CircuitState() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return string(s.circuit)
}

// Run connects and processes heads until ctx is cancelled, reconnecting
// indefinitely on any failure (spec.md §4.1): no error is fatal to the
// pipeline. Closes the output channel on return.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.logsCh)

	for {
		if ctx.Err() != nil {
			return
		}

		url := s.activeURL()
		err := s.runOnce(ctx, url)
		if ctx.Err() != nil {
			return
		}

		s.recordFailure(err)
		delay := s.backoffDelay()
		s.logger.Warn().Err(err).Dur("retry_in", delay).Str("url", url).Msg("chain subscriber disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// activeURL alternates between primary and backup WS URL across repeated
// open-circuit cycles, per spec.md §4.1 provider failover.
func (s *Subscriber) activeURL() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.cfg.BackupWSURL == "" {
		return s.cfg.WSURL
	}
	if s.usingBackup {
		return s.cfg.BackupWSURL
	}
	return s.cfg.WSURL
}

func (s *Subscriber) runOnce(ctx context.Context, wsURL string) error {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("chainsub: dial %s: %w", wsURL, err)
	}
	defer client.Close()

	rpcClient, err := rpc.DialContext(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("chainsub: rpc dial %s: %w", wsURL, err)
	}
	defer rpcClient.Close()

	headers := make(chan *gethtypes.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return fmt.Errorf("chainsub: subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe()

	s.onConnected()
	s.logger.Info().Str("url", wsURL).Msg("chain subscriber connected")

	idle := time.NewTimer(headIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return fmt.Errorf("chainsub: subscription error: %w", err)
		case <-idle.C:
			return errors.New("chainsub: no head received within idle timeout")
		case header := <-headers:
			s.onHead()
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(headIdleTimeout)

			if err := s.emitBlock(ctx, client, rpcClient, header); err != nil {
				s.logger.Warn().Err(err).Uint64("block_number", header.Number.Uint64()).Msg("failed to fetch block logs, continuing")
			}
		}
	}
}

// emitBlock fetches and emits every log for header's block, preferring
// eth_getBlockReceipts and falling back to a blockHash-filtered
// eth_getLogs for providers that lack it.
func (s *Subscriber) emitBlock(ctx context.Context, client *ethclient.Client, rpcClient *rpc.Client, header *gethtypes.Header) error {
	logs, err := s.logsViaReceipts(ctx, rpcClient, header.Hash())
	if err != nil {
		s.logger.Debug().Err(err).Msg("eth_getBlockReceipts unavailable, falling back to eth_getLogs")
		logs, err = s.logsViaFilter(ctx, client, header.Hash())
		if err != nil {
			return err
		}
	}
	metrics.LogsReceivedTotal.WithLabelValues(s.cfg.Name).Add(float64(len(logs)))

	for _, raw := range logs {
		select {
		case s.logsCh <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Subscriber) logsViaReceipts(ctx context.Context, rpcClient *rpc.Client, blockHash common.Hash) ([]types.RawLog, error) {
	var receipts []*gethtypes.Receipt
	if err := rpcClient.CallContext(ctx, &receipts, "eth_getBlockReceipts", blockHash); err != nil {
		return nil, fmt.Errorf("chainsub: eth_getBlockReceipts: %w", err)
	}

	var out []types.RawLog
	for _, r := range receipts {
		for _, l := range r.Logs {
			out = append(out, rawLogFrom(s.cfg.ChainID, l))
		}
	}
	return out, nil
}

func (s *Subscriber) logsViaFilter(ctx context.Context, client *ethclient.Client, blockHash common.Hash) ([]types.RawLog, error) {
	gethLogs, err := client.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &blockHash})
	if err != nil {
		return nil, fmt.Errorf("chainsub: eth_getLogs: %w", err)
	}

	out := make([]types.RawLog, 0, len(gethLogs))
	for _, l := range gethLogs {
		out = append(out, rawLogFrom(s.cfg.ChainID, &l))
	}
	return out, nil
}

func rawLogFrom(chainID uint32, l *gethtypes.Log) types.RawLog {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}

	return types.RawLog{
		ChainID:         chainID,
		BlockNumber:     l.BlockNumber,
		BlockHash:       l.BlockHash.Hex(),
		TransactionHash: l.TxHash.Hex(),
		LogIndex:        l.Index,
		Address:         l.Address.Hex(),
		Topics:          topics,
		Data:            "0x" + common.Bytes2Hex(l.Data),
		Removed:         l.Removed,
	}
}

func (s *Subscriber) onConnected() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.consecutiveFails = 0
	s.circuit = types.CircuitClosed
	s.lastHeadAt = time.Now()
	metrics.SubscriberCircuitState.WithLabelValues(s.cfg.Name).Set(metrics.CircuitGaugeValue("closed"))
}

func (s *Subscriber) onHead() {
	s.stateMu.Lock()
	s.lastHeadAt = time.Now()
	s.stateMu.Unlock()
}

func (s *Subscriber) recordFailure(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	s.consecutiveFails++
	metrics.SubscriberReconnectsTotal.WithLabelValues(s.cfg.Name).Inc()

	if s.consecutiveFails >= failureThreshold {
		if s.circuit != types.CircuitOpen {
			s.cycles++
		}
		s.circuit = types.CircuitOpen
		if s.cfg.BackupWSURL != "" {
			s.usingBackup = !s.usingBackup
		}
		metrics.SubscriberCircuitState.WithLabelValues(s.cfg.Name).Set(metrics.CircuitGaugeValue("open"))
	}
}

// backoffDelay computes the cooled-off reconnect delay using the same
// exponential-with-jitter shape as the delivery retry schedule, scaled to
// C1's base/max (1s..300s, spec.md §4.1), via cenkalti/backoff/v5's
// exponential policy for the deterministic growth and a uniform jitter.
func (s *Subscriber) backoffDelay() time.Duration {
	s.stateMu.Lock()
	cycles := s.cycles
	s.stateMu.Unlock()
	if cycles == 0 {
		cycles = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBase
	b.MaxInterval = reconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = reconnectJitterFactor

	delay := reconnectBase
	for i := 0; i < cycles; i++ {
		delay = b.NextBackOff()
		if delay > reconnectMax || delay <= 0 {
			delay = reconnectMax
			break
		}
	}
	return delay
}
