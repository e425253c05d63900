package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/histori-net/entitlement/internal/account"
)

// Deposit contract event signatures. Both carry the depositor as the
// only indexed argument; amount and tier code ride in the data segment.
var (
	depositedForAPISig = crypto.Keccak256Hash([]byte("DepositedForAPI(address,uint256,uint8)"))
	depositedForRPCSig = crypto.Keccak256Hash([]byte("DepositedForRPC(address,uint256,uint8)"))
)

// EventSink consumes decoded deposit events.
type EventSink interface {
	Process(ctx context.Context, ev Event) error
}

// ChainReader is the slice of the RPC client the watcher reads from.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// WatcherConfig configures the chain watcher.
type WatcherConfig struct {
	DepositContract common.Address
	PollInterval    time.Duration
	StartBlock      uint64 // 0 = latest
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher polls the deposit contract for new deposit events and feeds
// them to the processor.
type Watcher struct {
	client ChainReader
	config WatcherConfig
	sink   EventSink
	logger *slog.Logger

	// In-flight guard against the same log being handed to the
	// processor twice within one process lifetime. The durable guard
	// lives in the ledger.
	inflight map[string]bool
	mu       sync.Mutex

	lastBlock uint64
	running   atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher over a shared RPC client.
func NewWatcher(cfg WatcherConfig, client ChainReader, sink EventSink, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:   client,
		config:   cfg,
		sink:     sink,
		logger:   logger,
		inflight: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start begins polling for deposits.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"contract", w.config.DepositContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.DepositContract},
		Topics: [][]common.Hash{
			{depositedForAPISig, depositedForRPCSig},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processLog(ctx, vLog); err != nil {
			// Resume from this log's block next cycle so it is refetched.
			// Logs already handed off stay guarded by the inflight map.
			w.lastBlock = vLog.BlockNumber - 1
			return fmt.Errorf("process deposit log %s: %w", vLog.TxHash.Hex(), err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processLog(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	w.mu.Lock()
	if w.inflight[txHash] {
		w.mu.Unlock()
		return nil
	}
	w.inflight[txHash] = true
	w.mu.Unlock()

	ev, err := decodeLog(vLog)
	if err != nil {
		// Malformed logs are dropped, not retried.
		w.logger.Warn("dropping malformed deposit log", "tx", txHash, "error", err)
		return nil
	}

	if err := w.sink.Process(ctx, ev); err != nil {
		// Unmark so the refetched log is handed off again.
		w.mu.Lock()
		delete(w.inflight, txHash)
		w.mu.Unlock()
		return err
	}

	w.logger.Info("deposit handed off",
		"wallet", ev.Wallet,
		"track", string(ev.Track),
		"tier", ev.TierCode,
		"tx", txHash,
	)
	return nil
}

// decodeLog unpacks a deposit log.
// Topics[1] = depositor (indexed); data = amount (32 bytes) + tier (32 bytes).
func decodeLog(vLog types.Log) (Event, error) {
	if len(vLog.Topics) < 2 || len(vLog.Data) < 64 {
		return Event{}, fmt.Errorf("malformed deposit event in tx %s", vLog.TxHash.Hex())
	}

	var track account.Track
	switch vLog.Topics[0] {
	case depositedForAPISig:
		track = account.TrackAPI
	case depositedForRPCSig:
		track = account.TrackRPC
	default:
		return Event{}, fmt.Errorf("unexpected event topic %s", vLog.Topics[0].Hex())
	}

	return Event{
		Wallet:   common.HexToAddress(vLog.Topics[1].Hex()).Hex(),
		Amount:   new(big.Int).SetBytes(vLog.Data[:32]),
		TierCode: uint8(new(big.Int).SetBytes(vLog.Data[32:64]).Uint64()),
		Track:    track,
		TxHash:   vLog.TxHash.Hex(),
	}, nil
}
