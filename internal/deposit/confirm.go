package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptClient is the slice of the RPC client the waiter needs.
type ReceiptClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainWaiter polls the chain until a transaction reaches the requested
// confirmation depth.
type ChainWaiter struct {
	client ReceiptClient
	// PollInterval between depth checks. Zero means 15s.
	PollInterval time.Duration
}

// NewChainWaiter creates a waiter over an RPC client.
func NewChainWaiter(client ReceiptClient) *ChainWaiter {
	return &ChainWaiter{client: client, PollInterval: 15 * time.Second}
}

// ErrTransactionReverted means the deposit transaction failed on-chain.
var ErrTransactionReverted = errors.New("transaction reverted")

// WaitForConfirmations blocks until txHash is at least confirmations deep.
// A missing receipt is treated as not-yet-mined and retried; a reverted
// receipt fails immediately.
func (w *ChainWaiter) WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) error {
	hash := common.HexToHash(txHash)
	interval := w.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("tx %s: %w", txHash, ErrTransactionReverted)
			}
			current, err := w.client.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("get block number: %w", err)
			}
			mined := receipt.BlockNumber.Uint64()
			if current >= mined && current-mined+1 >= confirmations {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
