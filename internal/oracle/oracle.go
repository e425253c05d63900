// Package oracle derives the utility token's USD price from two on-chain
// Uniswap v3 pool readings: base asset (ETH) against a USD stablecoin, and
// the token against the base asset.
//
// Deposit-to-duration conversion multiplies through this price, so the
// arithmetic runs on arbitrary-precision decimals (40 fractional digits),
// never floats.
package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/histori-net/entitlement/internal/faults"
)

// precision is the number of fractional digits carried through every
// division. Two pool quotes multiply together, so rounding error has to be
// kept far below a day's worth of service.
const precision = 40

// q96 = 2^96, the fixed-point scale of sqrtPriceX96.
var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// stableScale corrects for the stablecoin's 6 decimals against the base
// asset's 18: 10^12.
var stableScale = decimal.New(1, 12)

// PoolReader reads a pool's current sqrtPriceX96 from slot0.
type PoolReader interface {
	SqrtPriceX96(ctx context.Context, pool common.Address) (*big.Int, error)
}

// Oracle quotes the token's USD price.
type Oracle struct {
	reader       PoolReader
	ethUSDPool   common.Address
	tokenETHPool common.Address
}

// New creates an oracle over the two pools.
func New(reader PoolReader, ethUSDPool, tokenETHPool common.Address) *Oracle {
	return &Oracle{reader: reader, ethUSDPool: ethUSDPool, tokenETHPool: tokenETHPool}
}

// TokenPriceUSD returns the current token/USD price.
//
// For each pool, price = (sqrtPriceX96 / 2^96)^2 in token1-per-token0
// terms; both pools here are ordered with the wanted quote asset as
// token0, so the raw price is inverted. The ETH/USD leg is additionally
// scaled by 10^12 for the stablecoin's decimal gap. Any pool read failure
// surfaces as a transient "price unavailable" error; callers must not
// treat it as zero.
func (o *Oracle) TokenPriceUSD(ctx context.Context) (decimal.Decimal, error) {
	ethUSD, err := o.poolPrice(ctx, o.ethUSDPool)
	if err != nil {
		return decimal.Zero, faults.Transient(fmt.Errorf("price unavailable: eth/usd pool: %w", err))
	}
	ethUSD = ethUSD.Mul(stableScale)

	tokenETH, err := o.poolPrice(ctx, o.tokenETHPool)
	if err != nil {
		return decimal.Zero, faults.Transient(fmt.Errorf("price unavailable: token/eth pool: %w", err))
	}

	return ethUSD.Mul(tokenETH), nil
}

// poolPrice reads one pool and returns the inverted spot price.
func (o *Oracle) poolPrice(ctx context.Context, pool common.Address) (decimal.Decimal, error) {
	sqrtPrice, err := o.reader.SqrtPriceX96(ctx, pool)
	if err != nil {
		return decimal.Zero, err
	}
	if sqrtPrice == nil || sqrtPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("pool %s returned zero sqrtPriceX96", pool.Hex())
	}

	ratio := decimal.NewFromBigInt(sqrtPrice, 0).DivRound(q96, precision)
	price := ratio.Mul(ratio)
	return decimal.New(1, 0).DivRound(price, precision), nil
}

// slot0Selector is the 4-byte selector of slot0(); sqrtPriceX96 is the
// first return word.
var slot0Selector = common.Hex2Bytes("3850c7bd")

// ChainPoolReader reads slot0 over an RPC connection.
type ChainPoolReader struct {
	client *ethclient.Client
}

// NewChainPoolReader wraps an ethclient for pool reads.
func NewChainPoolReader(client *ethclient.Client) *ChainPoolReader {
	return &ChainPoolReader{client: client}
}

func (r *ChainPoolReader) SqrtPriceX96(ctx context.Context, pool common.Address) (*big.Int, error) {
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: slot0Selector}, nil)
	if err != nil {
		return nil, fmt.Errorf("slot0 call: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("slot0 returned %d bytes, want at least 32", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}
