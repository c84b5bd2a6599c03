package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"flashlev/internal/oracle"
)

// Swap converts tokens at oracle prices minus a configurable haircut,
// standing in for a real venue's spread and slippage. The trader account
// is fixed at construction since the engine is the only caller.
type Swap struct {
	mu         sync.Mutex
	bank       *Bank
	prices     *oracle.Resolver
	trader     common.Address
	haircutBps int64

	SwapErr error
}

func NewSwap(bank *Bank, prices *oracle.Resolver, trader common.Address, haircutBps int64) *Swap {
	return &Swap{bank: bank, prices: prices, trader: trader, haircutBps: haircutBps}
}

// SetHaircut adjusts the spread applied to subsequent swaps.
func (s *Swap) SetHaircut(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haircutBps = bps
}

func (s *Swap) SwapExactInput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, deadline time.Time) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SwapErr != nil {
		err := s.SwapErr
		s.SwapErr = nil
		return nil, err
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return nil, fmt.Errorf("sim: swap deadline passed")
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("sim: bad swap input amount")
	}

	priceIn, decIn, err := s.prices.Price(ctx, tokenIn)
	if err != nil {
		return nil, err
	}
	priceOut, decOut, err := s.prices.Price(ctx, tokenOut)
	if err != nil {
		return nil, err
	}
	// out = in * priceIn * 10^decOut / (priceOut * 10^decIn), floored,
	// then the haircut comes off the top.
	out := new(big.Int).Mul(amountIn, priceIn)
	out.Mul(out, pow10(decOut))
	out.Quo(out, new(big.Int).Mul(priceOut, pow10(decIn)))
	out.Mul(out, big.NewInt(10_000-s.haircutBps))
	out.Quo(out, big.NewInt(10_000))

	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("sim: output %s below minimum %s", out, minOut)
	}
	if err := s.bank.Transfer(ctx, tokenIn, s.trader, s.venueAddress(), amountIn); err != nil {
		return nil, err
	}
	s.bank.Mint(tokenOut, s.trader, out)
	return out, nil
}

func (s *Swap) venueAddress() common.Address {
	return common.HexToAddress("0x000000000000000000000000000000000000dEaD")
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
