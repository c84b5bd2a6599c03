package engine

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Collaborator contracts. The engine consumes these narrow interfaces and
// never reimplements the subsystems behind them; any failure aborts the
// whole unit of work.

// Bank moves token balances between accounts. The engine uses it to pull
// caller collateral into custody and to pay out fees, refunds and
// leftovers.
type Bank interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// LendingMarket is the adapter over the external lending protocol, keyed
// by the per-token market handle from the registry.
type LendingMarket interface {
	Supply(ctx context.Context, market common.Address, amount *big.Int, onBehalf common.Address) error
	Withdraw(ctx context.Context, market common.Address, amount *big.Int, to common.Address) error
	Borrow(ctx context.Context, market common.Address, amount *big.Int, onBehalf, to common.Address) error
	Repay(ctx context.Context, market common.Address, amount *big.Int, onBehalf common.Address) error
}

// SwapVenue executes exact-input swaps between the two legs.
type SwapVenue interface {
	SwapExactInput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, deadline time.Time) (*big.Int, error)
}

// LoanProvider grants uncollateralized same-unit-of-work loans. FlashLoan
// invokes the engine's HandleLoan exactly once, synchronously, before
// returning; the loaned amount must be back in the provider's reach when
// the callback ends.
type LoanProvider interface {
	Address() common.Address
	FlashLoan(ctx context.Context, token common.Address, amount *big.Int, payload []byte) error
}

// OwnershipRegistry issues and resolves the non-fungible handles that own
// positions. The engine never tracks ownership itself.
type OwnershipRegistry interface {
	Issue(ctx context.Context, owner common.Address) (uint64, error)
	Burn(ctx context.Context, id uint64) error
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
}

// Collaborators bundles everything the engine needs from the outside
// world.
type Collaborators struct {
	Bank      Bank
	Lending   LendingMarket
	Swap      SwapVenue
	Loans     LoanProvider
	Ownership OwnershipRegistry
}
