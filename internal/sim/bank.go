// Package sim provides in-memory implementations of the engine's
// collaborator contracts. The app wires them up when no live adapters are
// configured, and the engine tests drive them directly with failure
// injection.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientBalance = errors.New("sim: insufficient balance")

// Bank keeps token balances per account. Transfers are all-or-nothing and
// never create tokens; use Mint to seed accounts.
type Bank struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int

	// TransferErr, when set, fails the next Transfer and clears itself.
	TransferErr error
}

func NewBank() *Bank {
	return &Bank{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

func (b *Bank) Mint(token, account common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, account, amount)
}

func (b *Bank) Transfer(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.TransferErr != nil {
		err := b.TransferErr
		b.TransferErr = nil
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("sim: bad transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	bal := b.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientBalance, from.Hex(), bal, token.Hex(), amount)
	}
	bal.Sub(bal, amount)
	b.credit(token, to, amount)
	return nil
}

func (b *Bank) BalanceOf(_ context.Context, token, owner common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance(token, owner)), nil
}

func (b *Bank) balance(token, account common.Address) *big.Int {
	accounts, ok := b.balances[token]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		b.balances[token] = accounts
	}
	bal, ok := accounts[account]
	if !ok {
		bal = big.NewInt(0)
		accounts[account] = bal
	}
	return bal
}

func (b *Bank) credit(token, account common.Address, amount *big.Int) {
	b.balance(token, account).Add(b.balance(token, account), amount)
}
