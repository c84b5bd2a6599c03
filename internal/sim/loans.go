package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// LoanHandler matches the engine's flash-loan callback signature.
type LoanHandler func(ctx context.Context, caller, token common.Address, amount *big.Int, payload []byte) error

// Loans is a flash-loan provider with an in-bank treasury. FlashLoan
// fronts the amount to the borrower, invokes the handler once, then
// reclaims the principal; if the borrower cannot return it the whole call
// fails.
type Loans struct {
	mu       sync.Mutex
	bank     *Bank
	addr     common.Address
	borrower common.Address
	handler  LoanHandler

	LoanErr error
}

func NewLoans(bank *Bank, addr, borrower common.Address) *Loans {
	return &Loans{bank: bank, addr: addr, borrower: borrower}
}

// SetHandler binds the borrower's callback. Wired after engine
// construction since the two reference each other.
func (p *Loans) SetHandler(h LoanHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Fund seeds the provider's treasury.
func (p *Loans) Fund(token common.Address, amount *big.Int) {
	p.bank.Mint(token, p.addr, amount)
}

func (p *Loans) Address() common.Address {
	return p.addr
}

func (p *Loans) FlashLoan(ctx context.Context, token common.Address, amount *big.Int, payload []byte) error {
	p.mu.Lock()
	handler := p.handler
	if p.LoanErr != nil {
		err := p.LoanErr
		p.LoanErr = nil
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("sim: no loan handler bound")
	}
	if err := p.bank.Transfer(ctx, token, p.addr, p.borrower, amount); err != nil {
		return fmt.Errorf("sim: fund loan: %w", err)
	}
	if err := handler(ctx, p.addr, token, amount, payload); err != nil {
		// Best-effort reclaim of whatever the borrower still holds.
		p.reclaim(ctx, token, amount)
		return err
	}
	if err := p.bank.Transfer(ctx, token, p.borrower, p.addr, amount); err != nil {
		return fmt.Errorf("sim: loan not repaid: %w", err)
	}
	return nil
}

func (p *Loans) reclaim(ctx context.Context, token common.Address, amount *big.Int) {
	bal, err := p.bank.BalanceOf(ctx, token, p.borrower)
	if err != nil {
		return
	}
	if bal.Cmp(amount) > 0 {
		bal = amount
	}
	if bal.Sign() > 0 {
		_ = p.bank.Transfer(ctx, token, p.borrower, p.addr, bal)
	}
}
