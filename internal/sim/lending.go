package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Lending models a pool-per-token lending protocol on top of the Bank.
// Each market address is bound to one token; supplied and borrowed amounts
// are tracked per market for the engine account only, which is all the
// engine's custody model needs.
type Lending struct {
	mu       sync.Mutex
	bank     *Bank
	tokens   map[common.Address]common.Address
	supplied map[common.Address]*big.Int
	borrowed map[common.Address]*big.Int

	SupplyErr   error
	WithdrawErr error
	BorrowErr   error
	RepayErr    error
}

func NewLending(bank *Bank) *Lending {
	return &Lending{
		bank:     bank,
		tokens:   make(map[common.Address]common.Address),
		supplied: make(map[common.Address]*big.Int),
		borrowed: make(map[common.Address]*big.Int),
	}
}

// AddMarket binds a market address to its token and seeds the pool's
// lending liquidity.
func (l *Lending) AddMarket(market, token common.Address, liquidity *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[market] = token
	l.supplied[market] = big.NewInt(0)
	l.borrowed[market] = big.NewInt(0)
	if liquidity != nil && liquidity.Sign() > 0 {
		l.bank.Mint(token, market, liquidity)
	}
}

func (l *Lending) Supplied(market common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.supplied[market]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (l *Lending) Borrowed(market common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.borrowed[market]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (l *Lending) Supply(ctx context.Context, market common.Address, amount *big.Int, onBehalf common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SupplyErr != nil {
		err := l.SupplyErr
		l.SupplyErr = nil
		return err
	}
	token, err := l.token(market)
	if err != nil {
		return err
	}
	if err := l.bank.Transfer(ctx, token, onBehalf, market, amount); err != nil {
		return err
	}
	l.supplied[market].Add(l.supplied[market], amount)
	return nil
}

func (l *Lending) Withdraw(ctx context.Context, market common.Address, amount *big.Int, to common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.WithdrawErr != nil {
		err := l.WithdrawErr
		l.WithdrawErr = nil
		return err
	}
	token, err := l.token(market)
	if err != nil {
		return err
	}
	if l.supplied[market].Cmp(amount) < 0 {
		return fmt.Errorf("sim: withdraw %s exceeds supplied %s", amount, l.supplied[market])
	}
	if err := l.bank.Transfer(ctx, token, market, to, amount); err != nil {
		return err
	}
	l.supplied[market].Sub(l.supplied[market], amount)
	return nil
}

func (l *Lending) Borrow(ctx context.Context, market common.Address, amount *big.Int, _, to common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.BorrowErr != nil {
		err := l.BorrowErr
		l.BorrowErr = nil
		return err
	}
	token, err := l.token(market)
	if err != nil {
		return err
	}
	if err := l.bank.Transfer(ctx, token, market, to, amount); err != nil {
		return err
	}
	l.borrowed[market].Add(l.borrowed[market], amount)
	return nil
}

func (l *Lending) Repay(ctx context.Context, market common.Address, amount *big.Int, onBehalf common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RepayErr != nil {
		err := l.RepayErr
		l.RepayErr = nil
		return err
	}
	token, err := l.token(market)
	if err != nil {
		return err
	}
	if l.borrowed[market].Cmp(amount) < 0 {
		return fmt.Errorf("sim: repay %s exceeds borrowed %s", amount, l.borrowed[market])
	}
	if err := l.bank.Transfer(ctx, token, onBehalf, market, amount); err != nil {
		return err
	}
	l.borrowed[market].Sub(l.borrowed[market], amount)
	return nil
}

func (l *Lending) token(market common.Address) (common.Address, error) {
	token, ok := l.tokens[market]
	if !ok {
		return common.Address{}, fmt.Errorf("sim: unknown market %s", market.Hex())
	}
	return token, nil
}
