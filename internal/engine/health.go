package engine

import (
	"context"
	"fmt"
	"math/big"

	"flashlev/internal/ledger"
)

// MaxLeverage bounds the exposure multiple on open.
const MaxLeverage = 20

var (
	// precision is the fixed-point scale for health factors.
	precision = mustBig("1000000000000000000")

	// liquidationThreshold is 1.05 in health-factor scale: positions at or
	// above it are safe, below it they are liquidatable.
	liquidationThreshold = mustBig("1050000000000000000")

	// maxHealthFactor stands in for infinity on debt-free positions.
	maxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big integer literal: " + s)
	}
	return v
}

// LiquidationThreshold returns a copy of the fixed liquidation threshold.
func LiquidationThreshold() *big.Int {
	return new(big.Int).Set(liquidationThreshold)
}

// MaxHealthFactor returns the sentinel health of a debt-free position.
func MaxHealthFactor() *big.Int {
	return new(big.Int).Set(maxHealthFactor)
}

// GetPosition returns a snapshot of the position, or ErrUnknownPosition.
func (e *Engine) GetPosition(id uint64) (*ledger.Position, error) {
	pos, ok := e.book.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return pos, nil
}

// HealthFactor computes collateral value over debt value at current oracle
// prices, scaled by 1e18. Debt-free positions report the max sentinel.
func (e *Engine) HealthFactor(ctx context.Context, id uint64) (*big.Int, error) {
	pos, ok := e.book.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return e.healthOf(ctx, pos)
}

func (e *Engine) healthOf(ctx context.Context, pos *ledger.Position) (*big.Int, error) {
	return e.health(ctx, pos, pos.Collateral, pos.Debt)
}

// health prices an arbitrary collateral/debt pair against the position's
// token legs, so prospective post-operation states can be checked before
// they are committed.
func (e *Engine) health(ctx context.Context, pos *ledger.Position, collateral, debt *big.Int) (*big.Int, error) {
	if debt == nil || debt.Sign() == 0 {
		return MaxHealthFactor(), nil
	}
	collateralValue, err := e.oracle.ValueOf(ctx, pos.CollateralToken, collateral)
	if err != nil {
		return nil, err
	}
	debtValue, err := e.oracle.ValueOf(ctx, pos.DebtToken, debt)
	if err != nil {
		return nil, err
	}
	if debtValue.Sign() == 0 {
		return MaxHealthFactor(), nil
	}
	hf := new(big.Int).Mul(collateralValue, precision)
	return hf.Quo(hf, debtValue), nil
}

// requireHealthy rejects a prospective state that would sit below the
// liquidation threshold.
func (e *Engine) requireHealthy(ctx context.Context, pos *ledger.Position, collateral, debt *big.Int) error {
	hf, err := e.health(ctx, pos, collateral, debt)
	if err != nil {
		return err
	}
	if hf.Cmp(liquidationThreshold) < 0 {
		return fmt.Errorf("%w: health %s", ErrHealthBelowThreshold, hf)
	}
	return nil
}

// IsLiquidatable reports whether the position's health is strictly below
// the threshold.
func (e *Engine) IsLiquidatable(ctx context.Context, id uint64) (bool, error) {
	hf, err := e.HealthFactor(ctx, id)
	if err != nil {
		return false, err
	}
	return hf.Cmp(liquidationThreshold) < 0, nil
}
