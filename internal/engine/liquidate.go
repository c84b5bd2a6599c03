package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Liquidate lets anyone repay an unhealthy position's debt in exchange for
// collateral plus the bonus. When the collateral covers the bonus-adjusted
// seizure, only that slice is taken and the remainder stays on the book as
// a debt-free position the owner can still close. When it cannot, the
// whole position is taken over and any unit-of-account shortfall is
// recorded as bad debt.
func (e *Engine) Liquidate(ctx context.Context, liquidator common.Address, id uint64) error {
	if err := e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()

	pos, ok := e.book.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	hf, err := e.healthOf(ctx, pos)
	if err != nil {
		return err
	}
	if hf.Cmp(liquidationThreshold) >= 0 {
		return fmt.Errorf("%w: health %s", ErrHealthyPosition, hf)
	}

	debtValue, err := e.oracle.ValueOf(ctx, pos.DebtToken, pos.Debt)
	if err != nil {
		return err
	}
	bonus := int64(e.liquidationBonus())
	seizeValue := new(big.Int).Mul(debtValue, big.NewInt(bpsDenominator+bonus))
	seizeValue.Quo(seizeValue, big.NewInt(bpsDenominator))
	seizeTarget, err := e.oracle.AmountForValue(ctx, pos.CollateralToken, seizeValue)
	if err != nil {
		return err
	}

	// Seizure never exceeds what the position holds, so amounts cannot go
	// negative no matter how far underwater the position is.
	full := seizeTarget.Cmp(pos.Collateral) >= 0
	if !full {
		// The survivor keeps collateral minus the seized slice with its
		// debt cleared; destroy it outright if that residual would still
		// sit below the threshold.
		residual, err := e.health(ctx, pos, new(big.Int).Sub(pos.Collateral, seizeTarget), big.NewInt(0))
		if err != nil {
			return err
		}
		full = residual.Cmp(liquidationThreshold) < 0
	}
	seized := seizeTarget
	badDebt := big.NewInt(0)
	if full {
		seized = new(big.Int).Set(pos.Collateral)
		collateralValue, err := e.oracle.ValueOf(ctx, pos.CollateralToken, pos.Collateral)
		if err != nil {
			return err
		}
		if debtValue.Cmp(collateralValue) > 0 {
			badDebt.Sub(debtValue, collateralValue)
		}
	}
	newCollateral := new(big.Int).Sub(pos.Collateral, seized)

	if err := e.collab.Bank.Transfer(ctx, pos.DebtToken, liquidator, e.self, pos.Debt); err != nil {
		e.metrics.OperationsFailed.Inc()
		return fmt.Errorf("engine: pull liquidator funds: %w", err)
	}
	debtMarket, err := e.markets.Lookup(pos.DebtToken)
	if err != nil {
		e.refund(ctx, pos.DebtToken, liquidator, pos.Debt)
		return err
	}
	collateralMarket, err := e.markets.Lookup(pos.CollateralToken)
	if err != nil {
		e.refund(ctx, pos.DebtToken, liquidator, pos.Debt)
		return err
	}
	if err := e.collab.Lending.Repay(ctx, debtMarket, pos.Debt, e.self); err != nil {
		e.refund(ctx, pos.DebtToken, liquidator, pos.Debt)
		e.metrics.OperationsFailed.Inc()
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	if err := e.collab.Lending.Withdraw(ctx, collateralMarket, seized, e.self); err != nil {
		e.reverseRepay(ctx, debtMarket, pos.DebtToken, liquidator, pos.Debt)
		e.metrics.OperationsFailed.Inc()
		return fmt.Errorf("%w: withdraw seized collateral: %v", ErrSettlementFailed, err)
	}
	if err := e.collab.Bank.Transfer(ctx, pos.CollateralToken, e.self, liquidator, seized); err != nil {
		if supplyErr := e.collab.Lending.Supply(ctx, collateralMarket, seized, e.self); supplyErr != nil {
			e.log.Error("compensation: return seized collateral failed",
				zap.Uint64("position_id", id), zap.Error(supplyErr))
		}
		e.reverseRepay(ctx, debtMarket, pos.DebtToken, liquidator, pos.Debt)
		e.metrics.OperationsFailed.Inc()
		return fmt.Errorf("%w: pay out seized collateral: %v", ErrSettlementFailed, err)
	}

	owner, err := e.collab.Ownership.OwnerOf(ctx, id)
	if err != nil {
		owner = common.Address{}
	}

	if full {
		if err := e.collab.Ownership.Burn(ctx, id); err != nil {
			e.log.Warn("liquidation settled but handle burn failed",
				zap.Uint64("position_id", id), zap.Error(err))
		}
		if err := e.book.Remove(ctx, id); err != nil {
			e.log.Error("liquidation settled but ledger remove failed",
				zap.Uint64("position_id", id), zap.Error(err))
			return fmt.Errorf("engine: remove position %d: %w", id, err)
		}
		e.metrics.FullLiquidations.Inc()
		e.metrics.OpenPositions.Dec()
		if badDebt.Sign() > 0 {
			e.log.Warn("bad debt absorbed on liquidation",
				zap.Uint64("position_id", id),
				zap.String("shortfall", badDebt.String()))
		}
		e.emit(Event{
			Kind:            EventLiquidated,
			PositionID:      id,
			Owner:           owner,
			CollateralToken: pos.CollateralToken,
			DebtToken:       pos.DebtToken,
			Collateral:      big.NewInt(0),
			Debt:            big.NewInt(0),
			Seized:          seized,
			Repaid:          pos.Debt,
			BadDebt:         badDebt,
			HealthFactor:    hf,
		})
	} else {
		repaid := pos.Debt
		pos.Collateral = newCollateral
		pos.Debt = big.NewInt(0)
		if err := e.book.Put(ctx, pos); err != nil {
			e.log.Error("partial liquidation settled but ledger write failed",
				zap.Uint64("position_id", id), zap.Error(err))
			return fmt.Errorf("engine: persist position %d: %w", id, err)
		}
		e.metrics.PartialLiquidations.Inc()
		e.emit(Event{
			Kind:            EventPartiallyLiquidated,
			PositionID:      id,
			Owner:           owner,
			CollateralToken: pos.CollateralToken,
			DebtToken:       pos.DebtToken,
			Collateral:      pos.Collateral,
			Debt:            pos.Debt,
			Seized:          seized,
			Repaid:          repaid,
			HealthFactor:    hf,
		})
	}

	e.log.Info("position liquidated",
		zap.Uint64("position_id", id),
		zap.String("liquidator", liquidator.Hex()),
		zap.Bool("full", full),
		zap.String("seized", seized.String()),
		zap.String("health", hf.String()))
	return nil
}

// reverseRepay unwinds a liquidation that failed after the position's debt
// was already retired: the debt is re-borrowed so the market matches the
// book again, and the liquidator's upfront payment goes back. Best-effort;
// failures are logged, never masked over the original error.
func (e *Engine) reverseRepay(ctx context.Context, debtMarket, debtToken, liquidator common.Address, amount *big.Int) {
	if err := e.collab.Lending.Borrow(ctx, debtMarket, amount, e.self, e.self); err != nil {
		e.log.Error("compensation: re-borrow repaid debt failed",
			zap.String("market", debtMarket.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
	e.refund(ctx, debtToken, liquidator, amount)
}
