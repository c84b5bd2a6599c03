package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"flashlev/internal/ledger"
	"flashlev/internal/metrics"
	"flashlev/internal/oracle"
	"flashlev/internal/registry"
)

const bpsDenominator = 10_000

// MaxProtocolFeeBps caps the close fee at 1%.
const MaxProtocolFeeBps = 100

// Engine orchestrates leveraged positions: it owns the ledger, drives the
// collaborators, and is the sole holder of the reentrancy guard. One
// mutating operation runs at a time; either every side effect of it lands
// or the caller is made whole.
type Engine struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	collab  Collaborators
	oracle  *oracle.Resolver
	markets *registry.Markets
	book    *ledger.Ledger
	self    common.Address
	admin   common.Address

	cfgMu               sync.RWMutex
	feeBps              uint32
	feeRecipient        common.Address
	liquidationBonusBps uint32

	guard    reentrancyGuard
	inFlight *loanIntent
	handlers map[OpTag]loanHandler
	sink     EventSink
}

// Options carries everything New needs. Log, Metrics and Sink may be nil;
// the collaborators, oracle, markets and book may not.
type Options struct {
	Log                 *zap.Logger
	Metrics             *metrics.Metrics
	Collaborators       Collaborators
	Oracle              *oracle.Resolver
	Markets             *registry.Markets
	Book                *ledger.Ledger
	Self                common.Address
	Admin               common.Address
	ProtocolFeeBps      uint32
	FeeRecipient        common.Address
	LiquidationBonusBps uint32
	Sink                EventSink
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Collaborators.Bank == nil,
		opts.Collaborators.Lending == nil,
		opts.Collaborators.Swap == nil,
		opts.Collaborators.Loans == nil,
		opts.Collaborators.Ownership == nil:
		return nil, fmt.Errorf("engine: all collaborators are required")
	case opts.Oracle == nil:
		return nil, fmt.Errorf("engine: oracle resolver is required")
	case opts.Markets == nil:
		return nil, fmt.Errorf("engine: market registry is required")
	case opts.Book == nil:
		return nil, fmt.Errorf("engine: position ledger is required")
	case opts.ProtocolFeeBps > MaxProtocolFeeBps:
		return nil, fmt.Errorf("%w: %d > %d", ErrFeeAboveCap, opts.ProtocolFeeBps, MaxProtocolFeeBps)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	e := &Engine{
		log:                 log,
		metrics:             m,
		collab:              opts.Collaborators,
		oracle:              opts.Oracle,
		markets:             opts.Markets,
		book:                opts.Book,
		self:                opts.Self,
		admin:               opts.Admin,
		feeBps:              opts.ProtocolFeeBps,
		feeRecipient:        opts.FeeRecipient,
		liquidationBonusBps: opts.LiquidationBonusBps,
		sink:                opts.Sink,
	}
	e.buildHandlers()
	return e, nil
}

// Administrative surface. Every setter checks the caller against the
// configured admin; there is no second capability tier.

func (e *Engine) RegisterMarket(caller, token, market common.Address) error {
	if caller != e.admin {
		return ErrNotAdmin
	}
	e.markets.Register(token, market)
	e.log.Info("market registered",
		zap.String("token", token.Hex()),
		zap.String("market", market.Hex()))
	return nil
}

func (e *Engine) RegisterPriceFeed(caller, token common.Address, feed oracle.Feed) error {
	if caller != e.admin {
		return ErrNotAdmin
	}
	e.oracle.Register(token, feed)
	e.log.Info("price feed registered", zap.String("token", token.Hex()))
	return nil
}

func (e *Engine) SetProtocolFee(caller common.Address, bps uint32) error {
	if caller != e.admin {
		return ErrNotAdmin
	}
	if bps > MaxProtocolFeeBps {
		return fmt.Errorf("%w: %d > %d", ErrFeeAboveCap, bps, MaxProtocolFeeBps)
	}
	e.cfgMu.Lock()
	e.feeBps = bps
	e.cfgMu.Unlock()
	e.log.Info("protocol fee updated", zap.Uint32("bps", bps))
	return nil
}

func (e *Engine) SetFeeRecipient(caller, recipient common.Address) error {
	if caller != e.admin {
		return ErrNotAdmin
	}
	e.cfgMu.Lock()
	e.feeRecipient = recipient
	e.cfgMu.Unlock()
	e.log.Info("fee recipient updated", zap.String("recipient", recipient.Hex()))
	return nil
}

func (e *Engine) ProtocolFeeBps() uint32 {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.feeBps
}

func (e *Engine) feeConfig() (uint32, common.Address) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.feeBps, e.feeRecipient
}

func (e *Engine) liquidationBonus() uint32 {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.liquidationBonusBps
}

// OpenPosition pulls the caller's collateral, flash-borrows the leveraged
// slice of the debt token, and commits the resulting position to the
// ledger. Long positions borrow (leverage-1)x the collateral's value,
// shorts borrow the full leverage multiple since the collateral itself
// carries no exposure.
func (e *Engine) OpenPosition(ctx context.Context, caller, collateralToken, debtToken common.Address, amount *big.Int, leverage uint32, direction ledger.Direction) (uint64, error) {
	if err := e.guard.enter(); err != nil {
		return 0, err
	}
	defer e.guard.exit()

	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if leverage <= 1 || leverage > MaxLeverage {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidLeverage, leverage)
	}
	if direction != ledger.DirectionLong && direction != ledger.DirectionShort {
		return 0, ErrInvalidDirection
	}
	if err := e.requireListed(collateralToken); err != nil {
		return 0, err
	}
	if err := e.requireListed(debtToken); err != nil {
		return 0, err
	}

	collateralValue, err := e.oracle.ValueOf(ctx, collateralToken, amount)
	if err != nil {
		return 0, err
	}
	multiplier := int64(leverage)
	tag := TagOpenShort
	if direction == ledger.DirectionLong {
		multiplier = int64(leverage) - 1
		tag = TagOpenLong
	}
	loanValue := new(big.Int).Mul(collateralValue, big.NewInt(multiplier))
	loanAmount, err := e.oracle.AmountForValue(ctx, debtToken, loanValue)
	if err != nil {
		return 0, err
	}

	if err := e.collab.Bank.Transfer(ctx, collateralToken, caller, e.self, amount); err != nil {
		e.metrics.OperationsFailed.Inc()
		return 0, fmt.Errorf("engine: pull collateral: %w", err)
	}
	id, err := e.collab.Ownership.Issue(ctx, caller)
	if err != nil {
		e.refund(ctx, collateralToken, caller, amount)
		e.metrics.OperationsFailed.Inc()
		return 0, fmt.Errorf("engine: issue position handle: %w", err)
	}

	payload, err := encodePayload(tag, openArgs{
		PositionID:        id,
		Owner:             caller.Hex(),
		CollateralToken:   collateralToken.Hex(),
		DebtToken:         debtToken.Hex(),
		InitialCollateral: amount.String(),
		LoanAmount:        loanAmount.String(),
	})
	if err != nil {
		e.compensateOpen(ctx, id, collateralToken, caller, amount)
		return 0, err
	}

	result, err := e.runLoan(ctx, debtToken, loanAmount, payload)
	if err != nil {
		e.compensateOpen(ctx, id, collateralToken, caller, amount)
		e.metrics.OperationsFailed.Inc()
		return 0, err
	}

	pos := &ledger.Position{
		ID:              id,
		CollateralToken: collateralToken,
		DebtToken:       debtToken,
		Collateral:      result.collateral,
		Debt:            result.debt,
		Direction:       direction,
	}
	if err := e.book.Put(ctx, pos); err != nil {
		// Side effects already landed with the collaborators; a ledger
		// write failure here is unrecoverable without operator help.
		e.log.Error("position opened but ledger write failed",
			zap.Uint64("position_id", id), zap.Error(err))
		e.metrics.OperationsFailed.Inc()
		return 0, fmt.Errorf("engine: persist position %d: %w", id, err)
	}

	e.metrics.PositionsOpened.Inc()
	e.metrics.OpenPositions.Inc()
	e.emit(Event{
		Kind:            EventOpened,
		PositionID:      id,
		Owner:           caller,
		CollateralToken: collateralToken,
		DebtToken:       debtToken,
		Collateral:      pos.Collateral,
		Debt:            pos.Debt,
	})
	e.log.Info("position opened",
		zap.Uint64("position_id", id),
		zap.String("owner", caller.Hex()),
		zap.String("direction", direction.String()),
		zap.Uint32("leverage", leverage),
		zap.String("collateral", pos.Collateral.String()),
		zap.String("debt", pos.Debt.String()))
	return id, nil
}

// ModifyPosition resizes an open position. A positive delta adds exposure
// via a fresh flash loan; a negative delta unwinds |delta| collateral and
// the pro-rata debt slice. Either way the position must stay above the
// liquidation threshold.
func (e *Engine) ModifyPosition(ctx context.Context, caller common.Address, id uint64, sizeDelta *big.Int) error {
	if err := e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()

	if sizeDelta == nil || sizeDelta.Sign() == 0 {
		return ErrInvalidAmount
	}
	pos, err := e.requireOwned(ctx, caller, id)
	if err != nil {
		return err
	}
	if sizeDelta.Sign() > 0 {
		err = e.increase(ctx, pos, sizeDelta)
	} else {
		err = e.decrease(ctx, caller, pos, new(big.Int).Neg(sizeDelta))
	}
	if err != nil {
		e.metrics.OperationsFailed.Inc()
		return err
	}

	if err := e.book.Put(ctx, pos); err != nil {
		e.log.Error("position modified but ledger write failed",
			zap.Uint64("position_id", id), zap.Error(err))
		e.metrics.OperationsFailed.Inc()
		return fmt.Errorf("engine: persist position %d: %w", id, err)
	}
	hf, err := e.healthOf(ctx, pos)
	if err != nil {
		hf = nil
	}
	e.metrics.PositionsModified.Inc()
	e.emit(Event{
		Kind:            EventModified,
		PositionID:      id,
		Owner:           caller,
		CollateralToken: pos.CollateralToken,
		DebtToken:       pos.DebtToken,
		Collateral:      pos.Collateral,
		Debt:            pos.Debt,
		HealthFactor:    hf,
	})
	e.log.Info("position modified",
		zap.Uint64("position_id", id),
		zap.String("delta", sizeDelta.String()),
		zap.String("collateral", pos.Collateral.String()),
		zap.String("debt", pos.Debt.String()))
	return nil
}

func (e *Engine) increase(ctx context.Context, pos *ledger.Position, delta *big.Int) error {
	deltaValue, err := e.oracle.ValueOf(ctx, pos.CollateralToken, delta)
	if err != nil {
		return err
	}
	loanAmount, err := e.oracle.AmountForValue(ctx, pos.DebtToken, deltaValue)
	if err != nil {
		return err
	}
	if loanAmount.Sign() == 0 {
		return ErrInvalidAmount
	}

	payload, err := encodePayload(TagIncrease, increaseArgs{
		PositionID:      pos.ID,
		CollateralToken: pos.CollateralToken.Hex(),
		DebtToken:       pos.DebtToken.Hex(),
		LoanAmount:      loanAmount.String(),
	})
	if err != nil {
		return err
	}
	result, err := e.runLoan(ctx, pos.DebtToken, loanAmount, payload)
	if err != nil {
		return err
	}

	newCollateral := new(big.Int).Add(pos.Collateral, result.collateral)
	newDebt := new(big.Int).Add(pos.Debt, result.debt)
	if err := e.requireHealthy(ctx, pos, newCollateral, newDebt); err != nil {
		return err
	}
	pos.Collateral = newCollateral
	pos.Debt = newDebt
	return nil
}

func (e *Engine) decrease(ctx context.Context, owner common.Address, pos *ledger.Position, delta *big.Int) error {
	if delta.Cmp(pos.Collateral) >= 0 {
		return fmt.Errorf("%w: %s >= %s", ErrDeltaExceedsPosition, delta, pos.Collateral)
	}
	// Floor division keeps the retired debt slice conservative: the
	// remaining position never owes less per unit of collateral than
	// before.
	debtSlice := new(big.Int).Mul(pos.Debt, delta)
	debtSlice.Quo(debtSlice, pos.Collateral)

	newCollateral := new(big.Int).Sub(pos.Collateral, delta)
	newDebt := new(big.Int).Sub(pos.Debt, debtSlice)
	if err := e.requireHealthy(ctx, pos, newCollateral, newDebt); err != nil {
		return err
	}

	var err error
	if pos.Direction == ledger.DirectionLong {
		err = e.decreaseLong(ctx, owner, pos, delta, debtSlice)
	} else {
		err = e.decreaseShort(ctx, owner, pos, delta, debtSlice)
	}
	if err != nil {
		return err
	}
	pos.Collateral = newCollateral
	pos.Debt = newDebt
	return nil
}

// decreaseLong unwinds without a flash loan: the withdrawn collateral is
// itself the asset being sold, so the swap proceeds repay the debt slice
// directly.
func (e *Engine) decreaseLong(ctx context.Context, owner common.Address, pos *ledger.Position, delta, debtSlice *big.Int) error {
	collateralMarket, err := e.markets.Lookup(pos.CollateralToken)
	if err != nil {
		return err
	}
	debtMarket, err := e.markets.Lookup(pos.DebtToken)
	if err != nil {
		return err
	}
	if err := e.collab.Lending.Withdraw(ctx, collateralMarket, delta, e.self); err != nil {
		return err
	}
	swapped, err := e.collab.Swap.SwapExactInput(ctx, pos.CollateralToken, pos.DebtToken, delta, big.NewInt(0), e.swapDeadline())
	if err != nil {
		return err
	}
	if swapped.Cmp(debtSlice) < 0 {
		return fmt.Errorf("%w: got %s, need %s", ErrInsufficientSwapOutput, swapped, debtSlice)
	}
	if debtSlice.Sign() > 0 {
		if err := e.collab.Lending.Repay(ctx, debtMarket, debtSlice, e.self); err != nil {
			return err
		}
	}
	if surplus := new(big.Int).Sub(swapped, debtSlice); surplus.Sign() > 0 {
		if err := e.collab.Bank.Transfer(ctx, pos.DebtToken, e.self, owner, surplus); err != nil {
			return err
		}
	}
	return nil
}

// decreaseShort needs the debt repaid before the lending market will
// release collateral, so it borrows the slice up front and lets the
// callback settle it from the swap proceeds.
func (e *Engine) decreaseShort(ctx context.Context, owner common.Address, pos *ledger.Position, delta, debtSlice *big.Int) error {
	if debtSlice.Sign() == 0 {
		// Nothing owed against the slice; plain withdrawal to the owner.
		collateralMarket, err := e.markets.Lookup(pos.CollateralToken)
		if err != nil {
			return err
		}
		if err := e.collab.Lending.Withdraw(ctx, collateralMarket, delta, e.self); err != nil {
			return err
		}
		return e.collab.Bank.Transfer(ctx, pos.CollateralToken, e.self, owner, delta)
	}
	payload, err := encodePayload(TagDecrease, decreaseArgs{
		PositionID:      pos.ID,
		Owner:           owner.Hex(),
		CollateralToken: pos.CollateralToken.Hex(),
		DebtToken:       pos.DebtToken.Hex(),
		CollateralOut:   delta.String(),
		LoanAmount:      debtSlice.String(),
	})
	if err != nil {
		return err
	}
	_, err = e.runLoan(ctx, pos.DebtToken, debtSlice, payload)
	return err
}

// ClosePosition unwinds everything: withdraw all collateral, take the
// protocol fee, swap just enough to clear the debt, and hand the rest to
// the owner. The ownership handle is burned last.
func (e *Engine) ClosePosition(ctx context.Context, caller common.Address, id uint64) error {
	if err := e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()

	pos, err := e.requireOwned(ctx, caller, id)
	if err != nil {
		return err
	}
	collateralMarket, err := e.markets.Lookup(pos.CollateralToken)
	if err != nil {
		return err
	}
	debtMarket, err := e.markets.Lookup(pos.DebtToken)
	if err != nil {
		return err
	}

	if err := e.collab.Lending.Withdraw(ctx, collateralMarket, pos.Collateral, e.self); err != nil {
		e.metrics.OperationsFailed.Inc()
		return fmt.Errorf("engine: withdraw collateral: %w", err)
	}
	remaining := new(big.Int).Set(pos.Collateral)

	feeBps, feeRecipient := e.feeConfig()
	if feeBps > 0 && feeRecipient != (common.Address{}) {
		fee := new(big.Int).Mul(pos.Collateral, big.NewInt(int64(feeBps)))
		fee.Quo(fee, big.NewInt(bpsDenominator))
		if fee.Sign() > 0 {
			if err := e.collab.Bank.Transfer(ctx, pos.CollateralToken, e.self, feeRecipient, fee); err != nil {
				e.metrics.OperationsFailed.Inc()
				return fmt.Errorf("engine: pay protocol fee: %w", err)
			}
			remaining.Sub(remaining, fee)
		}
	}

	if pos.Debt.Sign() > 0 {
		debtValue, err := e.oracle.ValueOf(ctx, pos.DebtToken, pos.Debt)
		if err != nil {
			return err
		}
		amountIn, err := e.oracle.AmountForValue(ctx, pos.CollateralToken, debtValue)
		if err != nil {
			return err
		}
		if amountIn.Cmp(remaining) > 0 {
			amountIn = new(big.Int).Set(remaining)
		}
		swapped, err := e.collab.Swap.SwapExactInput(ctx, pos.CollateralToken, pos.DebtToken, amountIn, big.NewInt(0), e.swapDeadline())
		if err != nil {
			e.metrics.OperationsFailed.Inc()
			return err
		}
		if swapped.Cmp(pos.Debt) < 0 {
			e.metrics.OperationsFailed.Inc()
			return fmt.Errorf("%w: got %s, need %s", ErrInsufficientSwapOutput, swapped, pos.Debt)
		}
		if err := e.collab.Lending.Repay(ctx, debtMarket, pos.Debt, e.self); err != nil {
			e.metrics.OperationsFailed.Inc()
			return fmt.Errorf("engine: repay debt: %w", err)
		}
		remaining.Sub(remaining, amountIn)
		if overage := new(big.Int).Sub(swapped, pos.Debt); overage.Sign() > 0 {
			if err := e.collab.Bank.Transfer(ctx, pos.DebtToken, e.self, caller, overage); err != nil {
				return err
			}
		}
	}

	if remaining.Sign() > 0 {
		if err := e.collab.Bank.Transfer(ctx, pos.CollateralToken, e.self, caller, remaining); err != nil {
			return err
		}
	}
	if err := e.collab.Ownership.Burn(ctx, id); err != nil {
		e.log.Warn("close settled but handle burn failed",
			zap.Uint64("position_id", id), zap.Error(err))
	}
	if err := e.book.Remove(ctx, id); err != nil {
		e.log.Error("close settled but ledger remove failed",
			zap.Uint64("position_id", id), zap.Error(err))
		return fmt.Errorf("engine: remove position %d: %w", id, err)
	}

	e.metrics.PositionsClosed.Inc()
	e.metrics.OpenPositions.Dec()
	e.emit(Event{
		Kind:            EventClosed,
		PositionID:      id,
		Owner:           caller,
		CollateralToken: pos.CollateralToken,
		DebtToken:       pos.DebtToken,
		Collateral:      big.NewInt(0),
		Debt:            big.NewInt(0),
	})
	e.log.Info("position closed",
		zap.Uint64("position_id", id),
		zap.String("owner", caller.Hex()),
		zap.String("returned", remaining.String()))
	return nil
}

// runLoan arms the in-flight intent, fires the flash loan, and returns
// whatever the callback recorded. The intent is cleared on every path.
func (e *Engine) runLoan(ctx context.Context, token common.Address, amount *big.Int, payload []byte) (callbackResult, error) {
	e.inFlight = &loanIntent{token: token, amount: new(big.Int).Set(amount)}
	defer func() { e.inFlight = nil }()

	e.metrics.FlashLoans.Inc()
	if err := e.collab.Loans.FlashLoan(ctx, token, amount, payload); err != nil {
		return callbackResult{}, fmt.Errorf("engine: flash loan: %w", err)
	}
	result := e.inFlight.result
	if result.collateral == nil || result.debt == nil {
		return callbackResult{}, fmt.Errorf("engine: loan settled without a callback outcome")
	}
	return result, nil
}

func (e *Engine) requireListed(token common.Address) error {
	if !e.markets.Registered(token) {
		return fmt.Errorf("%w: %s", registry.ErrNoMarketRegistered, token.Hex())
	}
	if !e.oracle.Registered(token) {
		return fmt.Errorf("%w: %s", oracle.ErrNoFeedRegistered, token.Hex())
	}
	return nil
}

func (e *Engine) requireOwned(ctx context.Context, caller common.Address, id uint64) (*ledger.Position, error) {
	pos, ok := e.book.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	owner, err := e.collab.Ownership.OwnerOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve owner of %d: %w", id, err)
	}
	if owner != caller {
		return nil, fmt.Errorf("%w: position %d", ErrNotOwner, id)
	}
	return pos, nil
}

// compensateOpen undoes the pre-loan side effects of a failed open: the
// handle is burned and the pulled collateral returned. Both are
// best-effort; failures are logged, never masked over the original error.
func (e *Engine) compensateOpen(ctx context.Context, id uint64, token, owner common.Address, amount *big.Int) {
	if err := e.collab.Ownership.Burn(ctx, id); err != nil {
		e.log.Error("compensation: burn handle failed",
			zap.Uint64("position_id", id), zap.Error(err))
	}
	e.refund(ctx, token, owner, amount)
}

func (e *Engine) refund(ctx context.Context, token, owner common.Address, amount *big.Int) {
	if err := e.collab.Bank.Transfer(ctx, token, e.self, owner, amount); err != nil {
		e.log.Error("compensation: collateral refund failed",
			zap.String("owner", owner.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
}
