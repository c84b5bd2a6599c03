package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// OpTag identifies which operation a flash-loan payload belongs to. The
// provider hands the payload back verbatim; the tag selects the typed
// handler, so there is no generic decode-and-hope path.
type OpTag uint8

const (
	TagGeneric OpTag = iota
	TagOpenLong
	TagOpenShort
	TagIncrease
	TagDecrease
)

type loanPayload struct {
	Tag  OpTag              `msgpack:"t"`
	Args msgpack.RawMessage `msgpack:"a"`
}

// Amounts travel as decimal strings and addresses as hex, the same way
// the rest of the system serializes big integers.
type openArgs struct {
	PositionID        uint64 `msgpack:"id"`
	Owner             string `msgpack:"o"`
	CollateralToken   string `msgpack:"ct"`
	DebtToken         string `msgpack:"dt"`
	InitialCollateral string `msgpack:"ic"`
	LoanAmount        string `msgpack:"l"`
}

type increaseArgs struct {
	PositionID      uint64 `msgpack:"id"`
	CollateralToken string `msgpack:"ct"`
	DebtToken       string `msgpack:"dt"`
	LoanAmount      string `msgpack:"l"`
}

type decreaseArgs struct {
	PositionID      uint64 `msgpack:"id"`
	Owner           string `msgpack:"o"`
	CollateralToken string `msgpack:"ct"`
	DebtToken       string `msgpack:"dt"`
	CollateralOut   string `msgpack:"co"`
	LoanAmount      string `msgpack:"l"`
}

func encodePayload(tag OpTag, args any) ([]byte, error) {
	raw, err := msgpack.Marshal(args)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(loanPayload{Tag: tag, Args: raw})
}

func decodePayload(data []byte) (OpTag, msgpack.RawMessage, error) {
	var payload loanPayload
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return TagGeneric, nil, err
	}
	return payload.Tag, payload.Args, nil
}

func bigFromString(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("engine: bad amount %q in payload", s)
	}
	return v, nil
}

// loanIntent records the loan the orchestrator expects the provider to
// deliver, plus the slot the handler fills with the callback outcome.
type loanIntent struct {
	token  common.Address
	amount *big.Int
	result callbackResult
}

type callbackResult struct {
	collateral *big.Int
	debt       *big.Int
}

type loanHandler func(ctx context.Context, args msgpack.RawMessage) error

// HandleLoan is the single callback the loan provider invokes while a
// flash loan is outstanding. Any caller other than the provider is
// rejected before anything is decoded. A payload with an unknown tag is a
// no-op: the loaned funds simply stay in engine custody for the provider
// to reclaim.
func (e *Engine) HandleLoan(ctx context.Context, caller, token common.Address, amount *big.Int, payload []byte) error {
	if caller != e.collab.Loans.Address() {
		e.metrics.CallbacksRejected.Inc()
		return ErrUnauthorizedCallback
	}
	if !e.guard.held() || e.inFlight == nil {
		e.metrics.CallbacksRejected.Inc()
		return ErrUnexpectedCallback
	}
	if token != e.inFlight.token || amount == nil || amount.Cmp(e.inFlight.amount) != 0 {
		e.metrics.CallbacksRejected.Inc()
		return ErrLoanMismatch
	}
	tag, args, err := decodePayload(payload)
	if err != nil {
		return fmt.Errorf("engine: decode loan payload: %w", err)
	}
	handler, ok := e.handlers[tag]
	if !ok {
		e.log.Warn("unhandled loan payload tag", zap.Uint8("tag", uint8(tag)))
		return nil
	}
	return handler(ctx, args)
}

func (e *Engine) buildHandlers() {
	e.handlers = map[OpTag]loanHandler{
		TagOpenLong:  e.handleOpenLoan,
		TagOpenShort: e.handleOpenLoan,
		TagIncrease:  e.handleIncreaseLoan,
		TagDecrease:  e.handleDecreaseLoan,
	}
}

// handleOpenLoan runs inside the open flow's flash loan: swap the loaned
// debt tokens into collateral, supply the whole stack, then borrow the
// loan amount back from the debt market so the provider can settle.
func (e *Engine) handleOpenLoan(ctx context.Context, raw msgpack.RawMessage) error {
	var args openArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("engine: decode open args: %w", err)
	}
	initial, err := bigFromString(args.InitialCollateral)
	if err != nil {
		return err
	}
	loan, err := bigFromString(args.LoanAmount)
	if err != nil {
		return err
	}
	collateralToken := common.HexToAddress(args.CollateralToken)
	debtToken := common.HexToAddress(args.DebtToken)

	// minOut=0: swap execution is unprotected against adverse pricing.
	// TODO: derive a slippage bound from the oracle price.
	swapped, err := e.collab.Swap.SwapExactInput(ctx, debtToken, collateralToken, loan, big.NewInt(0), e.swapDeadline())
	if err != nil {
		return err
	}
	total := new(big.Int).Add(initial, swapped)

	collateralMarket, err := e.markets.Lookup(collateralToken)
	if err != nil {
		return err
	}
	debtMarket, err := e.markets.Lookup(debtToken)
	if err != nil {
		return err
	}
	if err := e.collab.Lending.Supply(ctx, collateralMarket, total, e.self); err != nil {
		return err
	}
	if err := e.collab.Lending.Borrow(ctx, debtMarket, loan, e.self, e.self); err != nil {
		return err
	}

	e.inFlight.result = callbackResult{collateral: total, debt: loan}
	return nil
}

// handleIncreaseLoan mirrors the open callback scoped to the incremental
// exposure: the fresh loan buys collateral, the stack grows, and the new
// borrow settles the loan.
func (e *Engine) handleIncreaseLoan(ctx context.Context, raw msgpack.RawMessage) error {
	var args increaseArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("engine: decode increase args: %w", err)
	}
	loan, err := bigFromString(args.LoanAmount)
	if err != nil {
		return err
	}
	collateralToken := common.HexToAddress(args.CollateralToken)
	debtToken := common.HexToAddress(args.DebtToken)

	swapped, err := e.collab.Swap.SwapExactInput(ctx, debtToken, collateralToken, loan, big.NewInt(0), e.swapDeadline())
	if err != nil {
		return err
	}
	collateralMarket, err := e.markets.Lookup(collateralToken)
	if err != nil {
		return err
	}
	debtMarket, err := e.markets.Lookup(debtToken)
	if err != nil {
		return err
	}
	if err := e.collab.Lending.Supply(ctx, collateralMarket, swapped, e.self); err != nil {
		return err
	}
	if err := e.collab.Lending.Borrow(ctx, debtMarket, loan, e.self, e.self); err != nil {
		return err
	}

	e.inFlight.result = callbackResult{collateral: swapped, debt: loan}
	return nil
}

// handleDecreaseLoan unwinds a short's exposure debt-first: the loan
// repays the debt slice, the freed collateral slice is withdrawn and sold
// back into debt tokens to settle the loan, and any surplus goes to the
// owner.
func (e *Engine) handleDecreaseLoan(ctx context.Context, raw msgpack.RawMessage) error {
	var args decreaseArgs
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("engine: decode decrease args: %w", err)
	}
	collateralOut, err := bigFromString(args.CollateralOut)
	if err != nil {
		return err
	}
	loan, err := bigFromString(args.LoanAmount)
	if err != nil {
		return err
	}
	collateralToken := common.HexToAddress(args.CollateralToken)
	debtToken := common.HexToAddress(args.DebtToken)
	owner := common.HexToAddress(args.Owner)

	collateralMarket, err := e.markets.Lookup(collateralToken)
	if err != nil {
		return err
	}
	debtMarket, err := e.markets.Lookup(debtToken)
	if err != nil {
		return err
	}
	if err := e.collab.Lending.Repay(ctx, debtMarket, loan, e.self); err != nil {
		return err
	}
	if err := e.collab.Lending.Withdraw(ctx, collateralMarket, collateralOut, e.self); err != nil {
		return err
	}
	swapped, err := e.collab.Swap.SwapExactInput(ctx, collateralToken, debtToken, collateralOut, big.NewInt(0), e.swapDeadline())
	if err != nil {
		return err
	}
	if swapped.Cmp(loan) < 0 {
		return fmt.Errorf("%w: got %s, need %s", ErrInsufficientSwapOutput, swapped, loan)
	}
	if surplus := new(big.Int).Sub(swapped, loan); surplus.Sign() > 0 {
		if err := e.collab.Bank.Transfer(ctx, debtToken, e.self, owner, surplus); err != nil {
			return err
		}
	}

	e.inFlight.result = callbackResult{collateral: collateralOut, debt: loan}
	return nil
}

func (e *Engine) swapDeadline() time.Time {
	return time.Now().Add(time.Minute)
}
