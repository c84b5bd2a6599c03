package engine

import "errors"

var (
	ErrInvalidAmount          = errors.New("engine: amount must be positive")
	ErrInvalidLeverage        = errors.New("engine: leverage must be in (1, 20]")
	ErrInvalidDirection       = errors.New("engine: unknown direction")
	ErrUnknownPosition        = errors.New("engine: unknown position")
	ErrNotOwner               = errors.New("engine: caller does not own position")
	ErrNotAdmin               = errors.New("engine: caller lacks the administrative capability")
	ErrUnauthorizedCallback   = errors.New("engine: callback caller is not the loan provider")
	ErrUnexpectedCallback     = errors.New("engine: loan callback without a loan in flight")
	ErrLoanMismatch           = errors.New("engine: loan token or amount does not match the request")
	ErrReentrantCall          = errors.New("engine: reentrant call rejected")
	ErrHealthyPosition        = errors.New("engine: position health is above the liquidation threshold")
	ErrHealthBelowThreshold   = errors.New("engine: operation would leave health below the liquidation threshold")
	ErrInsufficientSwapOutput = errors.New("engine: swap output insufficient to cover debt")
	ErrDeltaExceedsPosition   = errors.New("engine: size delta exceeds position collateral")
	ErrFeeAboveCap            = errors.New("engine: protocol fee exceeds cap")
	ErrSettlementFailed       = errors.New("engine: lending market settlement failed, liquidator refunded")
)
