package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type EventKind string

const (
	EventOpened              EventKind = "opened"
	EventModified            EventKind = "modified"
	EventClosed              EventKind = "closed"
	EventLiquidated          EventKind = "liquidated"
	EventPartiallyLiquidated EventKind = "partially_liquidated"
)

// Event describes one committed ledger mutation. Collateral and Debt are
// the post-state magnitudes; the seizure fields are set on liquidations
// only. BadDebt is the unit-of-account shortfall left after seizing all
// collateral.
type Event struct {
	Kind            EventKind
	Time            time.Time
	PositionID      uint64
	Owner           common.Address
	CollateralToken common.Address
	DebtToken       common.Address
	Collateral      *big.Int
	Debt            *big.Int
	Seized          *big.Int
	Repaid          *big.Int
	BadDebt         *big.Int
	HealthFactor    *big.Int
}

// EventSink receives committed events. The engine calls it synchronously;
// sinks that do I/O should queue.
type EventSink func(Event)

func (e *Engine) emit(ev Event) {
	if e.sink == nil {
		return
	}
	ev.Time = time.Now().UTC()
	e.sink(ev)
}
