package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Direction uint8

const (
	DirectionLong Direction = iota + 1
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "unknown"
	}
}

func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "long":
		return DirectionLong, true
	case "short":
		return DirectionShort, true
	default:
		return 0, false
	}
}

// Position is the per-handle risk record. Magnitudes are token base units,
// never a quote currency. Direction is fixed at creation; only the two
// magnitudes change over the position's life.
type Position struct {
	ID              uint64
	CollateralToken common.Address
	DebtToken       common.Address
	Collateral      *big.Int
	Debt            *big.Int
	Direction       Direction
	OpenedAt        time.Time
	UpdatedAt       time.Time
}

func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Collateral != nil {
		clone.Collateral = new(big.Int).Set(p.Collateral)
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	}
	return &clone
}
