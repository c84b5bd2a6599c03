package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"flashlev/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

const positionKeyPrefix = "position:"

// Ledger is the authoritative store of open positions. The engine is the
// only writer; reads hand out clones so callers cannot mutate shared state.
// Every mutation is mirrored into the KV store so the book survives
// restarts.
type Ledger struct {
	mu        sync.RWMutex
	store     state.Store
	positions map[uint64]*Position
}

func New(store state.Store) *Ledger {
	return &Ledger{store: store, positions: make(map[uint64]*Position)}
}

// Load rebuilds the in-memory book from persisted records.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	entries, err := l.store.List(ctx, positionKeyPrefix)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range entries {
		pos, err := decodeRecord(entry.Value)
		if err != nil {
			return fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		l.positions[pos.ID] = pos
	}
	return nil
}

func (l *Ledger) Get(id uint64) (*Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

func (l *Ledger) Put(ctx context.Context, pos *Position) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	clone := pos.Clone()
	clone.UpdatedAt = time.Now().UTC()
	if clone.OpenedAt.IsZero() {
		clone.OpenedAt = clone.UpdatedAt
	}
	if l.store != nil {
		payload, err := encodeRecord(clone)
		if err != nil {
			return err
		}
		if err := l.store.Set(ctx, positionKey(clone.ID), payload); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.positions[clone.ID] = clone
	l.mu.Unlock()
	return nil
}

func (l *Ledger) Remove(ctx context.Context, id uint64) error {
	if l.store != nil {
		if err := l.store.Delete(ctx, positionKey(id)); err != nil {
			return err
		}
	}
	l.mu.Lock()
	delete(l.positions, id)
	l.mu.Unlock()
	return nil
}

func (l *Ledger) List() []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

func positionKey(id uint64) string {
	return fmt.Sprintf("%s%d", positionKeyPrefix, id)
}

type record struct {
	ID              uint64 `json:"id"`
	CollateralToken string `json:"collateral_token"`
	DebtToken       string `json:"debt_token"`
	Collateral      string `json:"collateral"`
	Debt            string `json:"debt"`
	Direction       string `json:"direction"`
	OpenedAtMS      int64  `json:"opened_at_ms"`
	UpdatedAtMS     int64  `json:"updated_at_ms"`
}

func encodeRecord(pos *Position) (string, error) {
	rec := record{
		ID:              pos.ID,
		CollateralToken: pos.CollateralToken.Hex(),
		DebtToken:       pos.DebtToken.Hex(),
		Collateral:      pos.Collateral.String(),
		Debt:            pos.Debt.String(),
		Direction:       pos.Direction.String(),
		OpenedAtMS:      pos.OpenedAt.UnixMilli(),
		UpdatedAtMS:     pos.UpdatedAt.UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func decodeRecord(raw string) (*Position, error) {
	var rec record
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &rec); err != nil {
		return nil, err
	}
	collateral, ok := new(big.Int).SetString(rec.Collateral, 10)
	if !ok {
		return nil, fmt.Errorf("bad collateral amount %q", rec.Collateral)
	}
	debt, ok := new(big.Int).SetString(rec.Debt, 10)
	if !ok {
		return nil, fmt.Errorf("bad debt amount %q", rec.Debt)
	}
	direction, ok := ParseDirection(rec.Direction)
	if !ok {
		return nil, fmt.Errorf("bad direction %q", rec.Direction)
	}
	return &Position{
		ID:              rec.ID,
		CollateralToken: common.HexToAddress(rec.CollateralToken),
		DebtToken:       common.HexToAddress(rec.DebtToken),
		Collateral:      collateral,
		Debt:            debt,
		Direction:       direction,
		OpenedAt:        time.UnixMilli(rec.OpenedAtMS).UTC(),
		UpdatedAt:       time.UnixMilli(rec.UpdatedAtMS).UTC(),
	}, nil
}
