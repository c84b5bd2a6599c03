package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNoMarketRegistered = errors.New("registry: no lending market registered for token")

// Markets maps a token to the lending market that accepts it. Entries are
// written only through the engine's administrative surface; lookups of
// unregistered tokens are a typed error, never a zero-value fallback.
type Markets struct {
	mu      sync.RWMutex
	entries map[common.Address]common.Address
}

func NewMarkets() *Markets {
	return &Markets{entries: make(map[common.Address]common.Address)}
}

func (m *Markets) Register(token, market common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[token] = market
}

func (m *Markets) Lookup(token common.Address) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.entries[token]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoMarketRegistered, token.Hex())
	}
	return market, nil
}

func (m *Markets) Registered(token common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[token]
	return ok
}
