package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoFeedRegistered = errors.New("oracle: no feed registered for token")
	ErrInvalidPrice     = errors.New("oracle: feed reported non-positive price")
)

// Feed is one token's price source. Price is an integer scaled by the
// feed's fixed decimal count; freshness is the feed's own concern.
type Feed interface {
	LatestPrice(ctx context.Context) (price *big.Int, decimals uint8, err error)
}

// Resolver converts token amounts into the common unit of account. It holds
// nothing but the feed registry and re-reads the feed on every call.
type Resolver struct {
	mu    sync.RWMutex
	feeds map[common.Address]Feed
}

func NewResolver() *Resolver {
	return &Resolver{feeds: make(map[common.Address]Feed)}
}

func (r *Resolver) Register(token common.Address, feed Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[token] = feed
}

func (r *Resolver) Registered(token common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.feeds[token]
	return ok
}

func (r *Resolver) Price(ctx context.Context, token common.Address) (*big.Int, uint8, error) {
	r.mu.RLock()
	feed, ok := r.feeds[token]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoFeedRegistered, token.Hex())
	}
	price, decimals, err := feed.LatestPrice(ctx)
	if err != nil {
		return nil, 0, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidPrice, token.Hex())
	}
	return price, decimals, nil
}

// ValueOf returns amount * price / 10^decimals in the unit of account.
func (r *Resolver) ValueOf(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, decimals, err := r.Price(ctx, token)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, pow10(decimals)), nil
}

// AmountForValue returns the smallest token amount whose value covers the
// requested unit-of-account value (rounds up).
func (r *Resolver) AmountForValue(ctx context.Context, token common.Address, value *big.Int) (*big.Int, error) {
	if value == nil || value.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	price, decimals, err := r.Price(ctx, token)
	if err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(value, pow10(decimals))
	num.Add(num, new(big.Int).Sub(price, big.NewInt(1)))
	return num.Quo(num, price), nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// StaticFeed serves a fixed price, settable at runtime. Used for
// config-pinned quotes and as the test feed.
type StaticFeed struct {
	mu       sync.RWMutex
	price    *big.Int
	decimals uint8
}

func NewStaticFeed(price *big.Int, decimals uint8) *StaticFeed {
	return &StaticFeed{price: new(big.Int).Set(price), decimals: decimals}
}

func (f *StaticFeed) SetPrice(price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = new(big.Int).Set(price)
}

func (f *StaticFeed) LatestPrice(_ context.Context) (*big.Int, uint8, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price), f.decimals, nil
}
