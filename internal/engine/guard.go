package engine

import "sync/atomic"

// reentrancyGuard is the single mutual-exclusion flag shared by every
// mutating entry point. The loan callback hands control to external
// collaborators mid-operation, so a second entry must fail fast rather
// than queue.
type reentrancyGuard struct {
	busy atomic.Bool
}

func (g *reentrancyGuard) enter() error {
	if !g.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (g *reentrancyGuard) exit() {
	g.busy.Store(false)
}

func (g *reentrancyGuard) held() bool {
	return g.busy.Load()
}
