package engine

import (
	"context"
	"sync"
)

// CallGuard serializes the single in-flight call of an adapter and its
// stop/release lifecycle. Adapters embed one instead of re-deriving the
// locking by hand.
type CallGuard struct {
	mu       sync.Mutex
	released bool
	cancel   context.CancelFunc
}

// Begin marks a call as in flight and returns a context that Stop and
// Release cancel. It fails fast once the adapter has been released.
func (g *CallGuard) Begin(ctx context.Context) (context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil, NewError(CodeInvalidRequest, "engine released")
	}
	if g.cancel != nil {
		// A stale call is still unwinding; cancel it rather than race it.
		g.cancel()
	}
	callCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	return callCtx, nil
}

// End clears the in-flight call. Safe to call after Stop.
func (g *CallGuard) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// Stop cancels the in-flight call, if any. Idempotent.
func (g *CallGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// Release stops any in-flight call and marks the guard unusable.
func (g *CallGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}
