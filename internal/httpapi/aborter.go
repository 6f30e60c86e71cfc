package httpapi

import (
	"context"
	"sync"
	"time"
)

// DefaultAbortTimeout bounds a primary fetch when no timeout is given.
const DefaultAbortTimeout = 5 * time.Second

// Aborter keeps at most one live "primary" request context. Starting a new one
// cancels the previous.
type Aborter struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Next cancels the previous context, if still live, and returns a new one bounded
// by timeout.
func (a *Aborter) Next(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultAbortTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)

	a.mu.Lock()
	prev := a.cancel
	a.cancel = cancel
	a.mu.Unlock()

	if prev != nil {
		prev()
	}
	return ctx, cancel
}

// Abort cancels the live context, if any.
func (a *Aborter) Abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
