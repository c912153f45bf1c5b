package pool

import (
	"sync"
	"sync/atomic"
)

// Gate holds a task's execution context until the scheduler releases it.
//
// A gate starts closed. Release opens it at most once; further calls are no-ops
// and report false. Cancel wakes any waiter with ErrGateCancelled so a task that
// was never admitted can exit without running.
type Gate struct {
	name string

	open   chan struct{}
	cancel chan struct{}

	openOnce   sync.Once
	cancelOnce sync.Once

	released  atomic.Bool
	cancelled atomic.Bool
}

// NewGate returns a closed gate.
func NewGate(name string) *Gate {
	return &Gate{
		name:   name,
		open:   make(chan struct{}),
		cancel: make(chan struct{}),
	}
}

// Name returns the unique gate name ("<seq>-<pool>-<ident>").
func (g *Gate) Name() string { return g.name }

// Release opens the gate. It returns true only for the call that opened it.
func (g *Gate) Release() bool {
	opened := false
	g.openOnce.Do(func() {
		g.released.Store(true)
		close(g.open)
		opened = true
	})
	return opened
}

// Cancel wakes waiters without admitting them. Safe to call repeatedly.
func (g *Gate) Cancel() {
	g.cancelOnce.Do(func() {
		g.cancelled.Store(true)
		close(g.cancel)
	})
}

// Released reports whether Release has opened the gate.
func (g *Gate) Released() bool { return g.released.Load() }

// Cancelled reports whether Cancel has been called.
func (g *Gate) Cancelled() bool { return g.cancelled.Load() }

// Wait blocks until the gate is released or cancelled. If both happened the
// outcome is unspecified; callers re-check their own cancellation state.
func (g *Gate) Wait() error {
	select {
	case <-g.cancel:
		return ErrGateCancelled
	case <-g.open:
		return nil
	}
}
