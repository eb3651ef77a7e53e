package messaging

import (
	"context"
	"sync"
)

// Latch parks callers of Wait until StopWaiting or Close is called.
// It keeps its own lock and shares no state with request correlation.
type Latch struct {
	mu      sync.Mutex
	waiting bool
	waiters int
	release chan struct{}
	closed  bool
}

// NewLatch creates an open latch
func NewLatch() *Latch {
	return &Latch{}
}

// Wait blocks until StopWaiting, Close or ctx cancellation. Released
// waiters get nil; calls made after Close return ErrServerClosed at once.
func (l *Latch) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrServerClosed
	}
	if !l.waiting {
		l.waiting = true
		l.release = make(chan struct{})
	}
	l.waiters++
	release := l.release
	l.mu.Unlock()

	select {
	case <-release:
		return nil

	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.release == release {
			l.waiters--
			if l.waiters == 0 {
				l.waiting = false
				l.release = nil
			}
		}
		return ctx.Err()
	}
}

// StopWaiting releases every current waiter. Calling it when nobody is
// waiting does nothing.
func (l *Latch) StopWaiting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Latch) stopLocked() {
	if !l.waiting {
		return
	}
	close(l.release)
	l.release = nil
	l.waiting = false
	l.waiters = 0
}

// Close releases waiters and makes every later Wait return ErrServerClosed
func (l *Latch) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.stopLocked()
}

// Waiting reports whether any caller is blocked in Wait
func (l *Latch) Waiting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}
