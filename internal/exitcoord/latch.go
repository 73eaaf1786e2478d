package exitcoord

import (
	"errors"
	"sync"
)

var (
	// ErrLatchUnderflow is returned by an Add that would take the count below zero.
	ErrLatchUnderflow = errors.New("latch count below zero")
	// ErrLatchReleased is returned by any Add after the latch has released.
	ErrLatchReleased = errors.New("latch already released")
)

// Latch is a counting shutdown gate. It starts at 1, which stands for the
// top-level run, and releases exactly once when the count reaches 0.
type Latch struct {
	mu        sync.Mutex
	count     int
	released  bool
	onRelease func()
}

// NewLatch returns a latch holding one count. onRelease, if non-nil, runs on
// the goroutine whose Add released the latch, after the lock is dropped.
func NewLatch(onRelease func()) *Latch {
	return &Latch{count: 1, onRelease: onRelease}
}

// Add applies delta to the count.
func (l *Latch) Add(delta int) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrLatchReleased
	}
	if l.count+delta < 0 {
		l.mu.Unlock()
		return ErrLatchUnderflow
	}
	l.count += delta
	fire := l.count == 0
	l.released = fire
	l.mu.Unlock()

	if fire && l.onRelease != nil {
		l.onRelease()
	}
	return nil
}

// Done removes one count.
func (l *Latch) Done() error { return l.Add(-1) }

// Count returns the current count.
func (l *Latch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Released reports whether the count has reached 0.
func (l *Latch) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}
