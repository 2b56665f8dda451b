package retry

import (
	"sync"
	"sync/atomic"
)

// Flag is a shared, advisory cancellation flag. It is checked before each attempt
// and interrupts backoff sleeps; an attempt already on the wire is left to finish
// (bounded by its tier) but is never retried. The nil *Flag is never cancelled.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	ch   chan struct{}
	mu   sync.Mutex
}

// NewFlag returns an unraised flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Cancel raises the flag. Safe to call more than once.
func (f *Flag) Cancel() {
	if f == nil {
		return
	}
	f.set.Store(true)
	f.once.Do(func() { close(f.done()) })
}

// Cancelled reports whether the flag is raised.
func (f *Flag) Cancelled() bool {
	return f != nil && f.set.Load()
}

// Done returns a channel closed when the flag is raised. A nil flag's channel never closes.
func (f *Flag) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.done()
}

func (f *Flag) done() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}
