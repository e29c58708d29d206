// Package snapshot delivers versioned copies of mutable state to a single
// callback, one at a time and never out of order.
package snapshot

import "sync"

// Versioned is a value stamped with the version of the state it was copied from.
type Versioned[T any] struct {
	Version uint64
	Value   T
}

// Publisher serializes calls to a callback. Producers Stamp a copy of their
// state while holding the lock that guards it, release the lock, then
// Publish. A Publish that races with a delivery in progress hands its value
// to the delivering goroutine and returns; values older than the last one
// delivered are dropped.
type Publisher[T any] struct {
	fn func(T)

	stampMu sync.Mutex
	version uint64

	mu         sync.Mutex
	delivering bool
	pending    Versioned[T]
	delivered  uint64
}

// NewPublisher returns a publisher calling fn. A nil fn discards everything.
func NewPublisher[T any](fn func(T)) *Publisher[T] {
	return &Publisher[T]{fn: fn}
}

// Stamp assigns the next version to v. Call it under the lock that guards
// the state v was copied from so versions follow the order of changes.
func (p *Publisher[T]) Stamp(v T) Versioned[T] {
	p.stampMu.Lock()
	defer p.stampMu.Unlock()
	p.version++
	return Versioned[T]{Version: p.version, Value: v}
}

// Publish delivers v unless something newer was already delivered or is
// waiting. The callback is never entered by two goroutines at once. A call
// made from inside the callback queues its value and returns immediately.
func (p *Publisher[T]) Publish(v Versioned[T]) {
	if p.fn == nil {
		return
	}

	p.mu.Lock()
	if v.Version <= p.delivered || v.Version <= p.pending.Version {
		p.mu.Unlock()
		return
	}
	p.pending = v
	if p.delivering {
		p.mu.Unlock()
		return
	}
	p.delivering = true

	for p.pending.Version > p.delivered {
		next := p.pending
		p.delivered = next.Version
		p.mu.Unlock()
		p.fn(next.Value)
		p.mu.Lock()
	}
	p.delivering = false
	p.mu.Unlock()
}

// Delivered returns the version of the last value handed to the callback.
func (p *Publisher[T]) Delivered() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered
}
