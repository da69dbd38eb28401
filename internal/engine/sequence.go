package engine

import "sync/atomic"

// Sequence is the global monotonic event counter. Every state-changing event
// (fill, cancel, expiry) across every market draws its number here, inside
// the same critical section that commits the event, so reconciliation sees a
// gap-free total order.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence creates a counter that resumes from last (the highest sequence
// already persisted, zero for a fresh system).
func NewSequence(last uint64) *Sequence {
	s := &Sequence{}
	s.n.Store(last)
	return s
}

// Next atomically allocates the next sequence number.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the most recently allocated sequence number.
func (s *Sequence) Current() uint64 {
	return s.n.Load()
}
