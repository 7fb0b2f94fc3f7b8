package engine

import "sync/atomic"

// Sequencer hands out strictly increasing timestamps. Values carry no relation
// to wall-clock time, they only order events.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer creates a sequencer whose first Next returns start+1.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued value.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}
