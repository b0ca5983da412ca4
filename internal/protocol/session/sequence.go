package session

import (
	"sync/atomic"

	"github.com/juju/clock"
)

// Sequencer hands out call sequence numbers. Numbers are unique for the
// lifetime of the process and never reused, even after the owning call ends.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer seeds the counter from the clock so that numbers from a
// previous process incarnation are unlikely to collide with fresh ones.
func NewSequencer(clk clock.Clock) *Sequencer {
	s := &Sequencer{}
	if clk != nil {
		s.next.Store(uint64(clk.Now().UnixNano()))
	}
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}
