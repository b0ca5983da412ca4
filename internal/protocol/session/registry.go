package session

import (
	"sync"

	"github.com/danmuck/rmbridge/internal/protocol"
)

// pendingCall is one outstanding request. Exactly one party completes it:
// whoever removed it from the registry.
type pendingCall struct {
	seq  uint64
	cmd  protocol.Command
	resp protocol.Payload
	err  error
	done chan struct{}
}

func newPendingCall(seq uint64, cmd protocol.Command) *pendingCall {
	return &pendingCall{seq: seq, cmd: cmd, done: make(chan struct{})}
}

func (p *pendingCall) complete(resp protocol.Payload, err error) {
	p.resp = resp
	p.err = err
	close(p.done)
}

// Registry tracks outstanding calls by sequence number. All operations are
// short critical sections; nothing blocks while holding the lock.
type Registry struct {
	mu      sync.Mutex
	pending map[uint64]*pendingCall
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint64]*pendingCall)}
}

// Insert adds c. It reports false when c.seq is already present.
func (r *Registry) Insert(c *pendingCall) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[c.seq]; exists {
		return false
	}
	r.pending[c.seq] = c
	return true
}

// Take removes and returns the call for seq. Of any number of concurrent
// Take calls for the same seq, at most one observes ok=true.
func (r *Registry) Take(seq uint64) (*pendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[seq]
	if ok {
		delete(r.pending, seq)
	}
	return c, ok
}

// Drain removes every call and returns them. The caller owns completion.
func (r *Registry) Drain() []*pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pendingCall, 0, len(r.pending))
	for seq, c := range r.pending {
		out = append(out, c)
		delete(r.pending, seq)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
