// Package memchan is an in-process channel: two sides joined by bounded
// frame queues. It backs the loopback CLI mode and the session tests.
package memchan

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/rmbridge/internal/channel"
)

const DefaultQueueDepth = 256

// SendFilter is a test hook consulted before every Send. A non-nil error is
// returned to the sender and the frame is not delivered.
type SendFilter func(frame []byte) error

// Side is one end of a link. It implements channel.Registrar.
type Side struct {
	name  string
	max   int
	inbox chan []byte
	peer  *Side

	mu sync.Mutex
	ep *endpoint

	sendFilter atomic.Pointer[SendFilter]
}

// NewLink returns two connected sides. Frames sent on a arrive on b and vice versa.
func NewLink(maxFrameSize, queueDepth int) (*Side, *Side) {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	a := &Side{name: "a", max: maxFrameSize, inbox: make(chan []byte, queueDepth)}
	b := &Side{name: "b", max: maxFrameSize, inbox: make(chan []byte, queueDepth)}
	a.peer, b.peer = b, a
	return a, b
}

// SetSendFilter installs f for frames sent from this side; nil removes it.
func (s *Side) SetSendFilter(f SendFilter) {
	if f == nil {
		s.sendFilter.Store(nil)
		return
	}
	s.sendFilter.Store(&f)
}

// Inject delivers frame to this side as if the peer had sent it.
func (s *Side) Inject(frame []byte) {
	cp := append([]byte(nil), frame...)
	s.inbox <- cp
}

// Registered reports whether an endpoint is currently open on this side.
func (s *Side) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep != nil && !s.ep.isClosed()
}

func (s *Side) Register(_ context.Context, label string) (channel.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep != nil && !s.ep.isClosed() {
		s.ep.Close()
	}
	s.ep = &endpoint{side: s, label: label, closed: make(chan struct{})}
	return s.ep, nil
}

type endpoint struct {
	side      *Side
	label     string
	closed    chan struct{}
	closeOnce sync.Once
}

func (e *endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *endpoint) Send(ctx context.Context, frame []byte) error {
	if e.isClosed() {
		return channel.ErrNotRegistered
	}
	if err := channel.CheckSize(frame, e.side.max); err != nil {
		return err
	}
	if f := e.side.sendFilter.Load(); f != nil {
		if err := (*f)(frame); err != nil {
			return err
		}
	}
	cp := append([]byte(nil), frame...)
	select {
	case e.side.peer.inbox <- cp:
		return nil
	case <-e.closed:
		return channel.ErrNotRegistered
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-e.closed:
		return nil, channel.ErrNotRegistered
	default:
	}
	select {
	case b := <-e.side.inbox:
		return b, nil
	case <-e.closed:
		return nil, channel.ErrNotRegistered
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *endpoint) MaxFrameSize() int { return e.side.max }

func (e *endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
