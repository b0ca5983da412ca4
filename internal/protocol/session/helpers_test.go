package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/danmuck/rmbridge/internal/channel/memchan"
	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/danmuck/rmbridge/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const (
	frontendID = "frontend"
	backendID  = "backend"
)

func testConfig(identity, peer string) Config {
	cfg := DefaultConfig()
	cfg.Identity = identity
	cfg.ExpectedPeer = peer
	return cfg
}

func newTestSession(t *testing.T, cfg Config, reg channel.Registrar, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(log.Logger)}, opts...)
	s, err := New(cfg, reg, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func peerReady(t *testing.T, s *Session) {
	t.Helper()
	ev := channel.PeerEvent{Peer: s.Config().ExpectedPeer, Status: channel.PeerReady}
	if err := s.HandlePeerEvent(context.Background(), ev); err != nil {
		t.Fatalf("peer ready: %v", err)
	}
}

func goLive(t *testing.T, s *Session) {
	t.Helper()
	peerReady(t, s)
	if s.State() != StateRegistered {
		t.Fatalf("expected registered, got %s", s.State())
	}
}

// livePair returns a registered calling side and executing side joined by memchan.
func livePair(t *testing.T, h Handler, frontCfg Config, opts ...Option) (*Session, *Session) {
	t.Helper()
	a, b := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	back := newTestSession(t, testConfig(backendID, frontendID), b, WithHandler(h))
	front := newTestSession(t, frontCfg, a, opts...)
	goLive(t, back)
	goLive(t, front)
	return front, back
}

// captureSeqs records the sequence number of every frame sent from side.
func captureSeqs(side *memchan.Side) <-chan uint64 {
	ch := make(chan uint64, 256)
	side.SetSendFilter(func(b []byte) error {
		h, err := frame.DecodeHeader(b)
		if err == nil {
			ch <- h.Seq
		}
		return nil
	})
	return ch
}

func recvSeq(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case seq := <-ch:
		return seq
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame sent")
		return 0
	}
}

func mustEncode(t *testing.T, seq uint64, p protocol.Payload) []byte {
	t.Helper()
	b, err := protocol.Encode(seq, p, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type callResult struct {
	resp protocol.Payload
	err  error
}

func goCall(s *Session, ctx context.Context, req protocol.Payload) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		resp, err := s.Call(ctx, req)
		out <- callResult{resp: resp, err: err}
	}()
	return out
}

func awaitCall(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("call did not return")
		return callResult{}
	}
}

// scriptedEndpoint replays Recv results, then blocks until closed.
type scriptedEndpoint struct {
	mu       sync.Mutex
	script   []scriptStep
	recvs    int
	consumed chan struct{}
	closed   chan struct{}
	once     sync.Once
}

type scriptStep struct {
	frame []byte
	err   error
}

func newScriptedEndpoint(steps ...scriptStep) *scriptedEndpoint {
	return &scriptedEndpoint{script: steps, consumed: make(chan struct{}), closed: make(chan struct{})}
}

func (e *scriptedEndpoint) Send(context.Context, []byte) error { return nil }

func (e *scriptedEndpoint) Recv(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	if len(e.script) > 0 {
		step := e.script[0]
		e.script = e.script[1:]
		e.recvs++
		if len(e.script) == 0 {
			close(e.consumed)
		}
		e.mu.Unlock()
		return step.frame, step.err
	}
	e.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, channel.ErrNotRegistered
	}
}

func (e *scriptedEndpoint) Recvs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvs
}

func (e *scriptedEndpoint) MaxFrameSize() int { return frame.DefaultMaxFrameSize }

func (e *scriptedEndpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}

// queueRegistrar hands out endpoints in order and counts registrations.
type queueRegistrar struct {
	mu    sync.Mutex
	eps   []channel.Endpoint
	calls int
}

func (r *queueRegistrar) Register(context.Context, string) (channel.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.eps) == 0 {
		return nil, channel.ErrPeerUnknown
	}
	ep := r.eps[0]
	r.eps = r.eps[1:]
	return ep, nil
}

func (r *queueRegistrar) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func recvFailures(n int, err error) []scriptStep {
	steps := make([]scriptStep, n)
	for i := range steps {
		steps[i] = scriptStep{err: err}
	}
	return steps
}
