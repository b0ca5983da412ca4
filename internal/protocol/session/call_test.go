package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rmbridge/internal/channel/memchan"
	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/danmuck/rmbridge/internal/protocol/frame"
	"github.com/danmuck/rmbridge/internal/testutil/testlog"
	"github.com/juju/clock/testclock"
)

var errBoom = errors.New("boom")

type statusErr protocol.Status

func (e statusErr) Error() string           { return protocol.Status(e).String() }
func (e statusErr) Status() protocol.Status { return protocol.Status(e) }

func TestRegisterCallRoundTrip(t *testing.T) {
	testlog.Start(t)
	var seen protocol.RegisterRequest
	h := HandlerFunc(func(_ context.Context, req protocol.Payload) (protocol.Payload, error) {
		seen = req.(protocol.RegisterRequest)
		return protocol.RegisterResponse{Status: protocol.StatusOK, ClientID: 42}, nil
	})
	front, _ := livePair(t, h, testConfig(frontendID, backendID))

	resp, err := front.Call(context.Background(), protocol.RegisterRequest{
		ClientType: 1,
		Priority:   5,
		Desc:       protocol.ClientDesc{Domain: 1, ID: 3, Name: "display"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	got, ok := resp.(protocol.RegisterResponse)
	if !ok {
		t.Fatalf("unexpected response type %T", resp)
	}
	if got.ClientID != 42 || !got.Status.OK() {
		t.Fatalf("unexpected response %+v", got)
	}
	if seen.ClientType != 1 || seen.Priority != 5 || seen.Desc.Name != "display" {
		t.Fatalf("handler saw %+v", seen)
	}
	if front.Pending() != 0 {
		t.Fatalf("pending after call: %d", front.Pending())
	}
}

func TestHandlerErrorBecomesResponseStatus(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(context.Context, protocol.Payload) (protocol.Payload, error) {
		return nil, statusErr(protocol.StatusNoSpace)
	})
	front, _ := livePair(t, h, testConfig(frontendID, backendID))

	resp, err := front.Call(context.Background(), protocol.RegisterRequest{ClientType: 1})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if st, _ := protocol.ResponseStatus(resp); st != protocol.StatusNoSpace {
		t.Fatalf("expected no_space, got %s", st)
	}
}

func TestSendFailureReturnsImmediately(t *testing.T) {
	testlog.Start(t)
	a, _ := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	a.SetSendFilter(func([]byte) error { return errBoom })
	clk := testclock.NewClock(time.Now())
	front := newTestSession(t, testConfig(frontendID, backendID), a, WithClock(clk))
	goLive(t, front)

	_, err := front.Call(context.Background(), protocol.GetValueRequest{ClientID: 1})
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, errBoom) {
		t.Fatalf("expected send failure wrapping cause, got %v", err)
	}
	if front.Pending() != 0 {
		t.Fatalf("residual pending entry: %d", front.Pending())
	}
}

func TestCallBeforeRegistrationFails(t *testing.T) {
	testlog.Start(t)
	a, _ := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	front := newTestSession(t, testConfig(frontendID, backendID), a)

	_, err := front.Call(context.Background(), protocol.GetValueRequest{ClientID: 1})
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
}

func TestTimeoutThenLateResponseDropped(t *testing.T) {
	testlog.Start(t)
	a, _ := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	seqs := captureSeqs(a)
	clk := testclock.NewClock(time.Now())
	cfg := testConfig(frontendID, backendID)
	front := newTestSession(t, cfg, a, WithClock(clk))
	goLive(t, front)

	first := goCall(front, context.Background(), protocol.RegisterRequest{ClientType: 1, Priority: 5})
	lateSeq := recvSeq(t, seqs)
	if err := clk.WaitAdvance(cfg.CallTimeout, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	r := awaitCall(t, first)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("expected timeout, got resp=%v err=%v", r.resp, r.err)
	}
	if front.Pending() != 0 {
		t.Fatalf("pending after timeout: %d", front.Pending())
	}

	// The late answer arrives ahead of the next call's answer and must not
	// be delivered to it.
	a.Inject(mustEncode(t, lateSeq, protocol.RegisterResponse{ClientID: 99}))
	second := goCall(front, context.Background(), protocol.RegisterRequest{ClientType: 1, Priority: 5})
	nextSeq := recvSeq(t, seqs)
	a.Inject(mustEncode(t, nextSeq, protocol.RegisterResponse{ClientID: 7}))

	r = awaitCall(t, second)
	if r.err != nil {
		t.Fatalf("second call: %v", r.err)
	}
	if got := r.resp.(protocol.RegisterResponse).ClientID; got != 7 {
		t.Fatalf("second call got client id %d", got)
	}
}

func TestStrayResponseDoesNotDisturbPendingCall(t *testing.T) {
	testlog.Start(t)
	a, _ := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	seqs := captureSeqs(a)
	cfg := testConfig(frontendID, backendID)
	cfg.CallTimeout = 5 * time.Second
	front := newTestSession(t, cfg, a)
	goLive(t, front)

	pending := goCall(front, context.Background(), protocol.GetValueRequest{ClientID: 3})
	seq := recvSeq(t, seqs)
	a.Inject(mustEncode(t, seq+1000, protocol.GetValueResponse{Value: protocol.ResValue{Cur: 1}}))
	a.Inject(mustEncode(t, seq, protocol.GetValueResponse{Value: protocol.ResValue{Cur: 2}}))

	r := awaitCall(t, pending)
	if r.err != nil {
		t.Fatalf("call: %v", r.err)
	}
	if got := r.resp.(protocol.GetValueResponse).Value.Cur; got != 2 {
		t.Fatalf("got value %d want 2", got)
	}
}

func TestMalformedFramesDoNotStopPipeline(t *testing.T) {
	testlog.Start(t)
	a, _ := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	seqs := captureSeqs(a)
	cfg := testConfig(frontendID, backendID)
	cfg.CallTimeout = 5 * time.Second
	front := newTestSession(t, cfg, a)
	goLive(t, front)

	pending := goCall(front, context.Background(), protocol.DeregisterRequest{ClientID: 4})
	seq := recvSeq(t, seqs)

	a.Inject([]byte{1, 2, 3})
	unknown := frame.EncodeHeader(frame.Header{Version: frame.Version1, Command: 0x7f, Seq: seq})
	a.Inject(unknown)
	a.Inject(mustEncode(t, seq, protocol.DeregisterResponse{Status: protocol.StatusOK}))

	r := awaitCall(t, pending)
	if r.err != nil {
		t.Fatalf("call: %v", r.err)
	}
	if _, ok := r.resp.(protocol.DeregisterResponse); !ok {
		t.Fatalf("unexpected response %T", r.resp)
	}
	if front.State() != StateRegistered {
		t.Fatalf("pipeline state %s", front.State())
	}
}

func TestMismatchedResponseCommandFailsCall(t *testing.T) {
	testlog.Start(t)
	a, _ := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	seqs := captureSeqs(a)
	cfg := testConfig(frontendID, backendID)
	cfg.CallTimeout = 5 * time.Second
	front := newTestSession(t, cfg, a)
	goLive(t, front)

	pending := goCall(front, context.Background(), protocol.GetValueRequest{ClientID: 1})
	seq := recvSeq(t, seqs)
	a.Inject(mustEncode(t, seq, protocol.DeregisterResponse{}))

	r := awaitCall(t, pending)
	var mismatch *MismatchError
	if !errors.As(r.err, &mismatch) || mismatch.Seq != seq {
		t.Fatalf("expected mismatch error, got %v", r.err)
	}
}

func TestConcurrentCallersReceiveOwnResponses(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(_ context.Context, req protocol.Payload) (protocol.Payload, error) {
		sv := req.(protocol.SetValueRequest)
		return protocol.SetValueResponse{Value: sv.Value + uint64(sv.ClientID)}, nil
	})
	cfg := testConfig(frontendID, backendID)
	cfg.CallTimeout = 10 * time.Second
	front, _ := livePair(t, h, cfg)

	const callers = 100
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := protocol.SetValueRequest{ClientID: uint32(i), Value: uint64(i) * 1000}
			resp, err := front.Call(context.Background(), req)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			if got, want := resp.(protocol.SetValueResponse).Value, uint64(i)*1001; got != want {
				t.Errorf("caller %d: got=%d want=%d", i, got, want)
			}
		}(i)
	}
	wg.Wait()
	if front.Pending() != 0 {
		t.Fatalf("pending after all calls: %d", front.Pending())
	}
}

func TestTimeoutRaceCompletesEachCallOnce(t *testing.T) {
	testlog.Start(t)
	var rngMu sync.Mutex
	rng := rand.New(rand.NewSource(1))
	h := HandlerFunc(func(_ context.Context, req protocol.Payload) (protocol.Payload, error) {
		rngMu.Lock()
		d := time.Duration(rng.Intn(2000)) * time.Microsecond
		rngMu.Unlock()
		time.Sleep(d)
		return protocol.GetValueResponse{Value: protocol.ResValue{Cur: uint64(req.(protocol.GetValueRequest).ClientID)}}, nil
	})
	cfg := testConfig(frontendID, backendID)
	cfg.CallTimeout = time.Millisecond
	front, _ := livePair(t, h, cfg)

	const callers = 200
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := front.Call(context.Background(), protocol.GetValueRequest{ClientID: uint32(i)})
			switch {
			case err == nil:
				if got := resp.(protocol.GetValueResponse).Value.Cur; got != uint64(i) {
					t.Errorf("caller %d got answer for %d", i, got)
				}
			case errors.Is(err, ErrTimeout):
			default:
				t.Errorf("caller %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if front.Pending() != 0 {
		t.Fatalf("leaked pending calls: %d", front.Pending())
	}
}

func TestContextCancelAbandonsCall(t *testing.T) {
	testlog.Start(t)
	a, _ := memchan.NewLink(frame.DefaultMaxFrameSize, 0)
	seqs := captureSeqs(a)
	cfg := testConfig(frontendID, backendID)
	cfg.CallTimeout = time.Minute
	front := newTestSession(t, cfg, a)
	goLive(t, front)

	ctx, cancel := context.WithCancel(context.Background())
	pending := goCall(front, ctx, protocol.GetValueRequest{ClientID: 1})
	recvSeq(t, seqs)
	cancel()

	r := awaitCall(t, pending)
	if !errors.Is(r.err, ErrCancelled) || !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected cancelled, got %v", r.err)
	}
	if front.Pending() != 0 {
		t.Fatalf("pending after cancel: %d", front.Pending())
	}
}
