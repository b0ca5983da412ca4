package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/rmbridge/internal/observability"
	"github.com/danmuck/rmbridge/internal/protocol"
	pkgerrors "github.com/pkg/errors"
)

// Call sends req and blocks until its response arrives, CallTimeout elapses,
// ctx ends, or the session shuts down. It returns either the paired response
// payload or an error wrapping ErrSendFailed, ErrTimeout or ErrCancelled.
func (s *Session) Call(ctx context.Context, req protocol.Payload) (protocol.Payload, error) {
	if req == nil {
		return nil, protocol.ErrNilPayload
	}
	cmd := req.Command()
	if cmd.IsResponse() {
		return nil, fmt.Errorf("session: %s is not a request", cmd)
	}
	start := s.clock.Now()
	resp, err := s.call(ctx, req)
	observability.RecordCall(s.side, cmd.String(), resultLabel(err), s.clock.Now().Sub(start))
	return resp, err
}

func (s *Session) call(ctx context.Context, req protocol.Payload) (protocol.Payload, error) {
	ep, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	seq := s.seq.Next()
	c := newPendingCall(seq, req.Command())
	if !s.reg.Insert(c) {
		panic(pkgerrors.WithStack(fmt.Errorf("%w: %d", ErrDuplicateSeq, seq)))
	}
	observability.SetPending(s.side, s.reg.Len())

	raw, err := protocol.Encode(seq, req, s.limits)
	if err != nil {
		s.abandon(seq)
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if err := ep.Send(ctx, raw); err != nil {
		s.abandon(seq)
		s.log.Debug().Err(err).Uint64("seq", seq).Str("cmd", req.Command().String()).Msg("send failed")
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	observability.RecordFrame(s.side, observability.DirectionOut, req.Command().String())

	timer := s.clock.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-c.done:
		return c.resp, c.err
	case <-timer.Chan():
		cause = fmt.Errorf("%w after %s", ErrTimeout, s.cfg.CallTimeout)
	case <-ctx.Done():
		cause = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	if _, owned := s.reg.Take(seq); owned {
		observability.SetPending(s.side, s.reg.Len())
		s.log.Debug().Uint64("seq", seq).Str("cmd", req.Command().String()).Err(cause).Msg("call abandoned")
		return nil, cause
	}
	// Lost the race: whoever took the call completes it without blocking.
	<-c.done
	return c.resp, c.err
}

func (s *Session) abandon(seq uint64) {
	s.reg.Take(seq)
	observability.SetPending(s.side, s.reg.Len())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSendFailed):
		return "send_failed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrChannelDead):
		return "channel_dead"
	default:
		return "error"
	}
}
