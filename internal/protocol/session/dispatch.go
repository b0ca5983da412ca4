package session

import (
	"context"

	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/danmuck/rmbridge/internal/observability"
	"github.com/danmuck/rmbridge/internal/protocol"
)

// dispatch handles one inbound frame. Every failure is absorbed here.
func (s *Session) dispatch(ctx context.Context, ep channel.Endpoint, raw []byte) {
	msg, err := protocol.Decode(raw, s.limits)
	if err != nil {
		observability.RecordDrop(s.side, observability.DropMalformed)
		s.log.Warn().Err(err).Int("bytes", len(raw)).Msg("malformed frame dropped")
		return
	}
	cmd := msg.Command()
	observability.RecordFrame(s.side, observability.DirectionIn, cmd.String())

	if cmd.IsResponse() {
		s.complete(msg)
		return
	}
	s.execute(ctx, ep, msg)
}

func (s *Session) complete(msg protocol.Message) {
	c, ok := s.reg.Take(msg.Seq())
	if !ok {
		observability.RecordDrop(s.side, observability.DropStray)
		s.log.Debug().Uint64("seq", msg.Seq()).Str("cmd", msg.Command().String()).Msg("response without pending call dropped")
		return
	}
	observability.SetPending(s.side, s.reg.Len())
	if msg.Command() != c.cmd.Response() {
		s.log.Warn().
			Uint64("seq", msg.Seq()).
			Str("want", c.cmd.Response().String()).
			Str("got", msg.Command().String()).
			Msg("response command mismatch")
		c.complete(nil, &MismatchError{Seq: msg.Seq(), Want: c.cmd.Response(), Got: msg.Command()})
		return
	}
	c.complete(msg.Payload, nil)
}

func (s *Session) execute(ctx context.Context, ep channel.Endpoint, msg protocol.Message) {
	if s.handler == nil {
		observability.RecordDrop(s.side, observability.DropUnexpected)
		s.log.Warn().Uint64("seq", msg.Seq()).Str("cmd", msg.Command().String()).Msg("request on calling side dropped")
		return
	}
	cmd := msg.Command()
	resp, err := s.handler.Execute(ctx, msg.Payload)
	if err == nil && (resp == nil || resp.Command() != cmd.Response()) {
		s.log.Error().Str("cmd", cmd.String()).Msg("handler returned wrong response shape")
		resp = nil
		err = errHandlerShape
	}
	if err != nil {
		st := statusOf(err)
		s.log.Warn().Err(err).Uint64("seq", msg.Seq()).Str("cmd", cmd.String()).Int32("status", int32(st)).Msg("request failed")
		resp, err = protocol.ErrorResponse(cmd, st)
		if err != nil {
			s.log.Error().Err(err).Msg("no error response for command")
			return
		}
	}
	out, err := protocol.Encode(msg.Seq(), resp, s.limits)
	if err != nil {
		s.log.Error().Err(err).Uint64("seq", msg.Seq()).Msg("encode response failed")
		return
	}
	if err := ep.Send(ctx, out); err != nil {
		s.log.Warn().Err(err).Uint64("seq", msg.Seq()).Str("cmd", cmd.String()).Msg("send response failed")
		return
	}
	observability.RecordFrame(s.side, observability.DirectionOut, resp.Command().String())
}
