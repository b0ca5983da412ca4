package session

import (
	"context"
	"errors"

	"github.com/danmuck/rmbridge/internal/protocol"
)

// Handler executes inbound requests on the executing side. The returned
// payload must be the response shape paired with req.Command().
type Handler interface {
	Execute(ctx context.Context, req protocol.Payload) (protocol.Payload, error)
}

type HandlerFunc func(ctx context.Context, req protocol.Payload) (protocol.Payload, error)

func (f HandlerFunc) Execute(ctx context.Context, req protocol.Payload) (protocol.Payload, error) {
	return f(ctx, req)
}

// StatusError lets a handler choose the status sent back for a failed request.
type StatusError interface {
	error
	Status() protocol.Status
}

func statusOf(err error) protocol.Status {
	var se StatusError
	if errors.As(err, &se) {
		return se.Status()
	}
	return protocol.StatusIO
}
