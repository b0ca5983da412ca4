package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/rmbridge/internal/protocol"
)

// Call results surfaced to callers.
var (
	ErrSendFailed = errors.New("session: send failed")
	ErrTimeout    = errors.New("session: call timed out")
	ErrCancelled  = errors.New("session: call cancelled")
)

// Lifecycle errors.
var (
	ErrChannelDead      = errors.New("session: channel dead")
	ErrClosed           = errors.New("session: closed")
	ErrNotRegistered    = errors.New("session: channel not registered")
	ErrRegistrarMissing = errors.New("session: registrar required")
	ErrInvalidConfig    = errors.New("session: invalid config")
	ErrDuplicateSeq     = errors.New("session: duplicate sequence number")
)

var errHandlerShape = errors.New("session: handler returned wrong response shape")

// MismatchError reports a response whose command does not pair with the
// request registered under the same sequence number.
type MismatchError struct {
	Seq  uint64
	Want protocol.Command
	Got  protocol.Command
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("session: seq %d answered with %s, want %s", e.Seq, e.Got, e.Want)
}
